// Package effects runs best-effort side effects after a successful write.
//
// A side effect can never fail the write it follows: the ledger already
// accepted the transaction. Errors and panics from a Recorder are logged
// and dropped.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recorder records one user activity.
type Recorder interface {
	RecordActivity(ctx context.Context, activityType string, metadata map[string]any) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, activityType string, metadata map[string]any) error

func (f RecorderFunc) RecordActivity(ctx context.Context, activityType string, metadata map[string]any) error {
	return f(ctx, activityType, metadata)
}

// Activity is a queued side effect.
type Activity struct {
	Type     string
	Metadata map[string]any
}

// DefaultRecordTimeout bounds one RecordActivity call.
const DefaultRecordTimeout = 10 * time.Second

// Pipeline owns the activity queue and its single worker.
//
// Thread-safety model:
//   - Fire, Drain, Close: safe from any goroutine
//   - Run: called from exactly one goroutine
type Pipeline struct {
	queue    *activityQueue
	recorder Recorder
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecordTimeout overrides DefaultRecordTimeout.
func WithRecordTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New returns a Pipeline delivering to r. Call Run to start the worker.
func New(r Recorder, opts ...Option) *Pipeline {
	p := &Pipeline{
		queue:    newActivityQueue(),
		recorder: r,
		timeout:  DefaultRecordTimeout,
		logger:   slog.Default().With("component", "effects"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fire enqueues a. It never blocks and never reports an error; after
// Close the activity is logged and dropped.
func (p *Pipeline) Fire(a Activity) {
	if !p.queue.enqueue(a) {
		p.logger.Warn("side-effect pipeline closed, dropping activity", "type", a.Type)
	}
}

// Run processes activities in FIFO order until ctx ends or Close is
// called and the queue is empty.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if a, ok := p.queue.tryDequeue(); ok {
			p.deliver(ctx, a)
			p.queue.done()
			continue
		}
		if p.queue.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.queue.wait():
		}
	}
}

// deliver is "log and continue": the write already succeeded.
func (p *Pipeline) deliver(ctx context.Context, a Activity) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "side effect panicked", "type", a.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := p.recorder.RecordActivity(ctx, a.Type, a.Metadata); err != nil {
		p.logger.WarnContext(ctx, "side effect failed", "type", a.Type, "error", err)
		return
	}
	p.logger.DebugContext(ctx, "side effect recorded", "type", a.Type)
}

// Drain blocks until every fired activity has been handled or ctx ends.
func (p *Pipeline) Drain(ctx context.Context) error {
	select {
	case <-p.queue.idleCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued activities not yet dequeued.
func (p *Pipeline) Pending() int { return p.queue.len() }

// Close stops accepting activities. Run returns once the queue empties.
func (p *Pipeline) Close() { p.queue.close() }

// Package poll waits for a successful write to become visible on the
// ledger. The loop is bounded with a fixed delay: blocks arrive at a
// steady cadence, so backing off only adds latency.
//
// A timed-out poll is not a failed write. The broadcast already
// succeeded; only its visibility is late.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Outcome is how a poll ended.
type Outcome string

const (
	Confirmed Outcome = "confirmed"
	TimedOut  Outcome = "timed-out"
	Cancelled Outcome = "cancelled"
)

// Predicate reports whether the expected state is visible. Errors are
// treated as "not yet": a failed read is transient.
type Predicate func(ctx context.Context) (bool, error)

// Spec bounds a poll.
type Spec struct {
	Interval    time.Duration `json:"interval" yaml:"interval"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
}

// Validate rejects specs that would never run or never wait.
func (s Spec) Validate() error {
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("poll: max attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.Interval < 0 {
		return fmt.Errorf("poll: interval must not be negative, got %s", s.Interval)
	}
	return nil
}

// Sleeper waits between attempts. Sleep returns ctx.Err() when cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poller runs polls with an injected sleeper.
type Poller struct {
	sleeper Sleeper
	logger  *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleeper replaces the real timer.
func WithSleeper(s Sleeper) Option {
	return func(p *Poller) { p.sleeper = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// New returns a Poller using real timers unless overridden.
func New(opts ...Option) *Poller {
	p := &Poller{sleeper: TimerSleeper{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll sleeps Interval, then tests pred, up to MaxAttempts times. It
// stops at the first success and never runs another attempt after it.
// Cancellation returns Cancelled with ctx.Err().
func (p *Poller) Poll(ctx context.Context, pred Predicate, spec Spec) (Outcome, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		if err := p.sleeper.Sleep(ctx, spec.Interval); err != nil {
			return Cancelled, err
		}
		ok, err := pred(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Cancelled, ctx.Err()
			}
			p.logger.DebugContext(ctx, "poll read failed, treating as not yet", "attempt", attempt, "error", err)
			continue
		}
		if ok {
			p.logger.DebugContext(ctx, "poll confirmed", "attempt", attempt)
			return Confirmed, nil
		}
	}
	p.logger.InfoContext(ctx, "poll timed out", "attempts", spec.MaxAttempts, "interval", spec.Interval)
	return TimedOut, nil
}

// Poll runs a poll on real timers.
func Poll(ctx context.Context, pred Predicate, spec Spec) (Outcome, error) {
	return New().Poll(ctx, pred, spec)
}

// Handle is a poll running in the background.
type Handle struct {
	done   chan Outcome
	cancel context.CancelFunc

	outcome Outcome
	err     error
	settled chan struct{}
}

// Watch starts pred in a goroutine. The poll stops when it settles, when
// Cancel is called, or when ctx ends.
func (p *Poller) Watch(ctx context.Context, pred Predicate, spec Spec) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		done:    make(chan Outcome, 1),
		cancel:  cancel,
		settled: make(chan struct{}),
	}
	go func() {
		defer cancel()
		outcome, err := p.Poll(ctx, pred, spec)
		if outcome == "" {
			// Invalid spec: nothing ran.
			outcome = TimedOut
		}
		h.outcome, h.err = outcome, err
		close(h.settled)
		h.done <- outcome
		close(h.done)
	}()
	return h
}

// Done delivers the outcome once, then is closed.
func (h *Handle) Done() <-chan Outcome { return h.done }

// Cancel stops the poll. Safe to call more than once and after settling.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the poll settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.settled:
		return h.outcome, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IsCancelled reports whether err came from a cancelled poll.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Package pipeline is the caller-facing entry point: build, journal,
// dispatch under cache reconciliation, then side effects and optional
// confirmation polling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerwrite/internal/builder"
	"github.com/roach88/ledgerwrite/internal/cache"
	"github.com/roach88/ledgerwrite/internal/dispatch"
	"github.com/roach88/ledgerwrite/internal/effects"
	"github.com/roach88/ledgerwrite/internal/ids"
	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/journal"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/poll"
	"github.com/roach88/ledgerwrite/internal/signer"
)

var (
	// ErrDuplicateInFlight is returned when the same intent id is already
	// being submitted.
	ErrDuplicateInFlight = errors.New("pipeline: intent already in flight")

	// ErrAlreadySubmitted is returned when the journal already holds a
	// submission for the intent id.
	ErrAlreadySubmitted = errors.New("pipeline: intent already submitted")

	// ErrNoConfirmation is returned by Confirm when no poll was started.
	ErrNoConfirmation = errors.New("pipeline: no confirmation requested")
)

// PollSpec asks for confirmation polling after a successful write. Zero
// Interval or MaxAttempts take the pipeline defaults.
type PollSpec struct {
	Predicate poll.Predicate
	// PredicateFor builds the predicate from the built set and the
	// result when Predicate is nil, e.g. to wait for the returned
	// transaction id.
	PredicateFor func(set ir.OperationSet, res ir.ProviderResult) poll.Predicate
	Interval     time.Duration
	MaxAttempts  int
}

func (ps PollSpec) predicate(set ir.OperationSet, res ir.ProviderResult) poll.Predicate {
	if ps.Predicate != nil {
		return ps.Predicate
	}
	if ps.PredicateFor != nil {
		return ps.PredicateFor(set, res)
	}
	return nil
}

// ConfirmWrite polls r until the write is visible: the vote for a single
// vote operation, inclusion of the transaction otherwise. Zero interval
// or attempts take the pipeline defaults.
func ConfirmWrite(r ledger.Reader, interval time.Duration, maxAttempts int) *PollSpec {
	return &PollSpec{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		PredicateFor: func(set ir.OperationSet, res ir.ProviderResult) poll.Predicate {
			var txID string
			if res.Confirmation != nil {
				txID = res.Confirmation.TxID
			}
			return poll.ForWrite(r, set, txID)
		},
	}
}

// SubmitOptions carries the cache side of a write and optional polling.
type SubmitOptions struct {
	CacheKeys        []string
	Optimistic       func(tx *cache.Tx) error
	InvalidationKeys []string
	Poll             *PollSpec

	// Nonce separates two deliberate identical writes. Reusing a nonce
	// makes Submit a retry of the same intent. Empty means fresh.
	Nonce string
}

// Submission is the outcome of Submit.
type Submission struct {
	IntentID   string            `json:"intent_id"`
	Operations ir.OperationSet   `json:"operations"`
	Result     ir.ProviderResult `json:"result"`

	// Poll is set when a PollSpec was given and the write succeeded.
	Poll *poll.Handle `json:"-"`

	// recorded closes once the poll outcome is journaled.
	recorded chan struct{}
}

// Confirm waits for the poll outcome and, when a journal is used, for the
// outcome to be recorded.
func (s *Submission) Confirm(ctx context.Context) (poll.Outcome, error) {
	if s.Poll == nil {
		return "", ErrNoConfirmation
	}
	outcome, err := s.Poll.Wait(ctx)
	if err != nil || s.recorded == nil {
		return outcome, err
	}
	select {
	case <-s.recorded:
		return outcome, nil
	case <-ctx.Done():
		return outcome, ctx.Err()
	}
}

// Pipeline wires builders, dispatcher, reconciler and side effects.
//
// Thread-safety: Submit is safe for concurrent use. Distinct intents run
// independently; the reconciler is the only shared state between them.
type Pipeline struct {
	builders   *builder.Registry
	dispatcher *dispatch.Dispatcher
	reconciler *cache.Reconciler
	effects    *effects.Pipeline
	journal    *journal.Journal
	poller     *poll.Poller
	pollSpec   poll.Spec
	nonces     ids.Generator
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBuilders replaces builder.Default().
func WithBuilders(r *builder.Registry) Option {
	return func(p *Pipeline) { p.builders = r }
}

// WithEffects enables side effects after successful writes.
func WithEffects(e *effects.Pipeline) Option {
	return func(p *Pipeline) { p.effects = e }
}

// WithJournal records intents, attempts and submissions.
func WithJournal(j *journal.Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithPoller replaces the real-timer poller.
func WithPoller(pl *poll.Poller) Option {
	return func(p *Pipeline) { p.poller = pl }
}

// WithPollDefaults sets the interval and attempts used for unset PollSpec fields.
func WithPollDefaults(s poll.Spec) Option {
	return func(p *Pipeline) { p.pollSpec = s }
}

// WithNonces sets the nonce generator.
func WithNonces(g ids.Generator) Option {
	return func(p *Pipeline) { p.nonces = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New returns a Pipeline. The dispatcher should be built with the
// journal's Observer when a journal is used.
func New(d *dispatch.Dispatcher, r *cache.Reconciler, opts ...Option) *Pipeline {
	p := &Pipeline{
		builders:   builder.Default(),
		dispatcher: d,
		reconciler: r,
		poller:     poll.New(),
		pollSpec:   poll.Spec{Interval: 3 * time.Second, MaxAttempts: 5},
		nonces:     ids.UUIDv7{},
		logger:     slog.Default().With("component", "pipeline"),
		inFlight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs one write intent end to end.
//
// A build error returns before anything is touched. A dispatch failure
// rolls the cache back and returns the dispatcher's error with the last
// attempt's result. On success the side effect fires, polling starts
// when requested, and the invalidation keys have been refreshed.
func (p *Pipeline) Submit(ctx context.Context, intent ir.WriteIntent, ac *signer.AuthContext, opts SubmitOptions) (*Submission, error) {
	set, err := p.builders.Build(intent)
	if err != nil {
		return nil, err
	}

	nonce := opts.Nonce
	if nonce == "" {
		nonce = p.nonces.Generate()
	}
	intentID, err := ir.IntentID(intent.Username, set, nonce)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	sub := &Submission{IntentID: intentID, Operations: set}
	logger := p.logger.With("intent_id", intentID, "kind", intent.Kind, "username", intent.Username)

	if !p.acquire(intentID) {
		return sub, ErrDuplicateInFlight
	}
	defer p.release(intentID)

	if err := p.journalIntent(ctx, intentID, intent, set); err != nil {
		return sub, err
	}

	ctx = journal.WithIntentID(ctx, intentID)
	mutation := cache.Mutation{
		CacheKeys:        opts.CacheKeys,
		Optimistic:       opts.Optimistic,
		InvalidationKeys: opts.InvalidationKeys,
	}
	err = p.reconciler.Mutate(ctx, mutation, func(ctx context.Context) error {
		res, err := p.dispatcher.Dispatch(ctx, ac, intent.Username, set, set.Authority())
		sub.Result = res
		if err != nil {
			return err
		}
		return p.journalSubmission(ctx, intentID, res)
	})
	if err != nil {
		logger.InfoContext(ctx, "write failed", "error", err)
		return sub, err
	}
	logger.InfoContext(ctx, "write succeeded", "provider", sub.Result.Provider, "tx_id", sub.Result.Confirmation.TxID)

	p.fireEffect(intentID, intent, set, sub.Result)
	if opts.Poll != nil {
		if pred := opts.Poll.predicate(set, sub.Result); pred != nil {
			sub.Poll, sub.recorded = p.startPoll(ctx, intentID, pred, *opts.Poll)
		}
	}
	return sub, nil
}

func (p *Pipeline) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Pipeline) journalIntent(ctx context.Context, id string, intent ir.WriteIntent, set ir.OperationSet) error {
	if p.journal == nil {
		return nil
	}
	if _, found, err := p.journal.Submission(ctx, id); err != nil {
		return fmt.Errorf("submit: %w", err)
	} else if found {
		return ErrAlreadySubmitted
	}
	row, err := journal.NewIntent(id, intent.Username, intent.Kind, set)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := p.journal.RecordIntent(ctx, row); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// journalSubmission records the accepted broadcast. It runs inside the
// reconciled write but never fails it: the ledger already has the
// transaction, so rolling the cache back would be wrong.
func (p *Pipeline) journalSubmission(ctx context.Context, id string, res ir.ProviderResult) error {
	if p.journal == nil || res.Confirmation == nil {
		return nil
	}
	inserted, err := p.journal.RecordSubmission(ctx, journal.Submission{
		IntentID: id,
		Provider: res.Provider,
		TxID:     res.Confirmation.TxID,
		BlockNum: res.Confirmation.BlockNum,
	})
	switch {
	case err != nil:
		p.logger.ErrorContext(ctx, "journal submission failed", "intent_id", id, "error", err)
	case !inserted:
		p.logger.ErrorContext(ctx, "intent submitted twice", "intent_id", id, "tx_id", res.Confirmation.TxID)
	}
	return nil
}

func (p *Pipeline) fireEffect(id string, intent ir.WriteIntent, set ir.OperationSet, res ir.ProviderResult) {
	if p.effects == nil {
		return
	}
	typ, ok := effects.ActivityFor(intent.Kind)
	if !ok {
		return
	}
	md := map[string]any{
		"username":  intent.Username,
		"intent_id": id,
		"provider":  string(res.Provider),
		"tx_id":     res.Confirmation.TxID,
	}
	if ops := set.Ops(); len(ops) > 0 {
		for _, k := range []string{"author", "permlink"} {
			if v := ops[0].Fields.GetString(k); v != "" {
				md[k] = v
			}
		}
	}
	p.effects.Fire(effects.Activity{Type: typ, Metadata: md})
}

func (p *Pipeline) startPoll(ctx context.Context, id string, pred poll.Predicate, ps PollSpec) (*poll.Handle, chan struct{}) {
	spec := poll.Spec{Interval: ps.Interval, MaxAttempts: ps.MaxAttempts}
	if spec.Interval == 0 {
		spec.Interval = p.pollSpec.Interval
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = p.pollSpec.MaxAttempts
	}

	// The poll outlives the submitting request; callers stop it through
	// the handle.
	bg := context.WithoutCancel(ctx)
	h := p.poller.Watch(bg, pred, spec)
	if p.journal == nil {
		return h, nil
	}
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		outcome, _ := h.Wait(bg)
		if err := p.journal.RecordConfirmation(bg, id, string(outcome)); err != nil {
			p.logger.WarnContext(bg, "journal confirmation failed", "intent_id", id, "error", err)
		}
	}()
	return h, recorded
}

package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ledgerwrite/internal/builder"
	"github.com/roach88/ledgerwrite/internal/cache"
	"github.com/roach88/ledgerwrite/internal/dispatch"
	"github.com/roach88/ledgerwrite/internal/effects"
	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/journal"
	"github.com/roach88/ledgerwrite/internal/pipeline"
	"github.com/roach88/ledgerwrite/internal/poll"
	"github.com/roach88/ledgerwrite/internal/signer"
	"github.com/roach88/ledgerwrite/internal/testutil"
)

// settleTimeout bounds the wait for background work (poll, effects)
// after Submit returns.
const settleTimeout = 5 * time.Second

// Harness holds the wiring for one scenario run.
type Harness struct {
	journal  *journal.Journal
	clock    *journal.Clock
	store    *cache.Store
	effects  *effects.Pipeline
	scripted map[string]*testutil.Provider
	result   *Result
	logger   *slog.Logger

	mu         sync.Mutex
	activities []effects.Activity
}

// Run executes a scenario in a fresh in-memory journal and returns the
// result with expectations and assertions evaluated.
func Run(s *Scenario) (*Result, error) {
	j, err := journal.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
	}
	defer j.Close()

	h := &Harness{
		journal:  j,
		clock:    journal.NewClock(),
		store:    cache.NewStore(cache.WithStoreLogger(discard())),
		scripted: make(map[string]*testutil.Provider),
		result:   NewResult(),
		logger:   discard(),
	}
	if err := h.run(context.Background(), s); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateExpectation(h.result.Outcome, s.Expect) {
		h.result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(h.result.Trace, s.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *Harness) run(ctx context.Context, s *Scenario) error {
	providers := h.providers(s.Providers)
	ac := &signer.AuthContext{
		ActiveUsername: s.Intent.Username,
		EnableFallback: s.fallbackEnabled(),
	}
	for _, id := range s.Chain {
		ac.FallbackChain = append(ac.FallbackChain, ir.ProviderID(id))
	}

	journaled := h.journal.Observer()
	d := dispatch.New(providers, testutil.NewLedger(),
		dispatch.WithObserver(dispatch.ObserverFunc(func(ctx context.Context, a dispatch.Attempt) {
			journaled.OnAttempt(ctx, a)
			h.onAttempt(a)
		})),
		dispatch.WithLogger(h.logger),
	)

	opts, err := h.setupCache(s.Cache)
	if err != nil {
		return err
	}
	rec := cache.NewReconciler(h.store,
		cache.WithObserver(cache.ObserverFunc(h.onCacheEvent)),
		cache.WithLogger(h.logger),
	)

	h.effects = effects.New(effects.RecorderFunc(h.recordActivity), effects.WithLogger(h.logger))
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go h.effects.Run(runCtx)

	if s.Poll != nil {
		opts.Poll = h.pollSpec(s.Poll)
	}
	opts.Nonce = s.Nonce
	if opts.Nonce == "" {
		opts.Nonce = s.Name
	}

	p := pipeline.New(d, rec,
		pipeline.WithBuilders(builder.Default()),
		pipeline.WithEffects(h.effects),
		pipeline.WithJournal(h.journal),
		pipeline.WithPoller(poll.New(poll.WithSleeper(&testutil.Sleeper{}), poll.WithLogger(h.logger))),
		pipeline.WithLogger(h.logger),
	)

	intent := ir.WriteIntent{
		Kind:              s.Intent.Kind,
		Username:          s.Intent.Username,
		RequiredAuthority: ir.Authority(s.Intent.RequiredAuthority),
	}
	if s.Intent.Payload != nil {
		intent.Payload = s.Intent.Payload
	}

	sub, err := p.Submit(ctx, intent, ac, opts)
	if err := h.recordSubmit(ctx, sub, err); err != nil {
		return err
	}

	settle, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if sub != nil && sub.Poll != nil {
		outcome, err := sub.Poll.Wait(settle)
		if err != nil {
			return fmt.Errorf("confirmation did not settle: %w", err)
		}
		h.result.Outcome.Confirmation = string(outcome)
		h.event(EventConfirmation, string(outcome), nil)
	}
	if err := h.effects.Drain(settle); err != nil {
		return fmt.Errorf("side effects did not drain: %w", err)
	}
	h.effects.Close()

	// Activities are delivered on the effects worker; they are traced
	// after everything else so the trace order does not depend on
	// scheduling.
	h.mu.Lock()
	for _, a := range h.activities {
		h.result.Outcome.Activities = append(h.result.Outcome.Activities, a.Type)
		h.result.Outcome.ActivityData = append(h.result.Outcome.ActivityData, a.Metadata)
		h.event(EventActivity, a.Type, map[string]any{"username": a.Metadata["username"]})
	}
	h.mu.Unlock()

	h.finalCache(s)
	return nil
}

func (h *Harness) providers(scripts []ProviderScript) []signer.Provider {
	out := make([]signer.Provider, 0, len(scripts))
	for _, ps := range scripts {
		results := make([]ir.ProviderResult, len(ps.Results))
		for i, r := range ps.Results {
			if r.Fail != nil {
				results[i] = testutil.Fail(ir.FailureCode(r.Fail.Code), r.Fail.Retryable, r.Fail.Message)
				continue
			}
			results[i] = testutil.OK(r.Broadcast)
		}
		p := testutil.NewProvider(ir.ProviderID(ps.ID), results...)
		p.Capable = ps.capable()
		h.scripted[ps.ID] = p
		out = append(out, p)
	}
	return out
}

func (h *Harness) setupCache(cs *CacheSetup) (pipeline.SubmitOptions, error) {
	var opts pipeline.SubmitOptions
	if cs == nil {
		return opts, nil
	}
	for _, k := range sortedKeys(cs.Initial) {
		if err := h.store.Set(k, cs.Initial[k]); err != nil {
			return opts, fmt.Errorf("cache setup: %w", err)
		}
	}
	for _, k := range sortedKeys(cs.Refetch) {
		v := cs.Refetch[k]
		h.store.RegisterRefetcher(k, func(context.Context, string) (any, error) { return v, nil })
	}

	opts.CacheKeys = cs.Keys
	if len(opts.CacheKeys) == 0 {
		opts.CacheKeys = sortedKeys(cs.Optimistic)
	}
	opts.InvalidationKeys = cs.Invalidate
	if len(cs.Optimistic) > 0 {
		values := cs.Optimistic
		opts.Optimistic = func(tx *cache.Tx) error {
			for _, k := range sortedKeys(values) {
				var err error
				if values[k] == nil {
					err = tx.Delete(k)
				} else {
					err = tx.Set(k, values[k])
				}
				if err != nil {
					return err
				}
			}
			return nil
		}
	}
	return opts, nil
}

func (h *Harness) pollSpec(ps *PollSetup) *pipeline.PollSpec {
	var checks int
	var mu sync.Mutex
	spec := &pipeline.PollSpec{
		MaxAttempts: ps.MaxAttempts,
		Predicate: func(context.Context) (bool, error) {
			mu.Lock()
			checks++
			n := checks
			mu.Unlock()
			visible := ps.ConfirmOn > 0 && n >= ps.ConfirmOn
			h.event(EventPoll, "check", map[string]any{"attempt": n, "visible": visible})
			h.result.mu.Lock()
			h.result.Outcome.PollChecks = n
			h.result.mu.Unlock()
			return visible, nil
		},
	}
	if ps.Interval != "" {
		// Validated on load.
		spec.Interval, _ = time.ParseDuration(ps.Interval)
	}
	return spec
}

func (h *Harness) recordSubmit(ctx context.Context, sub *pipeline.Submission, err error) error {
	out := &h.result.Outcome
	for id, p := range h.scripted {
		out.Calls[id] = p.Calls()
	}

	var buildErr *builder.BuildError
	switch {
	case err == nil:
		out.Result = string(sub.Result.Kind)
		out.Provider = string(sub.Result.Provider)
		if sub.Result.Confirmation != nil {
			out.TxID = sub.Result.Confirmation.TxID
		}
	case errors.As(err, &buildErr):
		out.Result = ResultRejected
		out.Error = string(ir.CodeBuild)
		return nil
	case dispatch.IsNoProvider(err):
		out.Result = ResultFailed
		out.Error = string(ir.CodeNoProvider)
	case dispatch.IsAllFailed(err):
		out.Result = ResultFailed
		out.Error = string(ir.CodeAllFailed)
		var f *ir.Failure
		if errors.As(err, &f) {
			out.Code = string(f.Code)
			out.Retryable = f.Retryable
			out.Provider = string(f.Provider)
		}
	default:
		return fmt.Errorf("submit: %w", err)
	}

	attempts, aerr := h.journal.Attempts(ctx, sub.IntentID)
	if aerr != nil {
		return fmt.Errorf("read attempts: %w", aerr)
	}
	out.Attempts = len(attempts)
	return nil
}

func (h *Harness) finalCache(s *Scenario) {
	keys := sortedKeys(s.Expect.Cache)
	for k := range s.Expect.Stale {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return
	}
	out := &h.result.Outcome
	out.Cache = make(map[string]any)
	out.Stale = make(map[string]bool)
	for _, k := range keys {
		e := h.store.Get(k)
		if e.Present {
			out.Cache[k] = e.Value
		}
		out.Stale[k] = e.Stale
	}
}

func (h *Harness) onAttempt(a dispatch.Attempt) {
	fields := map[string]any{
		"index": a.Index,
		"kind":  string(a.Result.Kind),
	}
	if c := a.Result.Confirmation; c != nil {
		fields["tx_id"] = c.TxID
	}
	if f := a.Result.Failure; f != nil {
		fields["code"] = string(f.Code)
		fields["retryable"] = f.Retryable
	}
	h.event(EventAttempt, string(a.Provider), fields)
}

func (h *Harness) onCacheEvent(_ context.Context, ev cache.Event) {
	var fields map[string]any
	if len(ev.Keys) > 0 {
		keys := make([]any, len(ev.Keys))
		for i, k := range ev.Keys {
			keys[i] = k
		}
		fields = map[string]any{"keys": keys}
	}
	h.event(EventCache, string(ev.Kind), fields)
}

func (h *Harness) recordActivity(_ context.Context, typ string, md map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activities = append(h.activities, effects.Activity{Type: typ, Metadata: md})
	return nil
}

func (h *Harness) event(typ, name string, fields map[string]any) {
	h.result.add(TraceEvent{
		Seq:    h.clock.Next(),
		Type:   typ,
		Name:   name,
		Fields: fields,
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package dispatch routes an operation set through the caller's provider
// chain, one provider at a time, until one succeeds or the chain is
// exhausted or stopped.
//
// Attempts never overlap. Starting provider N+1 before provider N settled
// could put the same write on the ledger twice.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/signer"
)

// Attempt is one provider execution within a dispatch.
type Attempt struct {
	Index    int               `json:"index"`
	Provider ir.ProviderID     `json:"provider"`
	Result   ir.ProviderResult `json:"result"`
}

// AttemptObserver is told about every settled attempt, in order.
type AttemptObserver interface {
	OnAttempt(ctx context.Context, a Attempt)
}

// ObserverFunc adapts a function to AttemptObserver.
type ObserverFunc func(ctx context.Context, a Attempt)

func (f ObserverFunc) OnAttempt(ctx context.Context, a Attempt) { f(ctx, a) }

// Dispatcher holds the provider registry and the shared broadcaster used
// for sign-only results.
type Dispatcher struct {
	providers   map[ir.ProviderID]signer.Provider
	broadcaster ledger.Broadcaster
	observer    AttemptObserver
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sets the attempt observer.
func WithObserver(o AttemptObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New registers providers by ID. A later provider with the same ID
// replaces an earlier one.
func New(providers []signer.Provider, b ledger.Broadcaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		providers:   make(map[ir.ProviderID]signer.Provider, len(providers)),
		broadcaster: b,
		logger:      slog.Default(),
	}
	for _, p := range providers {
		d.providers[p.ID()] = p
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Candidates returns the capable providers for ac, in chain order, with
// duplicates and unregistered ids removed.
func (d *Dispatcher) Candidates(ac *signer.AuthContext) []signer.Provider {
	seen := make(map[ir.ProviderID]bool, len(ac.FallbackChain))
	var out []signer.Provider
	for _, id := range ac.FallbackChain {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, ok := d.providers[id]
		if !ok {
			d.logger.Warn("skipping unregistered provider in chain", "provider", id)
			continue
		}
		if p.CanHandle(ac) {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch runs the chain. On success the result is Broadcast: a Signed
// result from a provider is submitted through the shared broadcaster
// before returning. On failure the returned result is the last Failed
// result and err is a *NoProviderError or *AllProvidersFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, ac *signer.AuthContext, username string, ops ir.OperationSet, auth ir.Authority) (ir.ProviderResult, error) {
	if ac == nil {
		return ir.ProviderResult{}, &NoProviderError{}
	}
	candidates := d.Candidates(ac)
	if len(candidates) == 0 {
		d.logger.InfoContext(ctx, "no capable provider", "username", username, "chain", ac.FallbackChain)
		return ir.ProviderResult{}, &NoProviderError{Chain: ac.FallbackChain}
	}
	if !ac.EnableFallback {
		candidates = candidates[:1]
	}

	var attempts []Attempt
	for i, p := range candidates {
		if err := ctx.Err(); err != nil {
			return ir.ProviderResult{}, fmt.Errorf("dispatch: %w", err)
		}

		res := p.Execute(ctx, ac, username, ops, auth)
		if res.Kind == ir.ResultSigned {
			res = d.submit(ctx, p, res)
		}
		attempt := Attempt{Index: i, Provider: p.ID(), Result: res}
		attempts = append(attempts, attempt)
		d.observe(ctx, attempt)

		if res.OK() {
			d.logger.InfoContext(ctx, "write dispatched", "provider", p.ID(), "attempt", i, "tx_id", res.Confirmation.TxID)
			return res, nil
		}

		c := p.Classify(res.Failure)
		d.logger.WarnContext(ctx, "provider failed",
			"provider", p.ID(),
			"attempt", i,
			"code", c.Code,
			"retryable", c.Retryable,
			"error", c.Message,
		)
		if !c.Retryable {
			return res, &AllProvidersFailed{Attempts: attempts, Fatal: true}
		}
	}
	last := attempts[len(attempts)-1].Result
	return last, &AllProvidersFailed{Attempts: attempts}
}

// submit broadcasts a sign-only result exactly once. Any broadcast failure
// is final: a network error after sending may have landed, and trying the
// next provider would sign a second transaction.
func (d *Dispatcher) submit(ctx context.Context, p signer.Provider, res ir.ProviderResult) ir.ProviderResult {
	if d.broadcaster == nil {
		return ir.Failed(p.ID(), ir.CodeNetwork, false, nil, "no broadcaster configured for signed transaction")
	}
	conf, err := d.broadcaster.Broadcast(ctx, *res.Transaction)
	if err != nil {
		code := ir.CodeNetwork
		if ledger.IsRPCError(err) {
			code = ir.CodeBroadcastRejected
		}
		return ir.Failed(p.ID(), code, false, err, "broadcast of signed transaction failed: %v", err)
	}
	if conf.TxID == "" {
		conf.TxID, _ = res.Transaction.Transaction.ID()
	}
	return ir.Broadcast(p.ID(), conf)
}

func (d *Dispatcher) observe(ctx context.Context, a Attempt) {
	if d.observer != nil {
		d.observer.OnAttempt(ctx, a)
	}
}

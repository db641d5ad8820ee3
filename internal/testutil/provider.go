package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/signer"
)

// Provider is a scripted signer.Provider. Each Execute returns the next
// entry of Results; the last entry repeats once the script runs out.
//
// InFlight tracks concurrent Execute calls so tests can assert that a
// dispatcher never overlaps attempts.
type Provider struct {
	Name    ir.ProviderID
	Capable bool
	Results []ir.ProviderResult

	// Hook, when set, runs inside Execute before the result is returned.
	Hook func(ctx context.Context)

	mu          sync.Mutex
	calls       int
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewProvider returns a capable provider with the given script.
func NewProvider(id ir.ProviderID, results ...ir.ProviderResult) *Provider {
	return &Provider{Name: id, Capable: true, Results: results}
}

func (p *Provider) ID() ir.ProviderID { return p.Name }

func (p *Provider) CanHandle(*signer.AuthContext) bool { return p.Capable }

func (p *Provider) Execute(ctx context.Context, _ *signer.AuthContext, _ string, _ ir.OperationSet, _ ir.Authority) ir.ProviderResult {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if p.Hook != nil {
		p.Hook(ctx)
	}
	if len(p.Results) == 0 {
		return ir.Failed(p.Name, ir.CodeUnavailable, true, nil, "no scripted result")
	}
	if idx >= len(p.Results) {
		idx = len(p.Results) - 1
	}
	res := p.Results[idx]
	res.Provider = p.Name
	if res.Failure != nil {
		f := *res.Failure
		f.Provider = p.Name
		res.Failure = &f
	}
	if res.Confirmation != nil {
		c := *res.Confirmation
		c.Provider = p.Name
		res.Confirmation = &c
	}
	return res
}

func (p *Provider) Classify(err error) signer.Classification {
	var f *ir.Failure
	if errors.As(err, &f) {
		return signer.Classification{Retryable: f.Retryable, Code: f.Code, Message: f.Message}
	}
	return signer.Classification{Retryable: true, Code: ir.CodeUnavailable, Message: err.Error()}
}

// Calls returns how many times Execute ran.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// MaxInFlight returns the highest observed number of concurrent Execute
// calls.
func (p *Provider) MaxInFlight() int { return int(p.maxInFlight.Load()) }

// Fail is shorthand for a scripted failure.
func Fail(code ir.FailureCode, retryable bool, msg string) ir.ProviderResult {
	return ir.Failed("", code, retryable, nil, "%s", msg)
}

// OK is shorthand for a scripted broadcast.
func OK(txID string) ir.ProviderResult {
	return ir.Broadcast("", ir.Confirmation{TxID: txID})
}

// Package signer implements the signing providers a write can be routed
// through: a browser extension, a paired remote signer, a delegated
// server-side token, and locally held keys.
//
// Providers never return Go errors from Execute. Every outcome is an
// ir.ProviderResult, and a Failed result already carries the provider's
// classification of what went wrong.
package signer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
)

// Provider signs (and possibly broadcasts) an operation set.
type Provider interface {
	ID() ir.ProviderID

	// CanHandle is a capability check. It must not do I/O.
	CanHandle(ac *AuthContext) bool

	// Execute settles within the provider's own timeout.
	Execute(ctx context.Context, ac *AuthContext, username string, ops ir.OperationSet, auth ir.Authority) ir.ProviderResult

	Classify(err error) Classification
}

// AuthContext carries the caller's credentials for every provider type.
// It is supplied once per session and never written by the pipeline.
type AuthContext struct {
	ActiveUsername string

	// Extension is nil when no extension is installed.
	Extension Bridge
	Session   *Session
	Token     *oauth2.Token
	Keys      *Keyring

	FallbackChain  []ir.ProviderID
	EnableFallback bool
}

// Classification is a provider's verdict on an error.
type Classification struct {
	Retryable bool
	Code      ir.FailureCode
	Message   string
}

// Errors shared by several providers.
var (
	// ErrOwnerAuthority is returned when a provider refuses to sign at
	// owner level.
	ErrOwnerAuthority = errors.New("owner authority cannot be signed by this provider")

	// ErrUsernameMismatch is returned when the credential belongs to a
	// different account than the write.
	ErrUsernameMismatch = errors.New("credential belongs to a different account")
)

// classifyCommon handles errors every provider treats the same way. ok is
// false when the provider must decide.
func classifyCommon(err error) (c Classification, ok bool) {
	var f *ir.Failure
	switch {
	case errors.As(err, &f):
		return Classification{Retryable: f.Retryable, Code: f.Code, Message: f.Message}, true
	case ledger.IsRPCError(err):
		return Classification{Retryable: false, Code: ir.CodeBroadcastRejected, Message: err.Error()}, true
	case ledger.IsNetworkError(err):
		return Classification{Retryable: true, Code: ir.CodeNetwork, Message: err.Error()}, true
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Retryable: true, Code: ir.CodeTimeout, Message: "timed out waiting for the signer"}, true
	case errors.Is(err, context.Canceled):
		return Classification{Retryable: false, Code: ir.CodeTimeout, Message: "cancelled"}, true
	case errors.Is(err, ErrOwnerAuthority), errors.Is(err, ErrUsernameMismatch):
		return Classification{Retryable: false, Code: ir.CodeCredentialInvalid, Message: err.Error()}, true
	}
	return Classification{}, false
}

// failed turns err into a Failed result using p's classification.
func failed(p Provider, err error) ir.ProviderResult {
	c := p.Classify(err)
	return ir.Failed(p.ID(), c.Code, c.Retryable, err, "%s", c.Message)
}

// withTimeout applies d to ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// SignedEnvelope is what an external signer returns for a sign-only
// request. The operations are not echoed back: the transaction is
// rebuilt from the set that was sent, so a signer cannot swap them.
type SignedEnvelope struct {
	RefBlockNum    uint16   `json:"ref_block_num" cbor:"ref_block_num"`
	RefBlockPrefix uint32   `json:"ref_block_prefix" cbor:"ref_block_prefix"`
	Expiration     string   `json:"expiration" cbor:"expiration"`
	Signatures     []string `json:"signatures" cbor:"signatures"`
}

// Transaction rebuilds the signed transaction around ops.
func (e SignedEnvelope) Transaction(ops ir.OperationSet) (ir.SignedTransaction, error) {
	if len(e.Signatures) == 0 {
		return ir.SignedTransaction{}, errors.New("signed response carries no signatures")
	}
	exp, err := time.Parse(ledger.TimeLayout, e.Expiration)
	if err != nil {
		return ir.SignedTransaction{}, errors.New("signed response has malformed expiration")
	}
	return ir.SignedTransaction{
		Transaction: ir.Transaction{
			RefBlockNum:    e.RefBlockNum,
			RefBlockPrefix: e.RefBlockPrefix,
			Expiration:     exp,
			Operations:     ops,
			Extensions:     []string{},
		},
		Signatures: append([]string(nil), e.Signatures...),
	}, nil
}

// BroadcastAck is an external signer's report that it submitted the
// transaction itself.
type BroadcastAck struct {
	ID       string `json:"id" cbor:"id"`
	BlockNum int64  `json:"block_num,omitempty" cbor:"block_num,omitempty"`
}

package ir

import (
	"errors"
	"fmt"
)

// ProviderID names a signing backend. The set is closed.
type ProviderID string

const (
	ProviderExtension      ProviderID = "extension"
	ProviderRemoteSession  ProviderID = "remote_session"
	ProviderDelegatedToken ProviderID = "delegated_token"
	ProviderLocalKey       ProviderID = "local_key"
)

// AllProviders lists every provider in the default fallback order.
var AllProviders = []ProviderID{
	ProviderExtension,
	ProviderRemoteSession,
	ProviderDelegatedToken,
	ProviderLocalKey,
}

// ParseProviderID validates a provider name.
func ParseProviderID(s string) (ProviderID, error) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// FailureCode categorizes why a write did not go through.
type FailureCode string

const (
	// CodeBuild: the intent was malformed and nothing was submitted.
	CodeBuild FailureCode = "BUILD_ERROR"

	// CodeUnavailable: the provider's capability check failed at execute time.
	CodeUnavailable FailureCode = "PROVIDER_UNAVAILABLE"

	// CodeRejected: the user or the remote signer declined.
	CodeRejected FailureCode = "PROVIDER_REJECTED"

	// CodeTimeout: the provider did not settle within its own timeout.
	CodeTimeout FailureCode = "PROVIDER_TIMEOUT"

	// CodeCredentialInvalid: missing, expired or insufficient credentials.
	// Requires re-authentication; never retried.
	CodeCredentialInvalid FailureCode = "CREDENTIAL_INVALID"

	// CodeNetwork: transport or server error.
	CodeNetwork FailureCode = "NETWORK_ERROR"

	// CodeBroadcastRejected: the network or broadcaster refused the
	// operation itself. Another provider would be refused the same way.
	CodeBroadcastRejected FailureCode = "BROADCAST_REJECTED"

	// CodeNoProvider: no provider in the chain can handle the context.
	CodeNoProvider FailureCode = "NO_PROVIDER_AVAILABLE"

	// CodeAllFailed: every attempted provider failed.
	CodeAllFailed FailureCode = "ALL_PROVIDERS_FAILED"
)

// Failure is the Failed arm of ProviderResult. It implements error so the
// dispatcher and callers can use errors.As.
type Failure struct {
	Provider  ProviderID  `json:"provider"`
	Code      FailureCode `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Err       error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Provider != "" {
		return fmt.Sprintf("%s: %s (provider=%s)", f.Code, f.Message, f.Provider)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// IsRetryable reports whether err carries a retryable Failure.
func IsRetryable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Retryable
}

// CodeOf returns the FailureCode of err, or "" when err is not a Failure.
func CodeOf(err error) FailureCode {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// ResultKind tags ProviderResult.
type ResultKind string

const (
	ResultBroadcast ResultKind = "broadcast"
	ResultSigned    ResultKind = "signed"
	ResultFailed    ResultKind = "failed"
)

// ProviderResult is the tagged union returned by a provider: exactly one of
// Confirmation, Transaction or Failure is set, matching Kind.
type ProviderResult struct {
	Kind         ResultKind         `json:"kind"`
	Provider     ProviderID         `json:"provider"`
	Confirmation *Confirmation      `json:"confirmation,omitempty"`
	Transaction  *SignedTransaction `json:"transaction,omitempty"`
	Failure      *Failure           `json:"failure,omitempty"`
}

// Broadcast builds a result for a provider that signed and submitted.
func Broadcast(p ProviderID, c Confirmation) ProviderResult {
	c.Provider = p
	return ProviderResult{Kind: ResultBroadcast, Provider: p, Confirmation: &c}
}

// Signed builds a result for a provider that only signed.
func Signed(p ProviderID, tx SignedTransaction) ProviderResult {
	return ProviderResult{Kind: ResultSigned, Provider: p, Transaction: &tx}
}

// Failed builds a failed result.
func Failed(p ProviderID, code FailureCode, retryable bool, err error, format string, args ...any) ProviderResult {
	return ProviderResult{
		Kind:     ResultFailed,
		Provider: p,
		Failure: &Failure{
			Provider:  p,
			Code:      code,
			Message:   fmt.Sprintf(format, args...),
			Retryable: retryable,
			Err:       err,
		},
	}
}

// OK reports whether the result is a success (Broadcast or Signed).
func (r ProviderResult) OK() bool {
	return r.Kind == ResultBroadcast || r.Kind == ResultSigned
}

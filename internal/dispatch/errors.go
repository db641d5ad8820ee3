package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// NoProviderError is returned when no provider in the chain can handle
// the caller's credentials. Nothing was attempted.
type NoProviderError struct {
	Chain []ir.ProviderID
}

func (e *NoProviderError) Error() string {
	names := make([]string, len(e.Chain))
	for i, p := range e.Chain {
		names[i] = string(p)
	}
	return fmt.Sprintf("%s: no provider in chain [%s] can handle this session", ir.CodeNoProvider, strings.Join(names, ", "))
}

// Code returns NO_PROVIDER_AVAILABLE.
func (e *NoProviderError) Code() ir.FailureCode { return ir.CodeNoProvider }

// AllProvidersFailed aggregates every attempt of a failed dispatch.
//
// Fatal is true when the dispatch stopped on a non-retryable failure
// rather than running out of providers.
type AllProvidersFailed struct {
	Attempts []Attempt
	Fatal    bool
}

// Error surfaces the last attempt's message, which is the one the user
// can act on.
func (e *AllProvidersFailed) Error() string {
	last := e.Last()
	if last == nil {
		return fmt.Sprintf("%s: no attempts", ir.CodeAllFailed)
	}
	return fmt.Sprintf("%s: %s (attempts=%d)", ir.CodeAllFailed, last.Message, len(e.Attempts))
}

// Code returns ALL_PROVIDERS_FAILED.
func (e *AllProvidersFailed) Code() ir.FailureCode { return ir.CodeAllFailed }

// Last returns the final attempt's failure.
func (e *AllProvidersFailed) Last() *ir.Failure {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		if f := e.Attempts[i].Result.Failure; f != nil {
			return f
		}
	}
	return nil
}

// Unwrap exposes the last failure so ir.CodeOf and errors.As see the
// provider-level cause.
func (e *AllProvidersFailed) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}

// IsNoProvider reports whether err is a NoProviderError.
// Uses errors.As to handle wrapped errors.
func IsNoProvider(err error) bool {
	var np *NoProviderError
	return errors.As(err, &np)
}

// IsAllFailed reports whether err is an AllProvidersFailed.
func IsAllFailed(err error) bool {
	var af *AllProvidersFailed
	return errors.As(err, &af)
}

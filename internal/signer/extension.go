package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ledgerwrite/internal/ids"
	"github.com/roach88/ledgerwrite/internal/ir"
)

// Bridge is the message channel to a browser extension.
type Bridge interface {
	// Installed is the synchronous capability check.
	Installed() bool
	Request(ctx context.Context, req ExtensionRequest) (ExtensionResponse, error)
}

// ExtensionRequest asks the extension to sign and broadcast an operation
// set. Authority is the key role the extension should prompt for.
type ExtensionRequest struct {
	RequestID  string       `json:"request_id"`
	Type       string       `json:"type"`
	Username   string       `json:"username"`
	Operations ir.Array     `json:"operations"`
	Authority  ir.Authority `json:"authority"`
}

// ExtensionResponse settles an ExtensionRequest. On success exactly one of
// Broadcast or Signed is set.
type ExtensionResponse struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Broadcast *BroadcastAck   `json:"broadcast,omitempty"`
	Signed    *SignedEnvelope `json:"signed,omitempty"`
}

// Extension error codes as sent in ExtensionResponse.Error.
const (
	extErrUserCancel = "user_cancel"
	extErrRejected   = "rejected"
	extErrBroadcast  = "broadcast_error"
)

var (
	// ErrExtensionNotInstalled is returned when Execute runs without a
	// usable bridge.
	ErrExtensionNotInstalled = errors.New("extension is not installed or not enabled")

	// ErrUserRejected is returned when the user declines a signing prompt.
	ErrUserRejected = errors.New("user rejected the request")
)

// ExtensionError is a non-rejection failure reported by the extension.
type ExtensionError struct {
	Code    string
	Message string
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("extension: %s: %s", e.Code, e.Message)
}

// ExtensionProvider routes writes through ac.Extension.
type ExtensionProvider struct {
	timeout time.Duration
	ids     ids.Generator
	logger  *slog.Logger
}

// ExtensionOption configures an ExtensionProvider.
type ExtensionOption func(*ExtensionProvider)

// WithExtensionTimeout bounds how long a prompt may stay open.
func WithExtensionTimeout(d time.Duration) ExtensionOption {
	return func(p *ExtensionProvider) { p.timeout = d }
}

// WithExtensionIDs sets the request id generator.
func WithExtensionIDs(g ids.Generator) ExtensionOption {
	return func(p *ExtensionProvider) { p.ids = g }
}

// NewExtensionProvider returns a provider with a two minute prompt timeout.
func NewExtensionProvider(opts ...ExtensionOption) *ExtensionProvider {
	p := &ExtensionProvider{
		timeout: 2 * time.Minute,
		ids:     ids.UUIDv7{},
		logger:  slog.Default().With("provider", ir.ProviderExtension),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ExtensionProvider) ID() ir.ProviderID { return ir.ProviderExtension }

// CanHandle reports whether an extension is installed. Absence is a
// capability, not a failure.
func (p *ExtensionProvider) CanHandle(ac *AuthContext) bool {
	return ac != nil && ac.Extension != nil && ac.Extension.Installed()
}

func (p *ExtensionProvider) Execute(ctx context.Context, ac *AuthContext, username string, ops ir.OperationSet, auth ir.Authority) ir.ProviderResult {
	if !p.CanHandle(ac) {
		// Fatal only when there is nothing to fall back to.
		retryable := ac != nil && ac.EnableFallback
		return ir.Failed(p.ID(), ir.CodeUnavailable, retryable, ErrExtensionNotInstalled, "%s", ErrExtensionNotInstalled)
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	req := ExtensionRequest{
		RequestID:  p.ids.Generate(),
		Type:       "broadcast",
		Username:   username,
		Operations: ops.Array(),
		Authority:  auth,
	}
	p.logger.DebugContext(ctx, "extension request", "request_id", req.RequestID, "ops", ops.Names())

	resp, err := ac.Extension.Request(ctx, req)
	if err != nil {
		return failed(p, err)
	}
	if !resp.Success {
		return failed(p, responseError(resp))
	}

	switch {
	case resp.Broadcast != nil:
		return ir.Broadcast(p.ID(), ir.Confirmation{TxID: resp.Broadcast.ID, BlockNum: resp.Broadcast.BlockNum})
	case resp.Signed != nil:
		tx, err := resp.Signed.Transaction(ops)
		if err != nil {
			return failed(p, &ExtensionError{Code: "malformed_response", Message: err.Error()})
		}
		return ir.Signed(p.ID(), tx)
	default:
		return failed(p, &ExtensionError{Code: "malformed_response", Message: "success without a result"})
	}
}

func responseError(resp ExtensionResponse) error {
	switch resp.Error {
	case extErrUserCancel, extErrRejected:
		return ErrUserRejected
	}
	code := resp.Error
	if code == "" {
		code = "unknown"
	}
	return &ExtensionError{Code: code, Message: resp.Message}
}

func (p *ExtensionProvider) Classify(err error) Classification {
	if c, ok := classifyCommon(err); ok {
		return c
	}
	var ee *ExtensionError
	switch {
	case errors.Is(err, ErrUserRejected):
		// The user may just prefer another method this time.
		return Classification{Retryable: true, Code: ir.CodeRejected, Message: err.Error()}
	case errors.Is(err, ErrExtensionNotInstalled), errors.Is(err, ErrBridgeClosed):
		return Classification{Retryable: true, Code: ir.CodeUnavailable, Message: err.Error()}
	case errors.As(err, &ee) && ee.Code == extErrBroadcast:
		return Classification{Retryable: false, Code: ir.CodeBroadcastRejected, Message: ee.Message}
	case errors.As(err, &ee):
		return Classification{Retryable: true, Code: ir.CodeRejected, Message: err.Error()}
	}
	return Classification{Retryable: true, Code: ir.CodeUnavailable, Message: err.Error()}
}

package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// maxTokenResponseBody caps how much of a broadcaster response is read.
const maxTokenResponseBody int64 = 1 << 20

var (
	// ErrTokenMissing is returned when no delegated token is configured.
	ErrTokenMissing = errors.New("no delegated token")

	// ErrTokenExpired is returned for a token past its expiry. No request
	// is made.
	ErrTokenExpired = errors.New("delegated token expired")
)

// HTTPStatusError is a non-2xx answer from the signing service.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("signing service returned %d: %s", e.Status, e.Body)
}

// TokenProvider posts the operation set to a server-side signer that
// holds keys delegated to the app, authenticating with a bearer token.
type TokenProvider struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
	logger   *slog.Logger
}

// TokenOption configures a TokenProvider.
type TokenOption func(*TokenProvider)

// WithTokenTimeout sets the HTTP client timeout.
func WithTokenTimeout(d time.Duration) TokenOption {
	return func(p *TokenProvider) { p.client.Timeout = d }
}

// WithTokenHTTPClient replaces the HTTP client.
func WithTokenHTTPClient(c *http.Client) TokenOption {
	return func(p *TokenProvider) { p.client = c }
}

// WithTokenClock sets the clock used for expiry checks.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(p *TokenProvider) { p.now = now }
}

// NewTokenProvider returns a provider for the signing service at endpoint.
func NewTokenProvider(endpoint string, opts ...TokenOption) *TokenProvider {
	p := &TokenProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
		logger:   slog.Default().With("provider", ir.ProviderDelegatedToken),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TokenProvider) ID() ir.ProviderID { return ir.ProviderDelegatedToken }

func (p *TokenProvider) CanHandle(ac *AuthContext) bool {
	return p.endpoint != "" && ac != nil && ac.Token != nil && ac.Token.AccessToken != ""
}

type tokenBroadcastRequest struct {
	Username          string       `json:"username"`
	Operations        ir.Array     `json:"operations"`
	RequiredAuthority ir.Authority `json:"required_authority"`
}

func (p *TokenProvider) Execute(ctx context.Context, ac *AuthContext, username string, ops ir.OperationSet, auth ir.Authority) ir.ProviderResult {
	if ac == nil || ac.Token == nil || ac.Token.AccessToken == "" {
		return failed(p, ErrTokenMissing)
	}
	// Server-side signers never hold owner keys.
	if auth == ir.AuthorityOwner {
		return failed(p, ErrOwnerAuthority)
	}
	if err := p.checkToken(ac.Token, username); err != nil {
		return failed(p, err)
	}

	body, err := json.Marshal(tokenBroadcastRequest{Username: username, Operations: ops.Array(), RequiredAuthority: auth})
	if err != nil {
		return ir.Failed(p.ID(), ir.CodeBuild, false, err, "encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/broadcast", bytes.NewReader(body))
	if err != nil {
		return failed(p, err)
	}
	req.Header.Set("Content-Type", "application/json")
	ac.Token.SetAuthHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return failed(p, &transportError{err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBody))
	if err != nil {
		return failed(p, &transportError{err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.WarnContext(ctx, "signing service refused", "status", resp.StatusCode)
		return failed(p, &HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}

	var ack BroadcastAck
	if err := json.Unmarshal(data, &ack); err != nil || ack.ID == "" {
		return failed(p, &transportError{err: fmt.Errorf("malformed broadcast response: %s", data)})
	}
	return ir.Broadcast(p.ID(), ir.Confirmation{TxID: ack.ID, BlockNum: ack.BlockNum})
}

// checkToken rejects expired tokens and tokens issued for another account.
// An oauth2 Expiry wins; otherwise the JWT exp claim is used. The token is
// parsed without verification: the signing service verifies it, this only
// avoids a request that cannot succeed.
func (p *TokenProvider) checkToken(tok *oauth2.Token, username string) error {
	expiry := tok.Expiry
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if expiry.IsZero() {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				expiry = exp.Time
			}
		}
		if sub, err := claims.GetSubject(); err == nil && sub != "" && sub != username {
			return fmt.Errorf("%w: token subject is %q", ErrUsernameMismatch, sub)
		}
	}
	if !expiry.IsZero() && !p.now().Before(expiry) {
		return ErrTokenExpired
	}
	return nil
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "signing service unreachable: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (p *TokenProvider) Classify(err error) Classification {
	var te *transportError
	if errors.As(err, &te) {
		// Client timeouts surface as deadline errors; they are network
		// failures here, not signer prompts.
		return Classification{Retryable: true, Code: ir.CodeNetwork, Message: err.Error()}
	}
	if c, ok := classifyCommon(err); ok {
		return c
	}
	var se *HTTPStatusError
	switch {
	case errors.Is(err, ErrTokenMissing), errors.Is(err, ErrTokenExpired):
		return Classification{Retryable: false, Code: ir.CodeCredentialInvalid, Message: err.Error()}
	case errors.As(err, &se):
		switch {
		case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden:
			return Classification{Retryable: false, Code: ir.CodeCredentialInvalid, Message: err.Error()}
		case se.Status >= 500:
			return Classification{Retryable: true, Code: ir.CodeNetwork, Message: err.Error()}
		default:
			return Classification{Retryable: false, Code: ir.CodeBroadcastRejected, Message: err.Error()}
		}
	}
	return Classification{Retryable: true, Code: ir.CodeNetwork, Message: err.Error()}
}

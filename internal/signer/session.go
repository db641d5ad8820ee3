package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerwrite/internal/ids"
	"github.com/roach88/ledgerwrite/internal/ir"
)

// SessionChannel is an already-open duplex link to the paired signer.
// Frames is closed when the link drops.
type SessionChannel interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
}

var (
	// ErrNoSession is returned when no paired session exists for the
	// account being written.
	ErrNoSession = errors.New("no remote session for this account")

	// ErrSessionExpired is returned for a session past its expiry.
	ErrSessionExpired = errors.New("remote session expired")

	// ErrSessionClosed is returned when the channel dropped while a
	// challenge was outstanding.
	ErrSessionClosed = errors.New("remote session channel closed")
)

// SessionRejectedError carries the peer's reason for declining.
type SessionRejectedError struct {
	Reason string
}

func (e *SessionRejectedError) Error() string {
	if e.Reason == "" {
		return "remote signer rejected the request"
	}
	return "remote signer rejected the request: " + e.Reason
}

// Session is a paired remote signer. Create it with CompletePairing or
// NewSession; it must not be copied after first use.
type Session struct {
	Username string
	Token    string
	Expires  time.Time

	channel SessionChannel
	sealer  *sealer

	once    sync.Once
	mu      sync.Mutex
	pending map[string]chan SessionResponse
	closed  bool
	logger  *slog.Logger
}

// NewSession wraps an established channel.
func NewSession(username, token string, key [SessionKeySize]byte, expires time.Time, ch SessionChannel) (*Session, error) {
	s, err := newSealer(key, hkdfInfoChallenge, hkdfInfoResponse)
	if err != nil {
		return nil, err
	}
	return &Session{
		Username: username,
		Token:    token,
		Expires:  expires,
		channel:  ch,
		sealer:   s,
		pending:  make(map[string]chan SessionResponse),
		logger:   slog.Default().With("provider", ir.ProviderRemoteSession, "username", username),
	}, nil
}

// Expired reports whether the session is unusable at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.Expires.IsZero() && !now.Before(s.Expires)
}

func (s *Session) start() {
	s.once.Do(func() { go s.readLoop() })
}

func (s *Session) readLoop() {
	defer s.failPending()
	for frame := range s.channel.Frames() {
		var resp SessionResponse
		rid, err := s.sealer.openFrame(frame, &resp)
		if err != nil {
			s.logger.Warn("dropping unreadable session frame", "request_id", rid, "error", err)
			continue
		}
		if rid != resp.RequestID {
			s.logger.Warn("dropping session frame with mismatched request id", "request_id", rid)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[rid]
		delete(s.pending, rid)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("dropping response for unknown or expired request", "request_id", rid)
			continue
		}
		ch <- resp
	}
}

func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// roundTrip sends c and waits for its response. The pending entry is
// removed on every exit path so a late response is dropped.
func (s *Session) roundTrip(ctx context.Context, c Challenge) (SessionResponse, error) {
	s.start()

	ch := make(chan SessionResponse, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SessionResponse{}, ErrSessionClosed
	}
	s.pending[c.RequestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, c.RequestID)
		s.mu.Unlock()
	}()

	frame, err := s.sealer.sealFrame(c.RequestID, c)
	if err != nil {
		return SessionResponse{}, err
	}
	if err := s.channel.Send(ctx, frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SessionResponse{}, ctxErr
		}
		return SessionResponse{}, fmt.Errorf("%w: send: %v", ErrSessionClosed, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return SessionResponse{}, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		return SessionResponse{}, ctx.Err()
	}
}

// pendingCount is used by tests to check cleanup.
func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RemoteSessionProvider routes writes through ac.Session.
type RemoteSessionProvider struct {
	timeout time.Duration
	ids     ids.Generator
	now     func() time.Time
	logger  *slog.Logger
}

// SessionOption configures a RemoteSessionProvider.
type SessionOption func(*RemoteSessionProvider)

// WithSessionTimeout bounds how long the peer has to answer.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(p *RemoteSessionProvider) { p.timeout = d }
}

// WithSessionIDs sets the request id generator.
func WithSessionIDs(g ids.Generator) SessionOption {
	return func(p *RemoteSessionProvider) { p.ids = g }
}

// WithSessionClock sets the clock used for expiry checks.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(p *RemoteSessionProvider) { p.now = now }
}

// NewRemoteSessionProvider returns a provider with a 60 second timeout.
func NewRemoteSessionProvider(opts ...SessionOption) *RemoteSessionProvider {
	p := &RemoteSessionProvider{
		timeout: 60 * time.Second,
		ids:     ids.UUIDv7{},
		now:     time.Now,
		logger:  slog.Default().With("provider", ir.ProviderRemoteSession),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RemoteSessionProvider) ID() ir.ProviderID { return ir.ProviderRemoteSession }

// CanHandle reports whether a session was configured at all. A session
// for the wrong account or an expired one is a credential failure at
// execute time.
func (p *RemoteSessionProvider) CanHandle(ac *AuthContext) bool {
	return ac != nil && ac.Session != nil
}

func (p *RemoteSessionProvider) Execute(ctx context.Context, ac *AuthContext, username string, ops ir.OperationSet, auth ir.Authority) ir.ProviderResult {
	if ac == nil || ac.Session == nil || ac.Session.channel == nil {
		return failed(p, ErrNoSession)
	}
	sess := ac.Session
	if sess.Username != username {
		return failed(p, fmt.Errorf("%w: session is for %q", ErrNoSession, sess.Username))
	}
	if sess.Expired(p.now()) {
		return failed(p, ErrSessionExpired)
	}

	opsJSON, err := ir.MarshalCanonical(ops.Array())
	if err != nil {
		return ir.Failed(p.ID(), ir.CodeBuild, false, err, "encode operations: %v", err)
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	c := Challenge{
		RequestID:         p.ids.Generate(),
		Username:          username,
		Operations:        opsJSON,
		RequiredAuthority: string(auth),
	}
	p.logger.DebugContext(ctx, "sending challenge", "request_id", c.RequestID, "ops", ops.Names())

	resp, err := sess.roundTrip(ctx, c)
	if err != nil {
		return failed(p, err)
	}

	switch resp.Result {
	case ResultBroadcast:
		if resp.Broadcast == nil {
			return failed(p, &SessionRejectedError{Reason: "broadcast result without acknowledgement"})
		}
		return ir.Broadcast(p.ID(), ir.Confirmation{TxID: resp.Broadcast.ID, BlockNum: resp.Broadcast.BlockNum})
	case ResultSigned:
		if resp.Signed == nil {
			return failed(p, &SessionRejectedError{Reason: "signed result without transaction"})
		}
		tx, err := resp.Signed.Transaction(ops)
		if err != nil {
			return failed(p, &SessionRejectedError{Reason: err.Error()})
		}
		return ir.Signed(p.ID(), tx)
	default:
		return failed(p, &SessionRejectedError{Reason: resp.Reason})
	}
}

func (p *RemoteSessionProvider) Classify(err error) Classification {
	if c, ok := classifyCommon(err); ok {
		return c
	}
	var rej *SessionRejectedError
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrSessionExpired):
		return Classification{Retryable: false, Code: ir.CodeCredentialInvalid, Message: err.Error()}
	case errors.Is(err, ErrSessionClosed):
		return Classification{Retryable: true, Code: ir.CodeUnavailable, Message: err.Error()}
	case errors.As(err, &rej):
		return Classification{Retryable: true, Code: ir.CodeRejected, Message: err.Error()}
	}
	return Classification{Retryable: true, Code: ir.CodeUnavailable, Message: err.Error()}
}

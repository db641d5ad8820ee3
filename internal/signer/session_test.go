package signer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/ids"
	"github.com/roach88/ledgerwrite/internal/ir"
)

type memChannel struct {
	out chan []byte
	in  chan []byte
}

func newMemChannel() *memChannel {
	return &memChannel{out: make(chan []byte, 4), in: make(chan []byte, 4)}
}

func (c *memChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memChannel) Frames() <-chan []byte { return c.in }

// servePeer answers challenges on ch with respond until ch.out closes.
// A nil response means "never answer".
func servePeer(t *testing.T, key [SessionKeySize]byte, ch *memChannel, respond func(Challenge) *SessionResponse) {
	t.Helper()
	peer, err := NewPeer(key)
	require.NoError(t, err)
	go func() {
		for frame := range ch.out {
			c, err := peer.OpenChallenge(frame)
			if err != nil {
				continue
			}
			resp := respond(c)
			if resp == nil {
				continue
			}
			resp.RequestID = c.RequestID
			out, err := peer.SealResponse(*resp)
			if err != nil {
				continue
			}
			ch.in <- out
		}
	}()
}

func testKey() [SessionKeySize]byte {
	var k [SessionKeySize]byte
	copy(k[:], "0123456789abcdef0123456789abcdef")
	return k
}

func newTestSession(t *testing.T, ch *memChannel) *Session {
	t.Helper()
	s, err := NewSession("alice", "tok", testKey(), fixedNow().Add(time.Hour), ch)
	require.NoError(t, err)
	return s
}

func sessionProvider(opts ...SessionOption) *RemoteSessionProvider {
	return NewRemoteSessionProvider(append([]SessionOption{WithSessionClock(fixedNow)}, opts...)...)
}

func TestSessionBroadcast(t *testing.T) {
	ch := newMemChannel()
	var seen Challenge
	servePeer(t, testKey(), ch, func(c Challenge) *SessionResponse {
		seen = c
		return &SessionResponse{Result: ResultBroadcast, Broadcast: &BroadcastAck{ID: "abc", BlockNum: 9}}
	})
	sess := newTestSession(t, ch)

	p := sessionProvider(WithSessionIDs(ids.NewFixed("rid-1")))
	res := p.Execute(context.Background(), &AuthContext{Session: sess}, "alice", voteSet(t), ir.AuthorityPosting)
	require.Equal(t, ir.ResultBroadcast, res.Kind, "%+v", res.Failure)
	assert.Equal(t, "abc", res.Confirmation.TxID)

	assert.Equal(t, "rid-1", seen.RequestID)
	assert.Equal(t, "alice", seen.Username)
	assert.Equal(t, "posting", seen.RequiredAuthority)
	ops, err := ir.UnmarshalValue(seen.Operations)
	require.NoError(t, err)
	assert.Equal(t, voteSet(t).Array(), ops)
	assert.Zero(t, sess.pendingCount())
}

func TestSessionSigned(t *testing.T) {
	ch := newMemChannel()
	servePeer(t, testKey(), ch, func(Challenge) *SessionResponse {
		return &SessionResponse{Result: ResultSigned, Signed: &SignedEnvelope{Expiration: "2026-10-15T12:01:00", Signatures: []string{"20ab"}}}
	})
	res := sessionProvider().Execute(context.Background(), &AuthContext{Session: newTestSession(t, ch)}, "alice", voteSet(t), ir.AuthorityPosting)
	require.Equal(t, ir.ResultSigned, res.Kind)
	assert.Equal(t, []string{"20ab"}, res.Transaction.Signatures)
}

func TestSessionRejected(t *testing.T) {
	ch := newMemChannel()
	servePeer(t, testKey(), ch, func(Challenge) *SessionResponse {
		return &SessionResponse{Result: ResultRejected, Reason: "declined on device"}
	})
	res := sessionProvider().Execute(context.Background(), &AuthContext{Session: newTestSession(t, ch)}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeRejected, true)
	assert.Contains(t, res.Failure.Message, "declined on device")
}

func TestSessionTimeoutCleansUp(t *testing.T) {
	ch := newMemChannel()
	servePeer(t, testKey(), ch, func(Challenge) *SessionResponse { return nil })
	sess := newTestSession(t, ch)

	res := sessionProvider(WithSessionTimeout(20*time.Millisecond)).Execute(context.Background(), &AuthContext{Session: sess}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeTimeout, true)
	assert.Zero(t, sess.pendingCount())
}

func TestSessionCredentialFailuresAreFatal(t *testing.T) {
	ch := newMemChannel()
	p := sessionProvider()

	res := p.Execute(context.Background(), &AuthContext{}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeCredentialInvalid, false)

	res = p.Execute(context.Background(), &AuthContext{Session: newTestSession(t, ch)}, "bob", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeCredentialInvalid, false)

	expired, err := NewSession("alice", "tok", testKey(), fixedNow().Add(-time.Second), ch)
	require.NoError(t, err)
	res = p.Execute(context.Background(), &AuthContext{Session: expired}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeCredentialInvalid, false)
}

func TestSessionWrongKeyFrameDropped(t *testing.T) {
	ch := newMemChannel()
	var other [SessionKeySize]byte
	copy(other[:], "ffffffffffffffffffffffffffffffff")

	// The impostor answers with a different key; the session must ignore
	// the frame and time out.
	impostor, err := NewPeer(other)
	require.NoError(t, err)
	go func() {
		for range ch.out {
			frame, err := impostor.SealResponse(SessionResponse{RequestID: "rid-1", Result: ResultBroadcast, Broadcast: &BroadcastAck{ID: "forged"}})
			if err == nil {
				ch.in <- frame
			}
		}
	}()

	p := sessionProvider(WithSessionIDs(ids.NewFixed("rid-1")), WithSessionTimeout(30*time.Millisecond))
	res := p.Execute(context.Background(), &AuthContext{Session: newTestSession(t, ch)}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeTimeout, true)
}

func TestSessionChannelClosed(t *testing.T) {
	ch := newMemChannel()
	go func() {
		<-ch.out
		close(ch.in)
	}()
	res := sessionProvider().Execute(context.Background(), &AuthContext{Session: newTestSession(t, ch)}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeUnavailable, true)
}

func TestPairingDeepLinkRoundTrip(t *testing.T) {
	req, err := NewPairingRequest("alice", "wss://signer.example", ids.NewFixed("pair-1"))
	require.NoError(t, err)

	link, err := req.DeepLink()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, PairingScheme))

	parsed, err := ParseDeepLink(link)
	require.NoError(t, err)
	assert.Equal(t, req, parsed)

	_, err = ParseDeepLink("https://example.com")
	assert.Error(t, err)
}

func TestCompletePairing(t *testing.T) {
	req, err := NewPairingRequest("alice", "", ids.NewFixed("pair-1"))
	require.NoError(t, err)
	ch := newMemChannel()

	_, err = CompletePairing(req, PairingAck{UUID: "other", Token: "t", Expire: fixedNow().Add(time.Hour).UnixMilli()}, ch, fixedNow())
	assert.Error(t, err)

	_, err = CompletePairing(req, PairingAck{UUID: "pair-1", Token: "t", Expire: fixedNow().Add(-time.Hour).UnixMilli()}, ch, fixedNow())
	assert.ErrorIs(t, err, ErrSessionExpired)

	sess, err := CompletePairing(req, PairingAck{UUID: "pair-1", Token: "t", Expire: fixedNow().Add(time.Hour).UnixMilli()}, ch, fixedNow())
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)

	// The paired device can answer challenges with the shared key.
	servePeer(t, req.Key, ch, func(Challenge) *SessionResponse {
		return &SessionResponse{Result: ResultBroadcast, Broadcast: &BroadcastAck{ID: "paired"}}
	})
	res := sessionProvider().Execute(context.Background(), &AuthContext{Session: sess}, "alice", voteSet(t), ir.AuthorityPosting)
	require.Equal(t, ir.ResultBroadcast, res.Kind)
	assert.Equal(t, "paired", res.Confirmation.TxID)
}

package signer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/ids"
	"github.com/roach88/ledgerwrite/internal/ir"
)

type fakeBridge struct {
	installed bool
	resp      ExtensionResponse
	err       error
	block     bool
	got       []ExtensionRequest
}

func (b *fakeBridge) Installed() bool { return b.installed }

func (b *fakeBridge) Request(ctx context.Context, req ExtensionRequest) (ExtensionResponse, error) {
	b.got = append(b.got, req)
	if b.block {
		<-ctx.Done()
		return ExtensionResponse{}, ctx.Err()
	}
	resp := b.resp
	resp.RequestID = req.RequestID
	return resp, b.err
}

func TestExtensionCanHandle(t *testing.T) {
	p := NewExtensionProvider()
	assert.False(t, p.CanHandle(&AuthContext{}))
	assert.False(t, p.CanHandle(&AuthContext{Extension: &fakeBridge{installed: false}}))
	assert.True(t, p.CanHandle(&AuthContext{Extension: &fakeBridge{installed: true}}))
}

func TestExtensionBroadcast(t *testing.T) {
	bridge := &fakeBridge{installed: true, resp: ExtensionResponse{Success: true, Broadcast: &BroadcastAck{ID: "abc", BlockNum: 7}}}
	p := NewExtensionProvider(WithExtensionIDs(ids.NewFixed("req-1")))

	res := p.Execute(context.Background(), &AuthContext{Extension: bridge}, "alice", voteSet(t), ir.AuthorityPosting)
	require.Equal(t, ir.ResultBroadcast, res.Kind)
	assert.Equal(t, "abc", res.Confirmation.TxID)
	assert.Equal(t, ir.ProviderExtension, res.Confirmation.Provider)

	require.Len(t, bridge.got, 1)
	assert.Equal(t, "req-1", bridge.got[0].RequestID)
	assert.Equal(t, ir.AuthorityPosting, bridge.got[0].Authority)
}

func TestExtensionSigned(t *testing.T) {
	bridge := &fakeBridge{installed: true, resp: ExtensionResponse{Success: true, Signed: &SignedEnvelope{
		RefBlockNum: 1, RefBlockPrefix: 2, Expiration: "2026-10-15T12:01:00", Signatures: []string{"1f"},
	}}}
	res := NewExtensionProvider().Execute(context.Background(), &AuthContext{Extension: bridge}, "alice", voteSet(t), ir.AuthorityPosting)
	require.Equal(t, ir.ResultSigned, res.Kind)
	assert.Equal(t, []string{"vote"}, res.Transaction.Transaction.Operations.Names())
	assert.Equal(t, []string{"1f"}, res.Transaction.Signatures)
}

func TestExtensionUserRejectIsRetryable(t *testing.T) {
	bridge := &fakeBridge{installed: true, resp: ExtensionResponse{Success: false, Error: "user_cancel", Message: "Request was canceled by the user."}}
	res := NewExtensionProvider().Execute(context.Background(), &AuthContext{Extension: bridge}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeRejected, true)
}

func TestExtensionBroadcastErrorIsFatal(t *testing.T) {
	bridge := &fakeBridge{installed: true, resp: ExtensionResponse{Success: false, Error: "broadcast_error", Message: "missing required posting authority"}}
	res := NewExtensionProvider().Execute(context.Background(), &AuthContext{Extension: bridge}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeBroadcastRejected, false)
}

func TestExtensionNotInstalledDependsOnFallback(t *testing.T) {
	p := NewExtensionProvider()
	res := p.Execute(context.Background(), &AuthContext{EnableFallback: true}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeUnavailable, true)

	res = p.Execute(context.Background(), &AuthContext{EnableFallback: false}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeUnavailable, false)
}

func TestExtensionTimeout(t *testing.T) {
	bridge := &fakeBridge{installed: true, block: true}
	p := NewExtensionProvider(WithExtensionTimeout(10 * time.Millisecond))
	res := p.Execute(context.Background(), &AuthContext{Extension: bridge}, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeTimeout, true)
}

// extensionHost answers every request read from r with respond.
func extensionHost(r io.Reader, w io.Writer, respond func(ExtensionRequest) *ExtensionResponse) {
	for {
		var req ExtensionRequest
		if err := ReadFrame(r, &req); err != nil {
			return
		}
		if resp := respond(req); resp != nil {
			_ = WriteFrame(w, resp)
		}
	}
}

func TestNativeBridgeRoundTrip(t *testing.T) {
	toExt, fromApp := io.Pipe()
	toApp, fromExt := io.Pipe()
	t.Cleanup(func() { fromApp.Close(); fromExt.Close() })

	go extensionHost(toExt, fromExt, func(req ExtensionRequest) *ExtensionResponse {
		// An unmatched response first; the bridge must skip it.
		_ = WriteFrame(fromExt, ExtensionResponse{RequestID: "stale", Success: true})
		return &ExtensionResponse{RequestID: req.RequestID, Success: true, Broadcast: &BroadcastAck{ID: "tx-" + req.RequestID}}
	})

	b := NewNativeBridge(toApp, fromApp)
	require.True(t, b.Installed())

	resp, err := b.Request(context.Background(), ExtensionRequest{RequestID: "r1", Username: "alice", Operations: voteSet(t).Array()})
	require.NoError(t, err)
	assert.Equal(t, "tx-r1", resp.Broadcast.ID)
}

func TestNativeBridgeClosedStream(t *testing.T) {
	toExt, fromApp := io.Pipe()
	toApp, fromExt := io.Pipe()
	t.Cleanup(func() { fromApp.Close() })

	go extensionHost(toExt, fromExt, func(ExtensionRequest) *ExtensionResponse {
		fromExt.Close()
		return nil
	})

	b := NewNativeBridge(toApp, fromApp)
	_, err := b.Request(context.Background(), ExtensionRequest{RequestID: "r1"})
	assert.ErrorIs(t, err, ErrBridgeClosed)

	<-b.Done()
	assert.False(t, b.Installed())
}

func TestFrameRejectsOversize(t *testing.T) {
	big := make([]byte, maxFrameSize)
	assert.Error(t, WriteFrame(io.Discard, string(big)))
}

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/signer"
	"github.com/roach88/ledgerwrite/internal/signer/keys"
	"github.com/roach88/ledgerwrite/internal/testutil"
)

func voteSet(t *testing.T) ir.OperationSet {
	t.Helper()
	set, err := ir.NewOperationSet(ir.AuthorityPosting, ir.Operation{Name: "vote", Fields: ir.Obj(
		ir.F("voter", ir.String("alice")),
		ir.F("author", ir.String("bob")),
		ir.F("permlink", ir.String("post")),
		ir.F("weight", ir.Int(10000)),
	)})
	require.NoError(t, err)
	return set
}

func chain(ids ...ir.ProviderID) *signer.AuthContext {
	return &signer.AuthContext{ActiveUsername: "alice", FallbackChain: ids, EnableFallback: true}
}

type recorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *recorder) OnAttempt(_ context.Context, a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func newDispatcher(b ledger.Broadcaster, obs AttemptObserver, ps ...*testutil.Provider) *Dispatcher {
	providers := make([]signer.Provider, len(ps))
	for i, p := range ps {
		providers[i] = p
	}
	return New(providers, b, WithObserver(obs))
}

func TestDispatchSkipsIncapable(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("never"))
	ext.Capable = false
	sess := testutil.NewProvider(ir.ProviderRemoteSession, testutil.OK("tx-1"))
	rec := &recorder{}

	res, err := newDispatcher(nil, rec, ext, sess).Dispatch(context.Background(), chain(ir.ProviderExtension, ir.ProviderRemoteSession), "alice", voteSet(t), ir.AuthorityPosting)
	require.NoError(t, err)
	assert.Equal(t, ir.ResultBroadcast, res.Kind)
	assert.Equal(t, ir.ProviderRemoteSession, res.Provider)
	assert.Equal(t, 0, ext.Calls())
	require.Len(t, rec.attempts, 1)
	assert.Equal(t, ir.ProviderRemoteSession, rec.attempts[0].Provider)
}

func TestDispatchNoProvider(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension)
	ext.Capable = false

	_, err := newDispatcher(nil, nil, ext).Dispatch(context.Background(), chain(ir.ProviderExtension, ir.ProviderLocalKey), "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)
	assert.True(t, IsNoProvider(err))
	assert.Contains(t, err.Error(), "NO_PROVIDER_AVAILABLE")
}

func TestDispatchFallsBackOnRetryable(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeRejected, true, "user rejected"))
	tok := testutil.NewProvider(ir.ProviderDelegatedToken, testutil.OK("tx-2"))
	rec := &recorder{}

	res, err := newDispatcher(nil, rec, ext, tok).Dispatch(context.Background(), chain(ir.ProviderExtension, ir.ProviderDelegatedToken), "alice", voteSet(t), ir.AuthorityPosting)
	require.NoError(t, err)
	assert.Equal(t, "tx-2", res.Confirmation.TxID)
	assert.Len(t, rec.attempts, 2)
}

func TestDispatchStopsOnFatal(t *testing.T) {
	tok := testutil.NewProvider(ir.ProviderDelegatedToken, testutil.Fail(ir.CodeCredentialInvalid, false, "token expired"))
	keys := testutil.NewProvider(ir.ProviderLocalKey, testutil.OK("never"))

	res, err := newDispatcher(nil, nil, tok, keys).Dispatch(context.Background(), chain(ir.ProviderDelegatedToken, ir.ProviderLocalKey), "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)
	assert.Equal(t, 0, keys.Calls(), "fatal failure must not fall back")

	var af *AllProvidersFailed
	require.ErrorAs(t, err, &af)
	assert.True(t, af.Fatal)
	assert.Len(t, af.Attempts, 1)
	assert.Equal(t, ir.CodeCredentialInvalid, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "token expired")
	assert.Equal(t, ir.ResultFailed, res.Kind)
}

func TestDispatchExhausted(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeRejected, true, "user rejected"))
	sess := testutil.NewProvider(ir.ProviderRemoteSession, testutil.Fail(ir.CodeTimeout, true, "device offline"))

	_, err := newDispatcher(nil, nil, ext, sess).Dispatch(context.Background(), chain(ir.ProviderExtension, ir.ProviderRemoteSession), "alice", voteSet(t), ir.AuthorityPosting)
	var af *AllProvidersFailed
	require.ErrorAs(t, err, &af)
	assert.False(t, af.Fatal)
	require.Len(t, af.Attempts, 2)
	assert.Equal(t, ir.ProviderExtension, af.Attempts[0].Provider)
	assert.Equal(t, "device offline", af.Last().Message)
	assert.Contains(t, err.Error(), "device offline")
}

func TestDispatchFallbackDisabled(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeRejected, true, "user rejected"))
	sess := testutil.NewProvider(ir.ProviderRemoteSession, testutil.OK("never"))
	ac := chain(ir.ProviderExtension, ir.ProviderRemoteSession)
	ac.EnableFallback = false

	_, err := newDispatcher(nil, nil, ext, sess).Dispatch(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)
	assert.Equal(t, 1, ext.Calls())
	assert.Equal(t, 0, sess.Calls())
}

func TestDispatchSingleProviderMatchesDirectCall(t *testing.T) {
	p := testutil.NewProvider(ir.ProviderLocalKey, testutil.OK("tx-9"))
	ac := chain(ir.ProviderLocalKey)
	ac.EnableFallback = false

	res, err := newDispatcher(nil, nil, p).Dispatch(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
	require.NoError(t, err)

	direct := testutil.NewProvider(ir.ProviderLocalKey, testutil.OK("tx-9")).Execute(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
	assert.Equal(t, direct, res)
}

func TestDispatchDeduplicatesChain(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeRejected, true, "no"))

	_, err := newDispatcher(nil, nil, ext).Dispatch(context.Background(), chain(ir.ProviderExtension, ir.ProviderExtension, "bogus"), "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)
	assert.Equal(t, 1, ext.Calls())
}

func TestDispatchAttemptsNeverOverlap(t *testing.T) {
	var active, peak atomic.Int32
	hook := func(context.Context) {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	}
	a := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeTimeout, true, "slow"))
	a.Hook = hook
	b := testutil.NewProvider(ir.ProviderRemoteSession, testutil.Fail(ir.CodeTimeout, true, "slow"))
	b.Hook = hook

	_, err := newDispatcher(nil, nil, a, b).Dispatch(context.Background(), chain(ir.ProviderExtension, ir.ProviderRemoteSession), "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
}

func signedResult(t *testing.T) ir.ProviderResult {
	return ir.Signed("", ir.SignedTransaction{
		Transaction: ir.Transaction{Expiration: time.Unix(1700000000, 0), Operations: voteSet(t)},
		Signatures:  []string{"1f00"},
	})
}

func TestDispatchBroadcastsSignedOnce(t *testing.T) {
	l := testutil.NewLedger()
	sess := testutil.NewProvider(ir.ProviderRemoteSession, signedResult(t))

	res, err := newDispatcher(l, nil, sess).Dispatch(context.Background(), chain(ir.ProviderRemoteSession), "alice", voteSet(t), ir.AuthorityPosting)
	require.NoError(t, err)
	assert.Equal(t, ir.ResultBroadcast, res.Kind)
	assert.Equal(t, ir.ProviderRemoteSession, res.Confirmation.Provider)
	assert.Len(t, l.Broadcasts(), 1)
}

func TestDispatchAmbiguousSignedBroadcastIsFinal(t *testing.T) {
	l := testutil.NewLedger()
	l.BroadcastErr = &ledger.NetworkError{Node: "n1", Err: context.DeadlineExceeded}
	sess := testutil.NewProvider(ir.ProviderRemoteSession, signedResult(t))
	keys := testutil.NewProvider(ir.ProviderLocalKey, testutil.OK("never"))

	_, err := newDispatcher(l, nil, sess, keys).Dispatch(context.Background(), chain(ir.ProviderRemoteSession, ir.ProviderLocalKey), "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)
	assert.Equal(t, ir.CodeNetwork, ir.CodeOf(err))
	assert.False(t, ir.IsRetryable(err))
	assert.Equal(t, 0, keys.Calls())
}

func TestDispatchCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeRejected, true, "no"))
	a.Hook = func(context.Context) { cancel() }
	b := testutil.NewProvider(ir.ProviderRemoteSession, testutil.OK("never"))

	_, err := newDispatcher(nil, nil, a, b).Dispatch(ctx, chain(ir.ProviderExtension, ir.ProviderRemoteSession), "alice", voteSet(t), ir.AuthorityPosting)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Calls())
}

func TestDispatchLostLocalBroadcastStopsChain(t *testing.T) {
	l := testutil.NewLedger()
	l.LostResponseErr = &ledger.NetworkError{Node: "n1", Err: context.DeadlineExceeded}

	kr := signer.NewKeyring("alice")
	require.NoError(t, kr.Add(ir.AuthorityPosting, keys.FromSeed("alice", ir.AuthorityPosting, "pw"), signer.SourceMemory))
	local := signer.NewLocalKeyProvider("beeab0de00000000000000000000000000000000000000000000000000000000", l, l)
	token := testutil.NewProvider(ir.ProviderDelegatedToken, testutil.OK("tx-2"))

	ac := chain(ir.ProviderLocalKey, ir.ProviderDelegatedToken)
	ac.Keys = kr
	rec := &recorder{}
	d := New([]signer.Provider{local, token}, l, WithObserver(rec))

	res, err := d.Dispatch(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
	require.Error(t, err)

	var af *AllProvidersFailed
	require.ErrorAs(t, err, &af)
	assert.True(t, af.Fatal)
	assert.Equal(t, ir.CodeNetwork, res.Failure.Code)
	assert.False(t, res.Failure.Retryable)

	assert.Len(t, l.Broadcasts(), 1, "the local key's transaction reached the ledger")
	assert.Equal(t, 0, token.Calls(), "no second provider may submit")
	require.Len(t, rec.attempts, 1)
}

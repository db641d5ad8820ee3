package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/builder"
	"github.com/roach88/ledgerwrite/internal/cache"
	"github.com/roach88/ledgerwrite/internal/dispatch"
	"github.com/roach88/ledgerwrite/internal/effects"
	"github.com/roach88/ledgerwrite/internal/ids"
	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/journal"
	"github.com/roach88/ledgerwrite/internal/poll"
	"github.com/roach88/ledgerwrite/internal/signer"
	"github.com/roach88/ledgerwrite/internal/testutil"
)

const postKey = "post:bob/hello"

type fixture struct {
	pipeline    *Pipeline
	store       *cache.Store
	journal     *journal.Journal
	effects     *effects.Pipeline
	activities  *activityLog
	refetches   atomic.Int32
	pollSleeper *testutil.Sleeper
}

type activityLog struct {
	mu    sync.Mutex
	types []string
	md    []map[string]any
}

func (a *activityLog) RecordActivity(_ context.Context, typ string, md map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.types = append(a.types, typ)
	a.md = append(a.md, md)
	return nil
}

func (a *activityLog) got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.types...)
}

func newFixture(t *testing.T, providers ...*testutil.Provider) *fixture {
	t.Helper()
	f := &fixture{
		store:       cache.NewStore(),
		activities:  &activityLog{},
		pollSleeper: &testutil.Sleeper{},
	}

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	f.journal = j

	f.effects = effects.New(f.activities)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.effects.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.store.RegisterRefetcher("post:", func(context.Context, string) (any, error) {
		f.refetches.Add(1)
		return "fresh", nil
	})

	ps := make([]signer.Provider, len(providers))
	for i, p := range providers {
		ps[i] = p
	}
	d := dispatch.New(ps, nil, dispatch.WithObserver(j.Observer()))
	f.pipeline = New(d, cache.NewReconciler(f.store),
		WithJournal(j),
		WithEffects(f.effects),
		WithPoller(poll.New(poll.WithSleeper(f.pollSleeper))),
		WithNonces(ids.NewSequence("nonce")),
	)
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.effects.Drain(ctx))
}

func voteIntent() ir.WriteIntent {
	return ir.WriteIntent{
		Kind:     builder.KindVote,
		Username: "alice",
		Payload:  builder.VotePayload{Voter: "alice", Author: "bob", Permlink: "hello", Weight: 10000},
	}
}

func authCtx(chain ...ir.ProviderID) *signer.AuthContext {
	return &signer.AuthContext{ActiveUsername: "alice", FallbackChain: chain, EnableFallback: true}
}

func voteOpts() SubmitOptions {
	return SubmitOptions{
		CacheKeys: []string{postKey},
		Optimistic: func(tx *cache.Tx) error {
			return tx.Set(postKey, "voted")
		},
		InvalidationKeys: []string{postKey},
	}
}

func TestSubmitBuildErrorTouchesNothing(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx"))
	f := newFixture(t, ext)
	require.NoError(t, f.store.Set(postKey, "original"))

	intent := voteIntent()
	intent.Payload = builder.VotePayload{Voter: "alice", Author: "bob", Permlink: "hello", Weight: 20000}
	opts := voteOpts()
	opts.Optimistic = func(*cache.Tx) error {
		t.Fatal("optimistic mutator ran for a malformed intent")
		return nil
	}

	sub, err := f.pipeline.Submit(context.Background(), intent, authCtx(ir.ProviderExtension), opts)
	var be *builder.BuildError
	require.ErrorAs(t, err, &be)
	assert.Nil(t, sub)
	assert.Equal(t, 0, ext.Calls())
	assert.Equal(t, "original", f.store.Get(postKey).Value)

	intents, err := f.journal.Intents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestSubmitSuccess(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	f := newFixture(t, ext)
	require.NoError(t, f.store.Set(postKey, "original"))

	sub, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), voteOpts())
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, ir.ResultBroadcast, sub.Result.Kind)
	assert.Equal(t, "tx-1", sub.Result.Confirmation.TxID)
	assert.Nil(t, sub.Poll)

	assert.Equal(t, "fresh", f.store.Get(postKey).Value, "refetched after commit")
	assert.Equal(t, int32(1), f.refetches.Load())

	tr, err := f.journal.Trace(context.Background(), sub.IntentID)
	require.NoError(t, err)
	assert.Equal(t, "vote", tr.Intent.Kind)
	require.Len(t, tr.Attempts, 1)
	require.NotNil(t, tr.Submission)
	assert.Equal(t, "tx-1", tr.Submission.TxID)

	f.drain(t)
	assert.Equal(t, []string{"120"}, f.activities.got())
	assert.Equal(t, "hello", f.activities.md[0]["permlink"])
}

func TestSubmitFailureRollsBack(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.Fail(ir.CodeRejected, true, "user rejected the request"))
	f := newFixture(t, ext)
	require.NoError(t, f.store.Set(postKey, "original"))

	sub, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), voteOpts())
	require.Error(t, err)
	assert.True(t, dispatch.IsAllFailed(err))
	assert.Equal(t, ir.CodeRejected, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "user rejected the request")
	require.NotNil(t, sub)
	assert.Equal(t, ir.ResultFailed, sub.Result.Kind)

	assert.Equal(t, "original", f.store.Get(postKey).Value)
	assert.Equal(t, int32(0), f.refetches.Load())

	_, found, err := f.journal.Submission(context.Background(), sub.IntentID)
	require.NoError(t, err)
	assert.False(t, found)

	f.drain(t)
	assert.Empty(t, f.activities.got())
}

func TestSubmitDuplicateInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	ext.Hook = func(context.Context) {
		close(entered)
		<-release
	}
	f := newFixture(t, ext)

	opts := voteOpts()
	opts.Nonce = "same"
	errc := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
		errc <- err
	}()
	<-entered

	_, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, ext.Calls())
}

func TestSubmitSameNonceAfterSuccessIsRefused(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	f := newFixture(t, ext)
	opts := voteOpts()
	opts.Nonce = "n1"

	_, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
	require.NoError(t, err)
	_, err = f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, 1, ext.Calls())

	// A fresh nonce is a new intent.
	_, err = f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), voteOpts())
	require.NoError(t, err)
	assert.Equal(t, 2, ext.Calls())
}

func TestSubmitPollTimesOutWithoutUndoingCommit(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	f := newFixture(t, ext)
	require.NoError(t, f.store.Set(postKey, "original"))

	var checks atomic.Int32
	opts := voteOpts()
	opts.Poll = &PollSpec{
		Predicate: func(context.Context) (bool, error) {
			checks.Add(1)
			return false, nil
		},
		MaxAttempts: 5,
	}

	sub, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
	require.NoError(t, err)
	require.NotNil(t, sub.Poll)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := sub.Poll.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.TimedOut, outcome)
	assert.Equal(t, int32(5), checks.Load())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second},
		f.pollSleeper.Sleeps(), "default interval applied")

	assert.Equal(t, "fresh", f.store.Get(postKey).Value)
	assert.Equal(t, int32(1), f.refetches.Load())

	assert.Eventually(t, func() bool {
		c, err := f.journal.Confirmation(context.Background(), sub.IntentID)
		return err == nil && c == string(poll.TimedOut)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitConfirmWriteWaitsForVote(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	f := newFixture(t, ext)

	l := testutil.NewLedger()
	l.VisibleAfter = 2
	l.AddVote("bob", "hello", "alice", 10000)

	opts := voteOpts()
	opts.Poll = ConfirmWrite(l, time.Second, 5)
	sub, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
	require.NoError(t, err)
	require.NotNil(t, sub.Poll)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := sub.Poll.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Confirmed, outcome)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, f.pollSleeper.Sleeps())
}

func TestSubmissionConfirmWaitsForJournal(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	f := newFixture(t, ext)

	opts := voteOpts()
	opts.Poll = &PollSpec{
		Predicate:   func(context.Context) (bool, error) { return true, nil },
		MaxAttempts: 3,
	}
	sub, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := sub.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Confirmed, outcome)

	c, err := f.journal.Confirmation(context.Background(), sub.IntentID)
	require.NoError(t, err)
	assert.Equal(t, string(poll.Confirmed), c)
}

func TestSubmissionConfirmWithoutPoll(t *testing.T) {
	ext := testutil.NewProvider(ir.ProviderExtension, testutil.OK("tx-1"))
	f := newFixture(t, ext)

	sub, err := f.pipeline.Submit(context.Background(), voteIntent(), authCtx(ir.ProviderExtension), voteOpts())
	require.NoError(t, err)
	assert.Nil(t, sub.Poll)

	_, err = sub.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrNoConfirmation)
}

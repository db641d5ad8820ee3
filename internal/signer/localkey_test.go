package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/signer/keys"
)

const testChainID = "beeab0de00000000000000000000000000000000000000000000000000000000"

func TestKeyringPickLowestSufficient(t *testing.T) {
	kr := NewKeyring("alice")
	active := keys.FromSeed("alice", ir.AuthorityActive, "pw")
	owner := keys.FromSeed("alice", ir.AuthorityOwner, "pw")
	require.NoError(t, kr.Add(ir.AuthorityActive, active, SourceMemory))
	require.NoError(t, kr.Add(ir.AuthorityOwner, owner, SourceMemory))

	key, role, err := kr.Pick(ir.AuthorityPosting)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityActive, role, "active may sign posting")
	assert.True(t, key.Private.PublicKey().Equal(active.PublicKey()))

	_, role, err = kr.Pick(ir.AuthorityOwner)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityOwner, role)
}

func TestKeyringInsufficient(t *testing.T) {
	kr := NewKeyring("alice")
	require.NoError(t, kr.AddWIF(ir.AuthorityPosting, keys.FromSeed("alice", ir.AuthorityPosting, "pw").WIF(), SourcePersisted))

	_, _, err := kr.Pick(ir.AuthorityActive)
	assert.ErrorIs(t, err, ErrNoSufficientKey)

	assert.Error(t, kr.AddWIF(ir.AuthorityActive, "garbage", SourceMemory))
	assert.Error(t, kr.Add("root", keys.FromSeed("alice", ir.AuthorityPosting, "pw"), SourceMemory))
}

func TestKeyringPersistedOwnerRefused(t *testing.T) {
	kr := NewKeyring("alice")
	require.NoError(t, kr.Add(ir.AuthorityOwner, keys.FromSeed("alice", ir.AuthorityOwner, "pw"), SourcePersisted))

	_, _, err := kr.Pick(ir.AuthorityOwner)
	assert.ErrorIs(t, err, ErrPersistedOwnerKey)

	// The same key may still sign active operations.
	_, role, err := kr.Pick(ir.AuthorityActive)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityOwner, role)
}

func TestLocalKeySignsAndBroadcasts(t *testing.T) {
	posting := keys.FromSeed("alice", ir.AuthorityPosting, "pw")
	kr := NewKeyring("alice")
	require.NoError(t, kr.Add(ir.AuthorityPosting, posting, SourceMemory))
	l := &stubLedger{}

	p := NewLocalKeyProvider(testChainID, l, l)
	require.True(t, p.CanHandle(&AuthContext{Keys: kr}))

	res := p.Execute(context.Background(), &AuthContext{Keys: kr}, "alice", voteSet(t), ir.AuthorityPosting)
	require.Equal(t, ir.ResultBroadcast, res.Kind, "%+v", res.Failure)
	assert.Equal(t, "tx-1", res.Confirmation.TxID)

	require.Len(t, l.broadcast, 1)
	tx := l.broadcast[0]
	assert.Equal(t, uint16(100), tx.Transaction.RefBlockNum)

	digest, err := keys.SigningDigest(testChainID, tx.Transaction)
	require.NoError(t, err)
	signer, err := keys.Recover(digest, tx.Signatures[0])
	require.NoError(t, err)
	assert.True(t, signer.Equal(posting.PublicKey()))
}

func TestLocalKeyFailures(t *testing.T) {
	kr := NewKeyring("alice")
	require.NoError(t, kr.Add(ir.AuthorityPosting, keys.FromSeed("alice", ir.AuthorityPosting, "pw"), SourceMemory))
	ac := &AuthContext{Keys: kr}

	p := NewLocalKeyProvider(testChainID, &stubLedger{}, &stubLedger{})
	res := p.Execute(context.Background(), ac, "alice", voteSet(t), ir.AuthorityActive)
	requireFailure(t, res, ir.CodeCredentialInvalid, false)

	res = p.Execute(context.Background(), ac, "bob", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeCredentialInvalid, false)

	unreadable := &stubLedger{readErr: &ledger.NetworkError{Node: "n1", Err: context.DeadlineExceeded}}
	res = NewLocalKeyProvider(testChainID, unreadable, unreadable).Execute(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeNetwork, true)
	assert.Empty(t, unreadable.broadcast, "nothing was sent")

	refused := &stubLedger{err: &ledger.RPCError{Code: -32000, Message: "duplicate transaction"}}
	res = NewLocalKeyProvider(testChainID, refused, refused).Execute(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
	requireFailure(t, res, ir.CodeBroadcastRejected, false)
}

func TestLocalKeyLostBroadcastIsFinal(t *testing.T) {
	kr := NewKeyring("alice")
	require.NoError(t, kr.Add(ir.AuthorityPosting, keys.FromSeed("alice", ir.AuthorityPosting, "pw"), SourceMemory))
	ac := &AuthContext{Keys: kr}

	tests := []struct {
		name string
		l    *stubLedger
	}{
		{"accepted then lost", &stubLedger{lossy: true, err: &ledger.NetworkError{Node: "n1", Err: context.DeadlineExceeded}}},
		{"send failed", &stubLedger{err: &ledger.NetworkError{Node: "n1", Err: errors.New("connection reset")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewLocalKeyProvider(testChainID, tt.l, tt.l)
			res := p.Execute(context.Background(), ac, "alice", voteSet(t), ir.AuthorityPosting)
			requireFailure(t, res, ir.CodeNetwork, false)
			assert.ErrorIs(t, res.Failure, ErrBroadcastUncertain)

			c := p.Classify(res.Failure)
			assert.False(t, c.Retryable)
			assert.False(t, p.Classify(res.Failure.Err).Retryable)
		})
	}
}

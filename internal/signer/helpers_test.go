package signer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
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

func requireFailure(t *testing.T, res ir.ProviderResult, code ir.FailureCode, retryable bool) {
	t.Helper()
	require.Equal(t, ir.ResultFailed, res.Kind, "result: %+v", res)
	require.NotNil(t, res.Failure)
	require.Equal(t, code, res.Failure.Code, "failure: %v", res.Failure)
	require.Equal(t, retryable, res.Failure.Retryable, "failure: %v", res.Failure)
}

// stubLedger is a Reader and Broadcaster with canned answers.
type stubLedger struct {
	mu        sync.Mutex
	broadcast []ir.SignedTransaction
	err       error // returned by Broadcast
	readErr   error // returned by DynamicGlobalProperties
	// lossy records the transaction before failing with err, like a node
	// that accepted it but whose answer was lost.
	lossy bool
}

func (l *stubLedger) DynamicGlobalProperties(context.Context) (ledger.GlobalProperties, error) {
	if l.readErr != nil {
		return ledger.GlobalProperties{}, l.readErr
	}
	return ledger.GlobalProperties{
		HeadBlockNumber: 100,
		HeadBlockID:     "0000006401020304aabbccdd0000000000000000",
		Time:            "2026-10-15T12:00:00",
	}, nil
}

func (l *stubLedger) ActiveVotes(context.Context, string, string) ([]ledger.Vote, error) {
	return nil, nil
}

func (l *stubLedger) Transaction(context.Context, string) (ledger.TransactionInfo, error) {
	return ledger.TransactionInfo{}, nil
}

func (l *stubLedger) Broadcast(_ context.Context, tx ir.SignedTransaction) (ir.Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil && !l.lossy {
		return ir.Confirmation{}, l.err
	}
	l.broadcast = append(l.broadcast, tx)
	if l.err != nil {
		return ir.Confirmation{}, l.err
	}
	return ir.Confirmation{TxID: "tx-1", BlockNum: 101}, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
}

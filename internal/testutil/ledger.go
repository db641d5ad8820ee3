package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
)

// Ledger is an in-memory ledger.Reader and ledger.Broadcaster.
//
// Votes become visible to ActiveVotes only after VisibleAfter reads of the
// same post, which simulates block production lag for confirmation
// polling. Create it with NewLedger.
type Ledger struct {
	// BroadcastErr, when set, is returned by every Broadcast.
	BroadcastErr error

	// LostResponseErr, when set, is returned by Broadcast after the
	// transaction was applied, as if the node's answer never arrived.
	LostResponseErr error

	// VisibleAfter is the number of ActiveVotes reads that return nothing
	// before a broadcast vote shows up.
	VisibleAfter int

	mu        sync.Mutex
	broadcast []ir.SignedTransaction
	votes     map[string][]ledger.Vote
	reads     map[string]int
	txs       map[string]int64
	block     int64
}

// NewLedger returns an empty ledger at block 1000.
func NewLedger() *Ledger {
	return &Ledger{
		votes: make(map[string][]ledger.Vote),
		reads: make(map[string]int),
		txs:   make(map[string]int64),
		block: 1000,
	}
}

func postKey(author, permlink string) string { return author + "/" + permlink }

// AddVote records a vote as if it had been included in a block.
func (l *Ledger) AddVote(author, permlink, voter string, percent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := postKey(author, permlink)
	l.votes[k] = append(l.votes[k], ledger.Vote{Voter: voter, Percent: percent})
}

// AddTransaction marks txID as included.
func (l *Ledger) AddTransaction(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block++
	l.txs[txID] = l.block
}

// Broadcast applies vote operations and records tx.
func (l *Ledger) Broadcast(_ context.Context, tx ir.SignedTransaction) (ir.Confirmation, error) {
	if l.BroadcastErr != nil {
		return ir.Confirmation{}, l.BroadcastErr
	}
	id, err := tx.Transaction.ID()
	if err != nil {
		return ir.Confirmation{}, err
	}
	for _, op := range tx.Transaction.Operations.Ops() {
		if op.Name != "vote" {
			continue
		}
		weight, _ := op.Fields["weight"].(ir.Int)
		l.AddVote(op.Fields.GetString("author"), op.Fields.GetString("permlink"), op.Fields.GetString("voter"), int(weight))
	}
	l.AddTransaction(id)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcast = append(l.broadcast, tx)
	if l.LostResponseErr != nil {
		return ir.Confirmation{}, l.LostResponseErr
	}
	return ir.Confirmation{TxID: id, BlockNum: l.block}, nil
}

// Broadcasts returns every transaction submitted so far.
func (l *Ledger) Broadcasts() []ir.SignedTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ir.SignedTransaction(nil), l.broadcast...)
}

func (l *Ledger) DynamicGlobalProperties(context.Context) (ledger.GlobalProperties, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.GlobalProperties{
		HeadBlockNumber: l.block,
		HeadBlockID:     fmt.Sprintf("%08x%032x", l.block, l.block),
		Time:            "2026-10-15T12:00:00",
	}, nil
}

func (l *Ledger) ActiveVotes(_ context.Context, author, permlink string) ([]ledger.Vote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := postKey(author, permlink)
	l.reads[k]++
	if l.reads[k] <= l.VisibleAfter {
		return nil, nil
	}
	return append([]ledger.Vote(nil), l.votes[k]...), nil
}

func (l *Ledger) Transaction(_ context.Context, id string) (ledger.TransactionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, ok := l.txs[id]
	if !ok {
		return ledger.TransactionInfo{}, &ledger.RPCError{Code: -32000, Message: "unknown transaction " + id}
	}
	return ledger.TransactionInfo{TransactionID: id, BlockNum: block}, nil
}

package poll

import (
	"context"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
)

// VoteVisible is true once voter's vote on author/permlink shows the
// expected weight.
func VoteVisible(r ledger.Reader, voter, author, permlink string, weight int) Predicate {
	return func(ctx context.Context) (bool, error) {
		votes, err := r.ActiveVotes(ctx, author, permlink)
		if err != nil {
			return false, err
		}
		for _, v := range votes {
			if v.Voter == voter {
				return v.Percent == weight, nil
			}
		}
		// A removed vote (weight 0) may be absent entirely.
		return weight == 0, nil
	}
}

// TransactionIncluded is true once txID is in a block.
func TransactionIncluded(r ledger.Reader, txID string) Predicate {
	return func(ctx context.Context) (bool, error) {
		info, err := r.Transaction(ctx, txID)
		if err != nil {
			return false, err
		}
		return info.BlockNum > 0, nil
	}
}

// ForWrite picks the predicate for a built set: VoteVisible when the set
// is a single vote, TransactionIncluded otherwise.
func ForWrite(r ledger.Reader, set ir.OperationSet, txID string) Predicate {
	if ops := set.Ops(); len(ops) == 1 && ops[0].Name == "vote" {
		f := ops[0].Fields
		weight, _ := f["weight"].(ir.Int)
		return VoteVisible(r, f.GetString("voter"), f.GetString("author"), f.GetString("permlink"), int(weight))
	}
	return TransactionIncluded(r, txID)
}

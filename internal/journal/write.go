package journal

import (
	"context"
	"fmt"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// Intent is a journaled write intent.
type Intent struct {
	ID          string       `json:"id" yaml:"id"`
	Username    string       `json:"username" yaml:"username"`
	Kind        string       `json:"kind" yaml:"kind"`
	Authority   ir.Authority `json:"authority" yaml:"authority"`
	OpsetDigest string       `json:"opset_digest" yaml:"opset_digest"`
	// Ops is the canonical JSON of the operation set.
	Ops string `json:"ops" yaml:"ops"`
	Seq int64  `json:"seq" yaml:"seq"`
}

// Attempt is one journaled provider attempt.
type Attempt struct {
	ID        string         `json:"id" yaml:"id"`
	IntentID  string         `json:"intent_id" yaml:"intent_id"`
	Index     int            `json:"index" yaml:"index"`
	Provider  ir.ProviderID  `json:"provider" yaml:"provider"`
	Outcome   ir.ResultKind  `json:"outcome" yaml:"outcome"`
	Code      ir.FailureCode `json:"code,omitempty" yaml:"code,omitempty"`
	Retryable bool           `json:"retryable" yaml:"retryable"`
	Message   string         `json:"message,omitempty" yaml:"message,omitempty"`
	Seq       int64          `json:"seq" yaml:"seq"`
}

// Submission is the single accepted broadcast of an intent.
type Submission struct {
	IntentID string        `json:"intent_id" yaml:"intent_id"`
	Provider ir.ProviderID `json:"provider" yaml:"provider"`
	TxID     string        `json:"tx_id" yaml:"tx_id"`
	BlockNum int64         `json:"block_num" yaml:"block_num"`
	Seq      int64         `json:"seq" yaml:"seq"`
}

// NewIntent builds an Intent row for set. Seq is assigned on write.
func NewIntent(id, username, kind string, set ir.OperationSet) (Intent, error) {
	digest, err := set.Digest()
	if err != nil {
		return Intent{}, fmt.Errorf("journal intent: %w", err)
	}
	ops, err := ir.MarshalCanonical(set.Array())
	if err != nil {
		return Intent{}, fmt.Errorf("journal intent: %w", err)
	}
	return Intent{
		ID:          id,
		Username:    username,
		Kind:        kind,
		Authority:   set.Authority(),
		OpsetDigest: digest,
		Ops:         string(ops),
	}, nil
}

// RecordIntent stores in. A duplicate id is ignored.
func (j *Journal) RecordIntent(ctx context.Context, in Intent) error {
	if in.Seq == 0 {
		in.Seq = j.clock.Next()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO intents (id, username, kind, authority, opset_digest, ops, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, in.ID, in.Username, in.Kind, string(in.Authority), in.OpsetDigest, in.Ops, in.Seq)
	if err != nil {
		return fmt.Errorf("record intent: %w", err)
	}
	return nil
}

// RecordAttempt stores a. The id defaults to ir.AttemptID.
func (j *Journal) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = ir.AttemptID(a.IntentID, a.Provider, a.Index)
	}
	if a.Seq == 0 {
		a.Seq = j.clock.Next()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts (id, intent_id, idx, provider, outcome, code, retryable, message, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, a.IntentID, a.Index, string(a.Provider), string(a.Outcome), string(a.Code), a.Retryable, a.Message, a.Seq)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// RecordSubmission stores s. inserted is false when the intent already
// has a submission; the existing row is kept.
func (j *Journal) RecordSubmission(ctx context.Context, s Submission) (inserted bool, err error) {
	if s.Seq == 0 {
		s.Seq = j.clock.Next()
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO submissions (intent_id, provider, tx_id, block_num, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO NOTHING
	`, s.IntentID, string(s.Provider), s.TxID, s.BlockNum, s.Seq)
	if err != nil {
		return false, fmt.Errorf("record submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record submission: rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordConfirmation stores how an intent's confirmation poll ended. The
// first outcome recorded wins.
func (j *Journal) RecordConfirmation(ctx context.Context, intentID, outcome string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO confirmations (intent_id, outcome, seq)
		VALUES (?, ?, ?)
		ON CONFLICT(intent_id) DO NOTHING
	`, intentID, outcome, j.clock.Next())
	if err != nil {
		return fmt.Errorf("record confirmation: %w", err)
	}
	return nil
}

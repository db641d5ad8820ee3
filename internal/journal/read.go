package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// Intent returns the journaled intent with id.
func (j *Journal) Intent(ctx context.Context, id string) (Intent, error) {
	var in Intent
	var auth string
	err := j.db.QueryRowContext(ctx, `
		SELECT id, username, kind, authority, opset_digest, ops, seq
		FROM intents WHERE id = ?
	`, id).Scan(&in.ID, &in.Username, &in.Kind, &auth, &in.OpsetDigest, &in.Ops, &in.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Intent{}, fmt.Errorf("read intent: %w", err)
	}
	in.Authority = ir.Authority(auth)
	return in, nil
}

// Intents lists intents, newest first, optionally filtered by username.
// limit <= 0 means no limit.
func (j *Journal) Intents(ctx context.Context, username string, limit int) ([]Intent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, username, kind, authority, opset_digest, ops, seq
		FROM intents
		WHERE ? = '' OR username = ?
		ORDER BY seq DESC, id ASC COLLATE BINARY
		LIMIT ?
	`, username, username, limit)
	if err != nil {
		return nil, fmt.Errorf("read intents: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		var auth string
		if err := rows.Scan(&in.ID, &in.Username, &in.Kind, &auth, &in.OpsetDigest, &in.Ops, &in.Seq); err != nil {
			return nil, fmt.Errorf("read intents: scan: %w", err)
		}
		in.Authority = ir.Authority(auth)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read intents: %w", err)
	}
	return out, nil
}

// Attempts returns an intent's attempts in order.
func (j *Journal) Attempts(ctx context.Context, intentID string) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, intent_id, idx, provider, outcome, code, retryable, message, seq
		FROM attempts
		WHERE intent_id = ?
		ORDER BY seq ASC, id ASC COLLATE BINARY
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var provider, outcome, code string
		if err := rows.Scan(&a.ID, &a.IntentID, &a.Index, &provider, &outcome, &code, &a.Retryable, &a.Message, &a.Seq); err != nil {
			return nil, fmt.Errorf("read attempts: scan: %w", err)
		}
		a.Provider = ir.ProviderID(provider)
		a.Outcome = ir.ResultKind(outcome)
		a.Code = ir.FailureCode(code)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}
	return out, nil
}

// Submission returns the intent's submission. found is false when the
// intent was never submitted.
func (j *Journal) Submission(ctx context.Context, intentID string) (s Submission, found bool, err error) {
	var provider string
	err = j.db.QueryRowContext(ctx, `
		SELECT intent_id, provider, tx_id, block_num, seq
		FROM submissions WHERE intent_id = ?
	`, intentID).Scan(&s.IntentID, &provider, &s.TxID, &s.BlockNum, &s.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("read submission: %w", err)
	}
	s.Provider = ir.ProviderID(provider)
	return s, true, nil
}

// Confirmation returns the recorded poll outcome, or "" when none.
func (j *Journal) Confirmation(ctx context.Context, intentID string) (string, error) {
	var outcome string
	err := j.db.QueryRowContext(ctx, `SELECT outcome FROM confirmations WHERE intent_id = ?`, intentID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	return outcome, nil
}

// Trace is everything journaled about one intent.
type Trace struct {
	Intent       Intent      `json:"intent" yaml:"intent"`
	Attempts     []Attempt   `json:"attempts" yaml:"attempts"`
	Submission   *Submission `json:"submission,omitempty" yaml:"submission,omitempty"`
	Confirmation string      `json:"confirmation,omitempty" yaml:"confirmation,omitempty"`
}

// Trace loads the full history of an intent.
func (j *Journal) Trace(ctx context.Context, intentID string) (Trace, error) {
	in, err := j.Intent(ctx, intentID)
	if err != nil {
		return Trace{}, err
	}
	attempts, err := j.Attempts(ctx, intentID)
	if err != nil {
		return Trace{}, err
	}
	tr := Trace{Intent: in, Attempts: attempts}
	sub, found, err := j.Submission(ctx, intentID)
	if err != nil {
		return Trace{}, err
	}
	if found {
		tr.Submission = &sub
	}
	if tr.Confirmation, err = j.Confirmation(ctx, intentID); err != nil {
		return Trace{}, err
	}
	return tr, nil
}

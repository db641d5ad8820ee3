package journal

import (
	"context"
	"log/slog"

	"github.com/roach88/ledgerwrite/internal/dispatch"
)

type intentKey struct{}

// WithIntentID tags ctx with the intent being dispatched so the attempt
// observer knows where to journal.
func WithIntentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, intentKey{}, id)
}

// IntentIDFrom returns the id set by WithIntentID.
func IntentIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(intentKey{}).(string)
	return id, ok && id != ""
}

// Observer journals every dispatch attempt. A journal failure is logged;
// it never changes the write's outcome.
func (j *Journal) Observer() dispatch.AttemptObserver {
	return dispatch.ObserverFunc(func(ctx context.Context, a dispatch.Attempt) {
		id, ok := IntentIDFrom(ctx)
		if !ok {
			return
		}
		if err := j.RecordAttempt(ctx, AttemptFrom(id, a)); err != nil {
			slog.WarnContext(ctx, "journal attempt failed", "intent_id", id, "provider", a.Provider, "error", err)
		}
	})
}

// AttemptFrom converts a dispatch attempt into a journal row.
func AttemptFrom(intentID string, a dispatch.Attempt) Attempt {
	row := Attempt{
		IntentID: intentID,
		Index:    a.Index,
		Provider: a.Provider,
		Outcome:  a.Result.Kind,
	}
	if f := a.Result.Failure; f != nil {
		row.Code = f.Code
		row.Retryable = f.Retryable
		row.Message = f.Message
	}
	return row
}

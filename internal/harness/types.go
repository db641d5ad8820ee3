package harness

import "sync"

// Trace event types.
const (
	EventAttempt      = "attempt"
	EventCache        = "cache"
	EventPoll         = "poll"
	EventConfirmation = "confirmation"
	EventActivity     = "activity"
)

// TraceEvent is one step of a scenario run. Name is the provider for
// attempts, the step for cache events, "check" for poll checks, the
// outcome for confirmations and the activity type for activities.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Label is "type:name", the form trace assertions match on.
func (e TraceEvent) Label() string { return e.Type + ":" + e.Name }

// Outcome summarizes a run for expectation checks.
type Outcome struct {
	// Result is broadcast, failed or rejected (build error).
	Result string `json:"result"`

	// Error is the pipeline-level code: ALL_PROVIDERS_FAILED,
	// NO_PROVIDER_AVAILABLE or BUILD_ERROR. Empty on success.
	Error string `json:"error,omitempty"`

	// Code and Retryable describe the last provider failure.
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	Provider string `json:"provider,omitempty"`
	TxID     string `json:"tx_id,omitempty"`

	// Attempts is read back from the journal.
	Attempts     int              `json:"attempts"`
	Calls        map[string]int   `json:"calls"`
	Cache        map[string]any   `json:"cache,omitempty"`
	Stale        map[string]bool  `json:"stale,omitempty"`
	Confirmation string           `json:"confirmation,omitempty"`
	PollChecks   int              `json:"poll_checks"`
	Activities   []string         `json:"activities,omitempty"`
	ActivityData []map[string]any `json:"-"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Trace   []TraceEvent `json:"trace"`
	Outcome Outcome      `json:"outcome"`
	Errors  []string     `json:"errors,omitempty"`

	mu sync.Mutex
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Outcome: Outcome{
			Calls: make(map[string]int),
		},
	}
}

// AddError records a failed check.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trace = append(r.Trace, ev)
}

// Labels returns the trace as "type:name" labels in order.
func (r *Result) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.Label()
	}
	return out
}

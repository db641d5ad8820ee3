package harness

import (
	"fmt"
	"strings"
)

// AssertionError describes a failed trace assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %v\n", ev.Seq, ev.Label(), ev.Fields)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(trace []TraceEvent, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, a)
		case AssertTraceCount:
			err = assertTraceCount(trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Label() == a.Event {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: a.Event,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events appear in order. Other events
// may come between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && ev.Label() == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %v", a.Events),
		Actual:   fmt.Sprintf("%s missing or out of order", a.Events[next]),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Label() == a.Event {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s %d times", a.Event, a.Count),
		Actual:   fmt.Sprintf("%d times", n),
		Trace:    trace,
	}
}

// EvaluateExpectation compares the outcome with the fields set in want.
func EvaluateExpectation(got Outcome, want Expectation) []string {
	var errs []string
	check := func(field string, gotV, wantV any) {
		if fmt.Sprint(gotV) != fmt.Sprint(wantV) {
			errs = append(errs, fmt.Sprintf("expect.%s: got %v, want %v", field, gotV, wantV))
		}
	}

	check("result", got.Result, want.Result)
	if want.Error != "" || want.Result == ResultBroadcast {
		check("error", got.Error, want.Error)
	}
	if want.Code != "" {
		check("code", got.Code, want.Code)
	}
	if want.Retryable != nil {
		check("retryable", got.Retryable, *want.Retryable)
	}
	if want.Provider != "" {
		check("provider", got.Provider, want.Provider)
	}
	if want.TxID != "" {
		check("tx_id", got.TxID, want.TxID)
	}
	if want.Attempts != nil {
		check("attempts", got.Attempts, *want.Attempts)
	}
	for _, id := range sortedKeys(want.Calls) {
		check("calls."+id, got.Calls[id], want.Calls[id])
	}
	for _, k := range sortedKeys(want.Cache) {
		gotV, present := got.Cache[k]
		switch {
		case want.Cache[k] == nil && present:
			errs = append(errs, fmt.Sprintf("expect.cache.%s: got %v, want absent", k, gotV))
		case want.Cache[k] != nil && !present:
			errs = append(errs, fmt.Sprintf("expect.cache.%s: absent, want %v", k, want.Cache[k]))
		case present:
			check("cache."+k, gotV, want.Cache[k])
		}
	}
	for _, k := range sortedKeys(want.Stale) {
		check("stale."+k, got.Stale[k], want.Stale[k])
	}
	if want.Confirmation != "" {
		check("confirmation", got.Confirmation, want.Confirmation)
	}
	if want.PollChecks != nil {
		check("poll_checks", got.PollChecks, *want.PollChecks)
	}
	if want.Activities != nil {
		check("activities", got.Activities, want.Activities)
	}
	return errs
}

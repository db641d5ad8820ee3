package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// GoldenDir is where golden traces live, relative to the test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot is the golden form of a run: the scenario name and its
// trace, serialized as canonical JSON.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	events := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
			"name": ev.Name,
		}
		if len(ev.Fields) > 0 {
			m["fields"] = ev.Fields
		}
		events[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         events,
	}
}

// MarshalTrace returns the canonical golden bytes for a trace.
func MarshalTrace(name string, trace []TraceEvent) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Trace: trace}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden runs the scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with -update.
func RunWithGolden(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(s)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, s.Name, result)
}

// AssertGolden compares an existing result's trace with the golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(name, result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

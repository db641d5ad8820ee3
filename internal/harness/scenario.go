package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// Scenario is one scripted write.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Chain is the fallback chain in order.
	Chain []string `yaml:"chain"`

	// EnableFallback defaults to true.
	EnableFallback *bool `yaml:"enable_fallback,omitempty"`

	Providers []ProviderScript `yaml:"providers"`
	Intent    IntentStep       `yaml:"intent"`
	Cache     *CacheSetup      `yaml:"cache,omitempty"`
	Poll      *PollSetup       `yaml:"poll,omitempty"`

	// Nonce pins the intent id. Defaults to the scenario name.
	Nonce string `yaml:"nonce,omitempty"`

	Expect     Expectation `yaml:"expect"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ProviderScript scripts one provider. A provider listed in the chain
// without a script is absent from the registry.
type ProviderScript struct {
	ID string `yaml:"id"`

	// Capable defaults to true. False makes CanHandle refuse.
	Capable *bool `yaml:"capable,omitempty"`

	// Results are returned in order; the last one repeats.
	Results []ScriptedResult `yaml:"results,omitempty"`
}

// ScriptedResult is exactly one of Broadcast (a tx id) or Fail.
type ScriptedResult struct {
	Broadcast string           `yaml:"broadcast,omitempty"`
	Fail      *ScriptedFailure `yaml:"fail,omitempty"`
}

// ScriptedFailure is a provider failure.
type ScriptedFailure struct {
	Code      string `yaml:"code"`
	Retryable bool   `yaml:"retryable"`
	Message   string `yaml:"message,omitempty"`
}

// IntentStep is the write intent.
type IntentStep struct {
	Kind              string         `yaml:"kind"`
	Username          string         `yaml:"username"`
	Payload           map[string]any `yaml:"payload"`
	RequiredAuthority string         `yaml:"required_authority,omitempty"`
}

// CacheSetup describes the cache around the write.
type CacheSetup struct {
	// Initial values present before the write.
	Initial map[string]any `yaml:"initial,omitempty"`

	// Keys the optimistic mutation may touch. Defaults to the keys of
	// Optimistic.
	Keys []string `yaml:"keys,omitempty"`

	// Optimistic values written before the provider runs. A null value
	// deletes the key.
	Optimistic map[string]any `yaml:"optimistic,omitempty"`

	// Invalidate lists keys refreshed after a successful write.
	Invalidate []string `yaml:"invalidate,omitempty"`

	// Refetch gives the value a refresh of each key returns. Keys without
	// an entry have no refetcher and go stale.
	Refetch map[string]any `yaml:"refetch,omitempty"`
}

// PollSetup asks for confirmation polling after a successful write.
type PollSetup struct {
	// ConfirmOn is the check on which the predicate first holds. Zero
	// means never.
	ConfirmOn   int    `yaml:"confirm_on"`
	MaxAttempts int    `yaml:"max_attempts"`
	Interval    string `yaml:"interval,omitempty"`
}

// Expectation is checked against the run's Outcome. Unset fields are
// not checked.
type Expectation struct {
	Result       string          `yaml:"result"`
	Error        string          `yaml:"error,omitempty"`
	Code         string          `yaml:"code,omitempty"`
	Retryable    *bool           `yaml:"retryable,omitempty"`
	Provider     string          `yaml:"provider,omitempty"`
	TxID         string          `yaml:"tx_id,omitempty"`
	Attempts     *int            `yaml:"attempts,omitempty"`
	Calls        map[string]int  `yaml:"calls,omitempty"`
	Cache        map[string]any  `yaml:"cache,omitempty"`
	Stale        map[string]bool `yaml:"stale,omitempty"`
	Confirmation string          `yaml:"confirmation,omitempty"`
	PollChecks   *int            `yaml:"poll_checks,omitempty"`
	Activities   []string        `yaml:"activities,omitempty"`
}

// Assertion checks the trace.
type Assertion struct {
	// Type is trace_contains, trace_order or trace_count.
	Type string `yaml:"type"`

	// Event is a "type:name" label (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events are labels in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the exact number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Result kinds a scenario may expect.
const (
	ResultBroadcast = string(ir.ResultBroadcast)
	ResultFailed    = string(ir.ResultFailed)
	ResultRejected  = "rejected"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Chain) == 0 {
		return fmt.Errorf("chain list is required and must be non-empty")
	}
	for i, id := range s.Chain {
		if _, err := ir.ParseProviderID(id); err != nil {
			return fmt.Errorf("chain[%d]: %w", i, err)
		}
	}

	seen := make(map[string]bool)
	for i, p := range s.Providers {
		if _, err := ir.ParseProviderID(p.ID); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.ID)
		}
		seen[p.ID] = true
		for j, r := range p.Results {
			if err := validateResult(r); err != nil {
				return fmt.Errorf("providers[%d].results[%d]: %w", i, j, err)
			}
		}
	}

	if s.Intent.Kind == "" {
		return fmt.Errorf("intent.kind is required")
	}
	if s.Intent.Username == "" {
		return fmt.Errorf("intent.username is required")
	}
	if s.Intent.RequiredAuthority != "" {
		if _, err := ir.ParseAuthority(s.Intent.RequiredAuthority); err != nil {
			return fmt.Errorf("intent.required_authority: %w", err)
		}
	}

	if s.Poll != nil {
		if s.Poll.MaxAttempts <= 0 {
			return fmt.Errorf("poll.max_attempts must be positive")
		}
		if s.Poll.ConfirmOn < 0 {
			return fmt.Errorf("poll.confirm_on must be non-negative")
		}
		if s.Poll.Interval != "" {
			if _, err := time.ParseDuration(s.Poll.Interval); err != nil {
				return fmt.Errorf("poll.interval: %w", err)
			}
		}
	}

	switch s.Expect.Result {
	case ResultBroadcast, ResultFailed, ResultRejected:
	case "":
		return fmt.Errorf("expect.result is required")
	default:
		return fmt.Errorf("expect.result: unknown result %q", s.Expect.Result)
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateResult(r ScriptedResult) error {
	switch {
	case r.Broadcast != "" && r.Fail != nil:
		return fmt.Errorf("set broadcast or fail, not both")
	case r.Broadcast == "" && r.Fail == nil:
		return fmt.Errorf("one of broadcast or fail is required")
	case r.Fail != nil && r.Fail.Code == "":
		return fmt.Errorf("fail.code is required")
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) fallbackEnabled() bool {
	return s.EnableFallback == nil || *s.EnableFallback
}

func (p ProviderScript) capable() bool {
	return p.Capable == nil || *p.Capable
}

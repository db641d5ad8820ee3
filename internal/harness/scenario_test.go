package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one provider, one vote
chain: [local_key]
providers:
  - id: local_key
    results:
      - broadcast: tx-1
intent:
  kind: vote
  username: alice
  payload: {voter: alice, author: bob, permlink: p, weight: 100}
expect:
  result: broadcast
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, []string{"local_key"}, s.Chain)
	assert.True(t, s.fallbackEnabled())
	require.Len(t, s.Providers, 1)
	assert.True(t, s.Providers[0].capable())
	assert.Equal(t, "tx-1", s.Providers[0].Results[0].Broadcast)
	assert.Equal(t, "alice", s.Intent.Payload["voter"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{"unknown provider in chain", "chain: [ledger_nano]", "chain[0]"},
		{"empty chain", "chain: []", "chain list is required"},
		{"bad poll", "poll: {max_attempts: 0}", "poll.max_attempts"},
		{"bad interval", "poll: {max_attempts: 1, interval: soon}", "poll.interval"},
		{"bad authority", "intent: {kind: vote, username: alice, required_authority: root}", "required_authority"},
		{"missing kind", "intent: {username: alice}", "intent.kind is required"},
		{"unknown result", "expect: {result: maybe}", "unknown result"},
		{"both arms", "providers: [{id: local_key, results: [{broadcast: x, fail: {code: NETWORK_ERROR}}]}]", "not both"},
		{"no arm", "providers: [{id: local_key, results: [{}]}]", "one of broadcast or fail"},
		{"duplicate provider", "providers: [{id: local_key}, {id: local_key}]", "duplicate provider"},
		{"bad assertion", "assertions: [{type: trace_exists}]", "unknown assertion type"},
		{"order without events", "assertions: [{type: trace_order}]", "events list is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(override(minimalScenario, tt.mutate)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// override replaces the top-level block whose key matches line, or
// appends line when the key is absent.
func override(doc, line string) string {
	key, _, _ := strings.Cut(line, ":")
	key += ":"
	var out []string
	skipping, replaced := false, false
	for _, l := range strings.Split(doc, "\n") {
		switch {
		case strings.HasPrefix(l, key):
			out = append(out, line)
			skipping, replaced = true, true
		case skipping && strings.HasPrefix(l, " "):
		default:
			skipping = false
			out = append(out, l)
		}
	}
	if !replaced {
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

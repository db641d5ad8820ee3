package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenarios(t *testing.T) map[string]*Scenario {
	t.Helper()
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	out := make(map[string]*Scenario, len(files))
	for _, f := range files {
		s, err := LoadScenario(f)
		require.NoError(t, err, f)
		require.Equal(t, strings.TrimSuffix(filepath.Base(f), ".yaml"), s.Name, "file name and scenario name differ")
		out[s.Name] = s
	}
	return out
}

func TestScenariosMatchGolden(t *testing.T) {
	for name, s := range loadScenarios(t) {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	s := loadScenarios(t)["scenario_d_confirmed_on_fifth_check"]
	require.NotNil(t, s)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRunReportsUnmetExpectation(t *testing.T) {
	s := loadScenarios(t)["scenario_c_expired_token_stops_chain"]
	require.NotNil(t, s)

	broken := *s
	broken.Expect.Calls = map[string]int{"local_key": 1}
	result, err := Run(&broken)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expect.calls.local_key: got 0, want 1")
}

func TestRunActivityMetadata(t *testing.T) {
	s := loadScenarios(t)["scenario_a_skips_absent_extension"]
	require.NotNil(t, s)

	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Outcome.ActivityData, 1)

	md := result.Outcome.ActivityData[0]
	assert.Equal(t, "alice", md["username"])
	assert.Equal(t, "remote_session", md["provider"])
	assert.Equal(t, "tx-a", md["tx_id"])
	assert.Equal(t, "bob", md["author"])
	assert.Equal(t, "hello-world", md["permlink"])
	assert.NotEmpty(t, md["intent_id"])
}

func TestRunTimedOutLeavesCommittedCache(t *testing.T) {
	s := loadScenarios(t)["scenario_e_timed_out_keeps_commit"]
	require.NotNil(t, s)

	result, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, "timed-out", result.Outcome.Confirmation)
	assert.Equal(t, 4, result.Outcome.Cache["votes:bob/hello-world"])
	assert.Equal(t, []string{
		"cache:snapshot",
		"cache:optimistic",
		"attempt:remote_session",
		"cache:commit",
		"cache:invalidate",
		"poll:check", "poll:check", "poll:check", "poll:check", "poll:check",
		"confirmation:timed-out",
		"activity:120",
	}, result.Labels())
}

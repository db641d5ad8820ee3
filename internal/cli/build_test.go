package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const votePayload = `{voter: alice, author: bob, permlink: hello-world, weight: 10000}`

func TestBuildVoteText(t *testing.T) {
	out, err := execute(t, "build", "vote", "-u", "alice", "-p", votePayload)
	require.NoError(t, err)

	assert.Contains(t, out, "vote for alice (posting authority)")
	assert.Contains(t, out, "digest: ")
	assert.Contains(t, out, "[0] vote")
}

func TestBuildVoteJSON(t *testing.T) {
	out, err := execute(t, "build", "vote", "-u", "alice", "-p", votePayload, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Kind       string `json:"kind"`
			Authority  string `json:"authority"`
			Digest     string `json:"digest"`
			Operations []any  `json:"operations"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "vote", resp.Data.Kind)
	assert.Equal(t, "posting", resp.Data.Authority)
	assert.NotEmpty(t, resp.Data.Digest)
	require.Len(t, resp.Data.Operations, 1)
}

func TestBuildIsDeterministic(t *testing.T) {
	first, err := execute(t, "build", "vote", "-u", "alice", "-p", votePayload, "--format", "json")
	require.NoError(t, err)
	second, err := execute(t, "build", "vote", "-u", "alice", "-p", votePayload, "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildPayloadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vote.yaml")
	require.NoError(t, os.WriteFile(path, []byte("voter: alice\nauthor: bob\npermlink: hello-world\nweight: -500\n"), 0o644))

	out, err := execute(t, "build", "vote", "-u", "alice", "--payload-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[0] vote")
}

func TestBuildRejectedIntent(t *testing.T) {
	// The voter must be the signing account.
	out, err := execute(t, "build", "vote", "-u", "carol", "-p", votePayload)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [BUILD_ERROR]")
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := execute(t, "build", "teleport", "-u", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestBuildFlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad authority", []string{"build", "vote", "-u", "alice", "-p", votePayload, "--authority", "root"}, "invalid --authority"},
		{"bad payload", []string{"build", "vote", "-u", "alice", "-p", "[1, 2"}, "invalid payload"},
		{"scalar payload", []string{"build", "vote", "-u", "alice", "-p", "42"}, "invalid payload"},
		{"missing file", []string{"build", "vote", "-u", "alice", "--payload-file", "/nonexistent.yaml"}, "failed to read payload file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildRequiresUser(t *testing.T) {
	_, err := execute(t, "build", "vote", "-p", votePayload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"user" not set`)
}

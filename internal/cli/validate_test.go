package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateConfigValid(t *testing.T) {
	path := writeConfig(t, "ledgerwrite.yaml", "fallback_chain: [local_key]\nenable_fallback: false\npoll:\n  max_attempts: 3\n")

	out, err := execute(t, "validate-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "chain:    local_key (fallback disabled)")
	assert.Contains(t, out, "poll:     every 3s, 3 attempts")
}

func TestValidateConfigJSONIncludesDefaults(t *testing.T) {
	path := writeConfig(t, "ledgerwrite.cue", `journal: path: "/tmp/j.db"`+"\n")

	out, err := execute(t, "validate-config", path, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data configView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "/tmp/j.db", resp.Data.JournalPath)
	assert.Equal(t, []string{"extension", "remote_session", "delegated_token", "local_key"}, resp.Data.FallbackChain)
	assert.True(t, resp.Data.EnableFallback)
	assert.Equal(t, 5, resp.Data.PollMaxAttempts)
}

func TestValidateConfigInvalid(t *testing.T) {
	path := writeConfig(t, "ledgerwrite.yaml", "fallback_chain: [carrier_pigeon]\n")

	out, err := execute(t, "validate-config", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E204", resp.Error.Code)
}

func TestValidateConfigUnsupportedFormat(t *testing.T) {
	path := writeConfig(t, "ledgerwrite.toml", "nodes = []\n")

	out, err := execute(t, "validate-config", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E202]")
}

func TestValidateConfigMissingFile(t *testing.T) {
	out, err := execute(t, "validate-config", "/nonexistent/ledgerwrite.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E201]")
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.SuccessFor("intent-1", map[string]string{"tx_id": "abc"}, "ignored"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "intent-1", resp.IntentID)
	assert.Equal(t, map[string]any{"tx_id": "abc"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Error("ALL_PROVIDERS_FAILED", "local_key: broadcast refused", []string{"a"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ALL_PROVIDERS_FAILED", resp.Error.Code)
	assert.Equal(t, "local_key: broadcast refused", resp.Error.Message)
	assert.Equal(t, []any{"a"}, resp.Error.Details)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success(map[string]int{"n": 1}, "done"))
	require.NoError(t, f.Success(42, ""))
	require.NoError(t, f.Error("E205", "bad config", map[string]int{"line": 3}))

	assert.Equal(t, "done\n42\nError [E205]: bad config\n", buf.String())
}

func TestOutputFormatter_VerboseGoesToErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	f.VerboseLog("trying %s", "local_key")
	assert.Empty(t, out.String())
	assert.Equal(t, "trying local_key\n", errOut.String())

	f.Verbose = false
	f.VerboseLog("quiet")
	assert.Equal(t, "trying local_key\n", errOut.String())
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "write failed", errors.New("inner")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "outer: write failed: inner", wrapped.Error())
}

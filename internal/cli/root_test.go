package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledgerwrite", cmd.Use)
	assert.Contains(t, cmd.Long, "signing")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"build", "submit", "trace", "validate-config", "serve", "pair", "test"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestSubmitCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	submit, _, err := cmd.Find([]string{"submit"})
	require.NoError(t, err)

	for _, name := range []string{"user", "payload", "payload-file", "authority", "key", "token", "chain", "no-fallback", "confirm", "nonce"} {
		assert.NotNil(t, submit.Flags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "k", submit.Flags().Lookup("key").Shorthand)
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := execute(t, "pair", "--user", "alice", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(&RootOptions{Config: "/nonexistent/ledgerwrite.cue"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestJournalPathPrefersFlag(t *testing.T) {
	cfg, err := loadConfig(&RootOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ledgerwrite.db", journalPath(&RootOptions{}, cfg))
	assert.Equal(t, "x.db", journalPath(&RootOptions{DB: "x.db"}, cfg))
}

package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerwrite/internal/signer"
)

func TestPairPrintsParseableLink(t *testing.T) {
	out, err := execute(t, "pair", "--user", "alice", "--host", "wss://signer.example", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data pairView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "alice", resp.Data.Username)

	req, err := signer.ParseDeepLink(resp.Data.Link)
	require.NoError(t, err)
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, resp.Data.UUID, req.UUID)
	assert.Equal(t, "wss://signer.example", req.Host)
}

func TestPairRequiresUser(t *testing.T) {
	_, err := execute(t, "pair")
	require.Error(t, err)
}

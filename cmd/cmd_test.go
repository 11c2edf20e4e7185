package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/api"
	"github.com/minicore/cpucore/envconfig"
)

func TestNewCLIRegistersSubcommands(t *testing.T) {
	root := NewCLI()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["status"])
	assert.True(t, names["generate"])
}

func TestStatusCommandRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.StatusResponse{
			CacheBlocksTotal:     10,
			CacheBlocksEvictable: 4,
			CacheBlocksProtected: 6,
			BlockPoolUsed:        2,
			BlockPoolFree:        8,
		})
	}))
	defer srv.Close()

	prevHost := envconfig.Host
	envconfig.Host = srv.URL
	defer func() { envconfig.Host = prevHost }()

	cmd := statusCmd
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestGenerateCommandRejectsNonIntegerTokens(t *testing.T) {
	cmd := generateCmd
	err := cmd.RunE(cmd, []string{"1", "two", "3"})
	require.Error(t, err)
}


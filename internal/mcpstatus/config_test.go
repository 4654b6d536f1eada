package mcpstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"fs": {"command": "mcp-server-fs", "args": ["--root", "/tmp"]},
			"search": {"type": "remote", "url": "https://example.test/mcp"}
		}
	}`)

	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, cfg.McpServers, 2)

	fs := cfg.McpServers["fs"]
	assert.Equal(t, "mcp-server-fs", fs.Command)
	assert.Equal(t, TransportStdio, fs.effectiveType())

	search := cfg.McpServers["search"]
	assert.Equal(t, TransportRemote, search.effectiveType())
}

func TestEffectiveTypeInfersRemoteFromURL(t *testing.T) {
	cfg := ServerConfig{URL: "https://example.test/mcp"}
	assert.Equal(t, TransportRemote, cfg.effectiveType())
}

func TestEffectiveTypeDefaultsToStdio(t *testing.T) {
	cfg := ServerConfig{Command: "some-binary"}
	assert.Equal(t, TransportStdio, cfg.effectiveType())
}

func TestParseConfigRejectsMalformedJSON(t *testing.T) {
	_, err := ParseConfig([]byte(`{not json`))
	assert.Error(t, err)
}

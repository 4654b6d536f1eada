package mcpstatus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAllSkipsRemoteServers(t *testing.T) {
	cfg := ParsedConfig{McpServers: map[string]ServerConfig{
		"search": {Type: TransportRemote, URL: "https://example.test/mcp"},
	}}
	assert.NoError(t, ValidateAll(context.Background(), cfg))
}

func TestValidateAllNoServersIsNoop(t *testing.T) {
	assert.NoError(t, ValidateAll(context.Background(), ParsedConfig{}))
}

func TestValidateStdioServerRejectsMissingCommand(t *testing.T) {
	err := ValidateStdioServer(context.Background(), "broken", ServerConfig{})
	assert.Error(t, err)
}

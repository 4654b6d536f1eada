package mcpstatus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAllReportsUnreachableForMissingCommand(t *testing.T) {
	c := NewChecker(ParsedConfig{McpServers: map[string]ServerConfig{
		"ghost": {Command: "agendo-mcp-server-that-does-not-exist"},
	}})
	c.timeout = 500 * time.Millisecond

	statuses := c.CheckAll(context.Background())
	assert.Equal(t, "unreachable", statuses["ghost"])
}

func TestCheckAllReportsUnreachableForMissingURL(t *testing.T) {
	c := NewChecker(ParsedConfig{McpServers: map[string]ServerConfig{
		"broken-remote": {Type: TransportRemote},
	}})
	c.timeout = 500 * time.Millisecond

	statuses := c.CheckAll(context.Background())
	assert.Equal(t, "unreachable", statuses["broken-remote"])
}

func TestCheckAllEmptyConfig(t *testing.T) {
	c := NewChecker(ParsedConfig{})
	statuses := c.CheckAll(context.Background())
	assert.Empty(t, statuses)
}

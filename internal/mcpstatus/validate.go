package mcpstatus

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ValidateStdioServer performs one synchronous initialize/close round trip
// against a stdio MCP server before the Session Runner commits to writing
// it into a session's mcp config file (spec.md §4.6): a server that can't
// even complete the handshake fails the session before the agent binary
// ever spawns, rather than surfacing as a silent system:mcp-status later.
//
// A second, independent SDK (mark3labs/mcp-go rather than the go-sdk client
// Checker uses for the recurring health ticker) is used deliberately here:
// this is a one-shot fire-and-forget check on the Runner's hot path, and
// mcp-go's NewStdioMCPClient needs no persistent Implementation/session
// bookkeeping for a single round trip.
func ValidateStdioServer(ctx context.Context, name string, cfg ServerConfig) error {
	if cfg.Command == "" {
		return fmt.Errorf("mcpstatus: validate %s: missing command", name)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcpstatus: validate %s: start: %w", name, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agendo-supervisor",
		Version: "1.0.0",
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcpstatus: validate %s: initialize: %w", name, err)
	}
	return nil
}

// ValidateAll validates every stdio server in cfg, stopping at the first
// failure. Remote servers are skipped: spec.md scopes validation to the
// Runner's own mcpConfig parameter, which only ever carries task-local
// stdio tool servers.
func ValidateAll(ctx context.Context, cfg ParsedConfig) error {
	for name, server := range cfg.McpServers {
		if server.effectiveType() != TransportStdio {
			continue
		}
		if err := ValidateStdioServer(ctx, name, server); err != nil {
			return err
		}
	}
	return nil
}

// Package mcpstatus is a trimmed MCP client used only for two things: the
// Activity Tracker's 60s MCP health ticker (spec.md §4.4 startMcpHealthCheck)
// and the Session Runner's pre-spawn validation of a task-supplied mcpConfig
// fragment. It never serves MCP tools into the agent itself — that stays the
// agent binary's own concern per spec.md §1 — it only ever connects long
// enough to ask "is this server alive".
//
// Grounded on the teacher's internal/mcp package: Config/TransportType here
// mirror its shape, and Checker.CheckAll reuses its SDK connect pattern.
package mcpstatus

import "encoding/json"

// TransportType is the subset of MCP transports a health check understands.
type TransportType string

const (
	TransportStdio  TransportType = "stdio"
	TransportRemote TransportType = "remote"
)

// ServerConfig is one entry of the mcpServers map written to
// /tmp/agendo-mcp-<sessionId>.json.
type ServerConfig struct {
	Type    TransportType     `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ParsedConfig is the normalized shape of an agendo-mcp-<sessionId>.json
// file: {"mcpServers": {name: ServerConfig}}.
type ParsedConfig struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

// ParseConfig unmarshals a normalized (JSONC-stripped) MCP config file.
func ParseConfig(data []byte) (ParsedConfig, error) {
	var cfg ParsedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ParsedConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) effectiveType() TransportType {
	if c.Type != "" {
		return c.Type
	}
	if c.URL != "" {
		return TransportRemote
	}
	return TransportStdio
}

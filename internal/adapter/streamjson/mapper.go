package streamjson

import (
	"encoding/json"
	"fmt"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/pkg/types"
)

// Map is the pure per-frame mapper spec.md §4.3 requires for the Claude
// Code NDJSON protocol: session init (with slash commands and MCP servers),
// assistant text/thinking/tool_use blocks, user-frame tool_result blocks
// (agent:tool-end), the terminal result frame (cost/turns/duration/model
// usage), compaction boundaries, rate-limit notices, and partial-delta
// stream_event frames fed to the delta batcher rather than emitted
// directly.
func Map(frame []byte) ([]adapter.Event, error) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case "system":
		return mapSystem(msg)
	case "assistant":
		return mapAssistant(msg)
	case "user":
		return mapUserToolResult(msg)
	case "result":
		return mapResult(msg)
	case "stream_event":
		return mapStreamEvent(msg)
	default:
		return nil, nil
	}
}

type message struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype"`
	SessionID     string          `json:"session_id"`
	SlashCommands []string        `json:"slash_commands"`
	McpServers    []mcpServerInfo `json:"mcp_servers"`
	Model         string          `json:"model"`
	Cwd           string          `json:"cwd"`
	Tools         []string        `json:"tools"`
	PermissionMode string         `json:"permissionMode"`

	Message *contentMessage `json:"message"`

	// result frame
	CostUSD      float64                `json:"cost_usd"`
	DurationMS   int64                  `json:"duration_ms"`
	NumTurns     int                    `json:"num_turns"`
	IsError      bool                   `json:"is_error"`
	ModelUsage   map[string]modelUsage  `json:"modelUsage"`

	// rate limit / compaction info frames
	Message_     string `json:"message_text"`
	PreTokens    int    `json:"pre_compact_tokens"`
	RetryAt      int64  `json:"retry_at"`

	Event *streamEvent `json:"event"`
}

type mcpServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type modelUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type contentMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Thinking  string         `json:"thinking"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool           `json:"is_error"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

func mapSystem(msg message) ([]adapter.Event, error) {
	switch msg.Subtype {
	case "", "init":
	case "rate_limit":
		return mapRateLimit(msg)
	case "compact_boundary":
		return mapCompactBoundary(msg)
	default:
		return nil, nil
	}
	servers := make([]string, 0, len(msg.McpServers))
	for _, s := range msg.McpServers {
		servers = append(servers, s.Name)
	}
	return []adapter.Event{{
		Type: types.EventSessionInit,
		Payload: types.SessionInitPayload{
			SessionRef:     msg.SessionID,
			SlashCommands:  msg.SlashCommands,
			McpServers:     servers,
			Model:          msg.Model,
			Cwd:            msg.Cwd,
			Tools:          msg.Tools,
			PermissionMode: msg.PermissionMode,
		},
	}}, nil
}

// mapRateLimit maps a "system" frame with subtype "rate_limit" to
// system:rate-limit (spec.md §4.3), carrying the message text the CLI
// surfaced and the retry_at epoch so the client can show a countdown.
func mapRateLimit(msg message) ([]adapter.Event, error) {
	return []adapter.Event{{
		Type: types.EventSystemRateLimit,
		Payload: types.SystemRateLimitPayload{
			Message: msg.Message_,
			RetryAt: msg.RetryAt,
		},
	}}, nil
}

// mapCompactBoundary maps a "system" frame with subtype "compact_boundary"
// to system:info carrying the trigger and the pre-compaction token count
// (spec.md §4.3 "compaction boundaries"), so a client watching the
// transcript can explain a sudden drop in context rather than showing a
// bare info line.
func mapCompactBoundary(msg message) ([]adapter.Event, error) {
	text := msg.Message_
	if text == "" {
		text = "Context compacted."
	}
	return []adapter.Event{{
		Type: types.EventSystemInfo,
		Payload: types.SystemInfoPayload{
			Message: fmt.Sprintf("%s (pre-compaction tokens: %d)", text, msg.PreTokens),
		},
	}}, nil
}

func mapAssistant(msg message) ([]adapter.Event, error) {
	if msg.Message == nil {
		return nil, nil
	}
	var out []adapter.Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out = append(out, adapter.Event{Type: types.EventAgentText, Payload: types.AgentTextPayload{Text: block.Text}})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			out = append(out, adapter.Event{Type: types.EventAgentThinking, Payload: types.AgentThinkingPayload{Text: block.Thinking}})
		case "tool_use":
			out = append(out, adapter.Event{Type: types.EventAgentToolStart, Payload: types.AgentToolStartPayload{
				ToolUseID: block.ID,
				ToolName:  block.Name,
				Input:     block.Input,
			}})
		}
	}
	return out, nil
}

func mapUserToolResult(msg message) ([]adapter.Event, error) {
	if msg.Message == nil {
		return nil, nil
	}
	var out []adapter.Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		content := extractResultContent(block.Content)
		out = append(out, adapter.Event{
			Type: types.EventAgentToolEnd,
			Payload: types.AgentToolEndPayload{
				ToolUseID: block.ToolUseID,
				Content:   content,
			},
			IsToolErrorResult: block.IsError,
		})
	}
	return out, nil
}

func extractResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func mapResult(msg message) ([]adapter.Event, error) {
	usage := make([]types.ModelUsage, 0, len(msg.ModelUsage))
	for model, u := range msg.ModelUsage {
		usage = append(usage, types.ModelUsage{
			Model:        model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUsd:      u.CostUSD,
		})
	}
	return []adapter.Event{{
		Type: types.EventAgentResult,
		Payload: types.AgentResultPayload{
			CostUsd:    msg.CostUSD,
			Turns:      msg.NumTurns,
			DurationMs: msg.DurationMS,
			IsError:    msg.IsError,
			ModelUsage: usage,
		},
	}}, nil
}

func mapStreamEvent(msg message) ([]adapter.Event, error) {
	if msg.Event == nil || msg.Event.Type != "content_block_delta" {
		return nil, nil
	}
	switch msg.Event.Delta.Type {
	case "text_delta":
		if msg.Event.Delta.Text == "" {
			return nil, nil
		}
		return []adapter.Event{{Type: types.EventAgentTextDelta, Payload: types.AgentTextDeltaPayload{Delta: msg.Event.Delta.Text}}}, nil
	case "thinking_delta":
		if msg.Event.Delta.Thinking == "" {
			return nil, nil
		}
		return []adapter.Event{{Type: types.EventAgentThinkingDelta, Payload: types.AgentThinkingDeltaPayload{Delta: msg.Event.Delta.Thinking}}}, nil
	default:
		return nil, nil
	}
}

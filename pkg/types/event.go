package types

// EventType is the closed set of AgendoEvent payload variants. Mappers are
// exhaustive over their adapter's frame vocabulary and must only ever
// produce members of this set.
type EventType string

const (
	EventSessionInit  EventType = "session:init"
	EventSessionState EventType = "session:state"

	EventAgentText         EventType = "agent:text"
	EventAgentTextDelta    EventType = "agent:text-delta"
	EventAgentThinking     EventType = "agent:thinking"
	EventAgentThinkingDelta EventType = "agent:thinking-delta"
	EventAgentToolStart    EventType = "agent:tool-start"
	EventAgentToolEnd      EventType = "agent:tool-end"
	EventAgentResult       EventType = "agent:result"
	EventAgentActivity     EventType = "agent:activity"
	EventAgentToolApproval EventType = "agent:tool-approval"
	EventAgentAskUser      EventType = "agent:ask-user"

	EventUserMessage EventType = "user:message"

	EventSystemInfo      EventType = "system:info"
	EventSystemError     EventType = "system:error"
	EventSystemRateLimit EventType = "system:rate-limit"
	EventSystemMcpStatus EventType = "system:mcp-status"

	EventTeamMessage EventType = "team:message"
)

// AgendoEvent is the uniform envelope published on events:<sessionId>.
// id equals the post-increment of eventSeq at emission time and is the
// ordering key SSE consumers use to request "since id N" on reconnect.
type AgendoEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Ts        int64     `json:"ts"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
}

// --- payload shapes, one per EventType above ---

type SessionInitPayload struct {
	SessionRef     string   `json:"sessionRef,omitempty"`
	SlashCommands  []string `json:"slashCommands,omitempty"`
	McpServers     []string `json:"mcpServers,omitempty"`
	Model          string   `json:"model"`
	Cwd            string   `json:"cwd"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode"`
}

type SessionStatePayload struct {
	Status Status `json:"status"`
}

type AgentTextPayload struct {
	Text string `json:"text"`
}

type AgentTextDeltaPayload struct {
	Delta string `json:"delta"`
}

type AgentThinkingPayload struct {
	Text string `json:"text"`
}

type AgentThinkingDeltaPayload struct {
	Delta string `json:"delta"`
}

type AgentToolStartPayload struct {
	ToolUseID string         `json:"toolUseId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

type AgentToolEndPayload struct {
	ToolUseID  string `json:"toolUseId"`
	Content    string `json:"content"`
	DurationMs *int64 `json:"durationMs,omitempty"`
	NumFiles   *int   `json:"numFiles,omitempty"`
	Truncated  *bool  `json:"truncated,omitempty"`
}

type ModelUsage struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUsd      float64 `json:"costUsd"`
}

type AgentResultPayload struct {
	CostUsd     float64      `json:"costUsd"`
	Turns       int          `json:"turns"`
	DurationMs  int64        `json:"durationMs"`
	IsError     bool         `json:"isError"`
	ModelUsage  []ModelUsage `json:"modelUsage,omitempty"`
}

type AgentActivityPayload struct {
	Thinking bool `json:"thinking"`
}

type AgentToolApprovalPayload struct {
	ApprovalID string         `json:"approvalId"`
	ToolName   string         `json:"toolName"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
}

type AgentAskUserPayload struct {
	RequestID string   `json:"requestId"`
	Questions []string `json:"questions"`
}

type UserMessagePayload struct {
	Text     string `json:"text"`
	ImageRef string `json:"imageRef,omitempty"`
}

type SystemInfoPayload struct {
	Message string `json:"message"`
}

type SystemErrorPayload struct {
	Message string `json:"message"`
}

type SystemRateLimitPayload struct {
	Message   string `json:"message"`
	RetryAt   int64  `json:"retryAt,omitempty"`
}

type SystemMcpStatusPayload struct {
	Server string `json:"server"`
	Status string `json:"status"` // connected|ready|error|...
}

type TeamMessagePayload struct {
	From string `json:"from"`
	Text string `json:"text"`
}

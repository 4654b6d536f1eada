// Package types holds the data shapes shared across the supervisor: the
// durable Session row, the outbound AgendoEvent wire protocol, and the
// inbound AgendoControl wire protocol.
package types

// Status is the session's lifecycle state, persisted as a column and
// mirrored by the supervisor's in-memory state machine.
type Status string

const (
	StatusActive        Status = "active"
	StatusAwaitingInput  Status = "awaiting_input"
	StatusIdle           Status = "idle"
	StatusEnded          Status = "ended"
)

// Kind distinguishes a one-shot task execution from an open-ended chat.
type Kind string

const (
	KindExecution   Kind = "execution"
	KindConversation Kind = "conversation"
)

// Session is the durable row a Session Process claims and mutates.
// eventSeq never resets across resumes; sessionRef is immutable once set
// except by an explicit clear-context restart.
type Session struct {
	ID             string   `json:"id" db:"id"`
	Status         Status   `json:"status" db:"status"`
	WorkerID       string   `json:"workerId" db:"worker_id"`
	PID            *int     `json:"pid,omitempty" db:"pid"`
	SessionRef     *string  `json:"sessionRef,omitempty" db:"session_ref"`
	EventSeq       int64    `json:"eventSeq" db:"event_seq"`
	HeartbeatAt    *int64   `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	StartedAt      *int64   `json:"startedAt,omitempty" db:"started_at"`
	LastActiveAt   *int64   `json:"lastActiveAt,omitempty" db:"last_active_at"`
	EndedAt        *int64   `json:"endedAt,omitempty" db:"ended_at"`
	IdleTimeoutSec int      `json:"idleTimeoutSec" db:"idle_timeout_sec"`
	LogFilePath    string   `json:"logFilePath" db:"log_file_path"`
	TotalCostUsd   float64  `json:"totalCostUsd" db:"total_cost_usd"`
	TotalTurns     int      `json:"totalTurns" db:"total_turns"`
	PermissionMode string   `json:"permissionMode" db:"permission_mode"`
	AllowedTools   []string `json:"allowedTools" db:"allowed_tools"`
	Model          string   `json:"model" db:"model"`
	InitialPrompt  string   `json:"initialPrompt" db:"initial_prompt"`
	PlanFilePath   *string  `json:"planFilePath,omitempty" db:"plan_file_path"`
	Kind           Kind     `json:"kind" db:"kind"`

	// Not persisted on the session row itself, but resolved by the Runner
	// from the task/project the session belongs to.
	ProjectID string `json:"projectID,omitempty" db:"-"`
	TaskID    string `json:"taskID,omitempty" db:"-"`
	AgentID   string `json:"agentID,omitempty" db:"-"`
}

// IsClaimable reports whether a claim attempt against this status can
// succeed (mirrors the `status ∈ {idle, ended}` claim guard).
func (s Status) IsClaimable() bool {
	return s == StatusIdle || s == StatusEnded
}

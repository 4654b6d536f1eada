// Package adapter defines the uniform Agent Adapter surface (spec.md §4.2)
// that the Session Process drives, polymorphic over three dissimilar
// subprocess protocols. The capability set is closed and explicit per
// spec.md §9 "Dynamic unions & reflection": a tagged variant per adapter
// (internal/adapter/streamjson, .../jsonrpc, .../ttypoll) rather than
// open-ended interface composition, with optional capabilities expressed as
// separate interfaces the Session Process type-asserts for.
package adapter

import (
	"context"

	"github.com/agendo-io/supervisor/pkg/types"
)

// SpawnOptions carries everything the Session Runner resolved before
// instantiating an adapter: the effective prompt, working directory,
// environment, and optional MCP config path / initial image.
type SpawnOptions struct {
	Prompt        string
	Cwd           string
	Env           []string
	McpConfigPath string
	InitialImage  string
	Model         string
	PermissionMode string
}

// Event is one mapped Agendo event payload, the output of a Mapper.
type Event struct {
	Type    types.EventType
	Payload any

	// IsToolErrorResult is set by a mapper's tool_result translation when
	// the frame's own is_error flag was true. Combined with the tool-use id
	// already being in activeToolUseIds, this is the generic
	// interactive-tool detection rule (spec.md §4.3): the Session Process
	// marks the id pending-human-response and suppresses the ordinary
	// agent:tool-end in favor of an agent:ask-user card.
	IsToolErrorResult bool
}

// ApprovalRequest is what an adapter asks the Session Process to decide.
type ApprovalRequest struct {
	ToolUseID string
	ToolName  string
	ToolInput map[string]any
}

// ApprovalResult is the Session Process's answer, written back onto the
// wire in the adapter's native shape (e.g. a StreamJSON control_response).
type ApprovalResult struct {
	Decision     types.ApprovalDecision
	UpdatedInput map[string]any
}

// ApprovalHandler must be set via SetApprovalHandler before any tool call
// can fire; otherwise the approval path deadlocks (spec.md §4.2 invariant).
type ApprovalHandler func(ctx context.Context, req ApprovalRequest) (ApprovalResult, error)

// Adapter is the required capability set every variant implements.
type Adapter interface {
	// Spawn starts a fresh subprocess for a cold session. Returns once the
	// process is running; all protocol handshaking happens in background
	// goroutines feeding OnData/OnExit.
	Spawn(ctx context.Context, opts SpawnOptions) error

	// Resume starts a subprocess attached to a prior sessionRef (cold
	// resume). Warm resume — the process already alive — never calls this;
	// the Session Process just calls SendMessage again.
	Resume(ctx context.Context, sessionRef string, opts SpawnOptions) error

	// SendMessage delivers a follow-up user message to a live subprocess.
	SendMessage(ctx context.Context, text string, imageRef string) error

	// Interrupt asks the agent to stop its current turn without killing the
	// process. Returns once the adapter's native ack (or its timeout)
	// resolves; the Session Process then checks IsAlive.
	Interrupt(ctx context.Context) error

	// IsAlive reports whether the adapter can still send input and expect a
	// response — not merely whether the OS process is running.
	IsAlive() bool

	// Terminate sends a graceful stop signal (SIGTERM) and returns
	// immediately; the caller is responsible for escalating to Kill after a
	// timeout (spec.md §5 kill escalation).
	Terminate() error

	// Kill forcibly terminates the underlying process.
	Kill() error

	// PID returns the OS process id, or 0 before Spawn/Resume completes.
	PID() int

	// OnData registers the callback invoked for each parsed raw frame, in
	// arrival order. The adapter's internal reader goroutine calls this; the
	// handler itself must not block on anything but channel sends back to
	// the Session Process's single-threaded event loop.
	OnData(handler func(frame []byte))

	// OnExit registers the callback invoked exactly once when the
	// subprocess exits, with its exit code.
	OnExit(handler func(code int))

	// OnThinkingChange registers the callback invoked when the agent
	// transitions in or out of a thinking state, feeding agent:activity.
	OnThinkingChange(handler func(thinking bool))

	// SetApprovalHandler wires the tool-approval callback. Must be called
	// before Spawn/Resume.
	SetApprovalHandler(handler ApprovalHandler)
}

// ToolResultSender is an optional capability: adapters whose protocol
// accepts an out-of-band tool result for interactive tools (sendToolResult?).
type ToolResultSender interface {
	SendToolResult(ctx context.Context, toolUseID, content string) error
}

// PermissionModeSetter is an optional capability: adapters that can change
// permission mode in-place without a restart (setPermissionMode?).
type PermissionModeSetter interface {
	SetPermissionMode(ctx context.Context, mode string) error
}

// ModelSetter is an optional capability (setModel?).
type ModelSetter interface {
	SetModel(ctx context.Context, model string) error
}

// McpStatusGetter is an optional capability used by the Activity Tracker's
// MCP health ticker (getMcpStatus?).
type McpStatusGetter interface {
	GetMcpStatus(ctx context.Context) (map[string]string, error)
}

// SessionRefWatcher is an optional capability: adapters that learn their
// session identifier asynchronously (onSessionRef?) rather than returning
// it synchronously from Spawn. It fires at most once.
type SessionRefWatcher interface {
	OnSessionRef(handler func(ref string))
}

// Mapper is the pure per-adapter function spec.md §4.3 requires: one raw
// protocol frame in, zero or more uniform events out. Implementations live
// alongside each adapter variant and must never publish directly — the
// Session Process assigns eventSeq and publishes.
type Mapper func(frame []byte) ([]Event, error)

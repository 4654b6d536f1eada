// Package streamjson implements the Claude Code agent adapter variant
// (spec.md §4.2 item 1, §6): NDJSON frames over stdio, control_request/
// control_response permission frames, and an interrupt protocol that writes
// a control request and awaits a result frame for up to 3s. Grounded on
// other_examples/.../kdlbs-kandev/.../streamjson/adapter.go (pendingToolCalls,
// control_request/control_response handling, result-channel turn
// completion) and .../streamjson_mess.go (message/content-block shapes).
package streamjson

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/mcpstatus"
	"github.com/agendo-io/supervisor/internal/process"
)

// Options configures the Claude Code binary invocation.
type Options struct {
	Binary string // defaults to "claude"
}

// Adapter drives the `claude --input-format stream-json --output-format
// stream-json --verbose --include-partial-messages` protocol.
type Adapter struct {
	binary string

	mu               sync.Mutex
	proc             *process.ManagedProcess
	approvalHandler  adapter.ApprovalHandler
	dataHandler      func(frame []byte)
	exitHandler      func(code int)
	thinkingHandler  func(thinking bool)
	sessionRefFn     func(ref string)

	pendingInterrupt chan struct{}
	interruptAckCh   chan struct{}

	mcpChecker *mcpstatus.Checker

	carry []byte
}

// New constructs an unstarted adapter.
func New(opts Options) *Adapter {
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}
	return &Adapter{binary: binary}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.ToolResultSender = (*Adapter)(nil)
var _ adapter.SessionRefWatcher = (*Adapter)(nil)
var _ adapter.McpStatusGetter = (*Adapter)(nil)

// SetMcpChecker attaches the per-session MCP health checker built from the
// config file passed via --mcp-config. Called by the Session Runner right
// after construction, before Spawn; a nil checker (no MCP config) leaves
// GetMcpStatus reporting no servers, which the Activity Tracker treats as
// "nothing to check".
func (a *Adapter) SetMcpChecker(c *mcpstatus.Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mcpChecker = c
}

// GetMcpStatus implements adapter.McpStatusGetter by independently probing
// each configured MCP server (spec.md §4.4 startMcpHealthCheck), rather
// than trusting the stale snapshot from the init frame's mcp_servers list.
func (a *Adapter) GetMcpStatus(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	checker := a.mcpChecker
	a.mu.Unlock()
	if checker == nil {
		return nil, nil
	}
	return checker.CheckAll(ctx), nil
}

func (a *Adapter) SetApprovalHandler(h adapter.ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approvalHandler = h
}

func (a *Adapter) OnData(h func(frame []byte))         { a.mu.Lock(); a.dataHandler = h; a.mu.Unlock() }
func (a *Adapter) OnExit(h func(code int))              { a.mu.Lock(); a.exitHandler = h; a.mu.Unlock() }
func (a *Adapter) OnThinkingChange(h func(thinking bool)) { a.mu.Lock(); a.thinkingHandler = h; a.mu.Unlock() }
func (a *Adapter) OnSessionRef(h func(ref string))      { a.mu.Lock(); a.sessionRefFn = h; a.mu.Unlock() }

func (a *Adapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc == nil {
		return 0
	}
	return a.proc.PID()
}

func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	p := a.proc
	a.mu.Unlock()
	return p != nil && p.IsAlive()
}

func (a *Adapter) Kill() error {
	a.mu.Lock()
	p := a.proc
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Kill()
}

// Terminate sends a graceful SIGTERM; the Session Process escalates to Kill
// after its own grace window (spec.md §5 kill escalation).
func (a *Adapter) Terminate() error {
	a.mu.Lock()
	p := a.proc
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Terminate()
}

func (a *Adapter) Spawn(ctx context.Context, opts adapter.SpawnOptions) error {
	return a.spawn(ctx, opts, "")
}

func (a *Adapter) Resume(ctx context.Context, sessionRef string, opts adapter.SpawnOptions) error {
	return a.spawn(ctx, opts, sessionRef)
}

func (a *Adapter) spawn(ctx context.Context, opts adapter.SpawnOptions, resumeRef string) error {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.McpConfigPath != "" {
		args = append(args, "--mcp-config", opts.McpConfigPath)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if resumeRef != "" {
		args = append(args, "--resume", resumeRef)
	}

	proc, err := process.Spawn(ctx, a.binary, args, process.SpawnOptions{Dir: opts.Cwd, Env: opts.Env})
	if err != nil {
		return fmt.Errorf("streamjson: spawn: %w", err)
	}

	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()

	go a.readLoop(proc)
	go func() {
		<-proc.Exited()
		a.mu.Lock()
		h := a.exitHandler
		a.mu.Unlock()
		if h != nil {
			h(proc.ExitCode())
		}
	}()

	initial := buildUserFrame(opts.Prompt, opts.InitialImage)
	if err := proc.WriteLine(initial); err != nil {
		return fmt.Errorf("streamjson: initial prompt write: %w", err)
	}
	return nil
}

// readLoop implements the carry-over NDJSON line buffer: chunks are
// concatenated and split on newline, retaining the trailing partial
// fragment across reads (spec.md §4.1 "Stdout line buffering").
func (a *Adapter) readLoop(proc *process.ManagedProcess) {
	for chunk := range proc.Stdout() {
		a.carry = append(a.carry, chunk...)
		for {
			idx := indexByte(a.carry, '\n')
			if idx < 0 {
				break
			}
			line := a.carry[:idx]
			a.carry = a.carry[idx+1:]
			if len(line) == 0 {
				continue
			}
			a.handleLine(line)
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (a *Adapter) handleLine(line []byte) {
	var frame rawFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		// Non-JSON lines never reach subscribers raw (spec.md §7.3); the
		// caller's mapper is responsible for system:info/agent:text framing
		// of whatever OnData chooses to forward for non-JSON content. Here
		// we simply drop: NDJSON output from claude is JSON-only by design.
		logging.Warn().Str("adapter", "streamjson").Msg("dropping unparsable line")
		return
	}

	if frame.Type == "control_request" {
		a.handleControlRequest(line)
		return
	}
	if frame.Type == "control_response" && frame.Subtype == "interrupt_ack" {
		a.mu.Lock()
		ch := a.interruptAckCh
		a.mu.Unlock()
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		return
	}

	a.mu.Lock()
	h := a.dataHandler
	sessionRefFn := a.sessionRefFn
	a.mu.Unlock()

	if frame.Type == "system" && frame.Subtype == "init" && sessionRefFn != nil && frame.SessionID != "" {
		sessionRefFn(frame.SessionID)
	}

	if h != nil {
		h(line)
	}
}

type rawFrame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

func (a *Adapter) handleControlRequest(line []byte) {
	var req controlRequestFrame
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	if req.Request.Subtype != "can_use_tool" {
		return
	}

	a.mu.Lock()
	handler := a.approvalHandler
	proc := a.proc
	a.mu.Unlock()

	if handler == nil || proc == nil {
		return
	}

	go func() {
		result, err := handler(context.Background(), adapter.ApprovalRequest{
			ToolUseID: req.Request.ToolUseID,
			ToolName:  req.Request.ToolName,
			ToolInput: req.Request.Input,
		})
		behavior := "deny"
		var updated map[string]any
		if err == nil {
			switch result.Decision {
			case "allow", "allow-session":
				behavior = "allow"
				updated = result.UpdatedInput
			}
		}
		resp := controlResponseFrame{
			Type:      "control_response",
			RequestID: req.RequestID,
		}
		resp.Response.Subtype = "success"
		resp.Response.Result.Behavior = behavior
		resp.Response.Result.UpdatedInput = updated
		encoded, merr := json.Marshal(resp)
		if merr == nil {
			_ = proc.WriteLine(string(encoded))
		}
	}()
}

type controlRequestFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string         `json:"subtype"`
		ToolUseID string         `json:"tool_use_id"`
		ToolName  string         `json:"tool_name"`
		Input     map[string]any `json:"input"`
	} `json:"request"`
}

type controlResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Response  struct {
		Subtype string `json:"subtype"`
		Result  struct {
			Behavior     string         `json:"behavior"`
			UpdatedInput map[string]any `json:"updatedInput,omitempty"`
		} `json:"result"`
	} `json:"response"`
}

func buildUserFrame(text, imageRef string) string {
	content := []map[string]any{{"type": "text", "text": text}}
	if imageRef != "" {
		content = append(content, map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "file", "path": imageRef},
		})
	}
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	encoded, _ := json.Marshal(frame)
	return string(encoded)
}

func (a *Adapter) SendMessage(ctx context.Context, text, imageRef string) error {
	a.mu.Lock()
	p := a.proc
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("streamjson: not spawned")
	}
	return p.WriteLine(buildUserFrame(text, imageRef))
}

func (a *Adapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	a.mu.Lock()
	p := a.proc
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("streamjson: not spawned")
	}
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{{
				"type":        "tool_result",
				"tool_use_id": toolUseID,
				"content":     content,
			}},
		},
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return p.WriteLine(string(encoded))
}

// Interrupt writes an interrupt control request and waits up to 3s for an
// ack frame (spec.md §4.2 item 1); if none arrives the process is
// considered dead and the caller should check IsAlive.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	p := a.proc
	ack := make(chan struct{}, 1)
	a.interruptAckCh = ack
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("streamjson: not spawned")
	}

	req := map[string]any{
		"type":       "control_request",
		"request_id": uuid.New().String(),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := p.WriteLine(string(encoded)); err != nil {
		return err
	}

	select {
	case <-ack:
		return nil
	case <-time.After(3 * time.Second):
		return fmt.Errorf("streamjson: interrupt ack timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package jsonrpc implements the Codex agent adapter variant (spec.md §4.2
// item 2, §6): a JSON-RPC 2.0-like protocol (the "jsonrpc" field is
// omitted) over newline-delimited stdio, multiplexing request/response
// pairs by id over a single transport. initialize/initialized handshake,
// then thread/start (sessionRef = thread id) and turn/start per message;
// turn/interrupt and turn/steer round out control. Notifications
// (item.started, item.completed, turn.completed, turn.failed,
// item/agentMessage/delta, item/commandExecution/outputDelta, ...) are
// mapped to uniform events by Map.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/process"
)

// Options configures the Codex app-server binary invocation.
type Options struct {
	Binary string // defaults to "app-server"
}

// Adapter drives Codex's app-server over stdio JSON-RPC.
type Adapter struct {
	binary string

	mu              sync.Mutex
	proc            *process.ManagedProcess
	approvalHandler adapter.ApprovalHandler
	dataHandler     func(frame []byte)
	exitHandler     func(code int)
	thinkingHandler func(thinking bool)
	sessionRefFn    func(ref string)

	threadID string

	nextID  atomic.Int64
	pending map[int64]chan rpcMessage
	pendMu  sync.Mutex

	carry []byte
}

// New constructs an unstarted adapter.
func New(opts Options) *Adapter {
	binary := opts.Binary
	if binary == "" {
		binary = "app-server"
	}
	return &Adapter{binary: binary, pending: make(map[int64]chan rpcMessage)}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.SessionRefWatcher = (*Adapter)(nil)

func (a *Adapter) SetApprovalHandler(h adapter.ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approvalHandler = h
}
func (a *Adapter) OnData(h func(frame []byte))            { a.mu.Lock(); a.dataHandler = h; a.mu.Unlock() }
func (a *Adapter) OnExit(h func(code int))                { a.mu.Lock(); a.exitHandler = h; a.mu.Unlock() }
func (a *Adapter) OnThinkingChange(h func(thinking bool))  { a.mu.Lock(); a.thinkingHandler = h; a.mu.Unlock() }
func (a *Adapter) OnSessionRef(h func(ref string))         { a.mu.Lock(); a.sessionRefFn = h; a.mu.Unlock() }

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

// Terminate sends a graceful SIGTERM to the app-server process; the Session
// Process escalates to Kill after its own grace window.
func (a *Adapter) Terminate() error {
	a.mu.Lock()
	p := a.proc
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Terminate()
}

type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) Spawn(ctx context.Context, opts adapter.SpawnOptions) error {
	return a.spawn(ctx, opts, "")
}

func (a *Adapter) Resume(ctx context.Context, sessionRef string, opts adapter.SpawnOptions) error {
	return a.spawn(ctx, opts, sessionRef)
}

func (a *Adapter) spawn(ctx context.Context, opts adapter.SpawnOptions, resumeRef string) error {
	proc, err := process.Spawn(ctx, a.binary, nil, process.SpawnOptions{Dir: opts.Cwd, Env: opts.Env})
	if err != nil {
		return fmt.Errorf("jsonrpc: spawn: %w", err)
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

	if _, err := a.call(ctx, "initialize", map[string]any{}); err != nil {
		return fmt.Errorf("jsonrpc: initialize: %w", err)
	}
	if err := a.notify("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("jsonrpc: initialized: %w", err)
	}

	if resumeRef != "" {
		if _, err := a.call(ctx, "thread/resume", map[string]any{"threadId": resumeRef}); err != nil {
			return fmt.Errorf("jsonrpc: thread/resume: %w", err)
		}
		a.mu.Lock()
		a.threadID = resumeRef
		a.mu.Unlock()
	} else {
		result, err := a.call(ctx, "thread/start", map[string]any{})
		if err != nil {
			return fmt.Errorf("jsonrpc: thread/start: %w", err)
		}
		var started struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(result, &started)
		a.mu.Lock()
		a.threadID = started.ThreadID
		fn := a.sessionRefFn
		a.mu.Unlock()
		if fn != nil && started.ThreadID != "" {
			fn(started.ThreadID)
		}
	}

	return a.SendMessage(ctx, opts.Prompt, opts.InitialImage)
}

func (a *Adapter) readLoop(proc *process.ManagedProcess) {
	for chunk := range proc.Stdout() {
		a.carry = append(a.carry, chunk...)
		for {
			idx := -1
			for i, b := range a.carry {
				if b == '\n' {
					idx = i
					break
				}
			}
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

func (a *Adapter) handleLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		logging.Warn().Str("adapter", "jsonrpc").Msg("dropping unparsable line")
		return
	}

	if msg.ID != nil && msg.Method == "" {
		a.pendMu.Lock()
		ch, ok := a.pending[*msg.ID]
		if ok {
			delete(a.pending, *msg.ID)
		}
		a.pendMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	a.mu.Lock()
	h := a.dataHandler
	a.mu.Unlock()
	if h != nil {
		h(line)
	}
}

func (a *Adapter) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil, fmt.Errorf("jsonrpc: not spawned")
	}

	id := a.nextID.Add(1)
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := rpcMessage{ID: &id, Method: method, Params: encodedParams}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan rpcMessage, 1)
	a.pendMu.Lock()
	a.pending[id] = replyCh
	a.pendMu.Unlock()

	if err := proc.WriteLine(string(encoded)); err != nil {
		a.pendMu.Lock()
		delete(a.pending, id)
		a.pendMu.Unlock()
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			return nil, fmt.Errorf("jsonrpc: %s: %s", method, reply.Error.Message)
		}
		return reply.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		a.pendMu.Lock()
		delete(a.pending, id)
		a.pendMu.Unlock()
		return nil, fmt.Errorf("jsonrpc: %s: timeout", method)
	}
}

func (a *Adapter) notify(method string, params any) error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("jsonrpc: not spawned")
	}
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(rpcMessage{Method: method, Params: encodedParams})
	if err != nil {
		return err
	}
	return proc.WriteLine(string(encoded))
}

func (a *Adapter) SendMessage(ctx context.Context, text, imageRef string) error {
	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()
	params := map[string]any{"threadId": threadID, "input": text}
	if imageRef != "" {
		params["imageRef"] = imageRef
	}
	_, err := a.call(ctx, "turn/start", params)
	return err
}

// Interrupt issues turn/interrupt on the current thread.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()
	_, err := a.call(ctx, "turn/interrupt", map[string]any{"threadId": threadID})
	return err
}

// Steer issues turn/steer, available for mid-turn steering per spec.md §4.2.
func (a *Adapter) Steer(ctx context.Context, text string) error {
	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()
	_, err := a.call(ctx, "turn/steer", map[string]any{"threadId": threadID, "input": text})
	return err
}

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agendo-io/supervisor/internal/activity"
	"github.com/agendo-io/supervisor/internal/adapter"
	agentmatch "github.com/agendo-io/supervisor/internal/agent"
	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/logwriter"
	"github.com/agendo-io/supervisor/internal/permission"
	"github.com/agendo-io/supervisor/internal/session"
	"github.com/agendo-io/supervisor/pkg/types"
)

// approvalGatedTools must always prompt a human regardless of permission
// mode (spec.md GLOSSARY "Approval-gated tool").
var approvalGatedTools = map[string]bool{
	"ExitPlanMode": true,
}

// humanInteractionTools are auto-allowed so the UI card flow takes over
// (spec.md §4.5 gating rule 1).
var humanInteractionTools = map[string]bool{
	"AskUserQuestion": true,
}

// Store is the persistence surface the Session Process needs. *storage.Store
// satisfies it; tests pass an in-memory fake.
type Store interface {
	Claim(ctx context.Context, sessionID, workerID string) (eventSeq int64, ok bool, err error)
	NextEventID(ctx context.Context, sessionID string) (int64, error)
	InsertEvent(ctx context.Context, ev *types.AgendoEvent) error
	SetStatus(ctx context.Context, sessionID string, status types.Status) error
	SetPID(ctx context.Context, sessionID string, pid int) error
	SetHeartbeat(ctx context.Context, sessionID string) error
	SetSessionRef(ctx context.Context, sessionID string, ref *string) error
	RecordResult(ctx context.Context, sessionID string, addCostUsd float64, addTurns int) error
	AddAllowedTool(ctx context.Context, sessionID, toolName string) error
	SetPermissionMode(ctx context.Context, sessionID, mode string) error
	SetModel(ctx context.Context, sessionID, model string) error
	SetPlanFilePath(ctx context.Context, sessionID string, path *string) error
	ClearContextRestart(ctx context.Context, sessionID, newPrompt, permissionMode string) error
	SetLogFilePath(ctx context.Context, sessionID, path string) error
}

// Bus is the publish surface the Session Process needs. *event.Bus
// satisfies it.
type Bus interface {
	Publish(ctx context.Context, channel string, msg any)
}

// BusSubscriber additionally lets the Session Runner attach a session's
// control-channel listener; Process itself only ever publishes. *event.Bus
// satisfies it.
type BusSubscriber interface {
	Bus
	Subscribe(channel string, fn event.Subscriber) (token string, cancel func())
}

// Reenqueuer is the external work queue's consumed interface (spec.md §6):
// enqueue({sessionId, resumeRef?}) -> (). resumeRef is nil for a
// clear-context restart.
type Reenqueuer interface {
	Enqueue(sessionID string, resumeRef *string) error
}

// Notifier delivers the collaborator callbacks spec.md §6 names:
// sendPushToAll on awaiting_input, resetRecoveryCount on the same, and the
// team-leader inbox monitor toggle.
type Notifier interface {
	SendPushToAll(title, body, url string)
	ResetRecoveryCount(sessionID string)
}

// StartOptions is everything the Session Runner resolved before calling
// Start (spec.md §4.1 start(...)).
type StartOptions struct {
	Prompt         string
	ResumeRef      string // empty for a cold spawn
	Cwd            string
	EnvOverrides   []string
	McpConfigPath  string
	InitialImage   string
	DisplayText    string
	Model          string
	PermissionMode string
	AllowedTools   []string
	IdleTimeoutSec int
	IsTeamLeader   bool
}

// Options configures the intervals and collaborators a Process needs that
// are not resolved per-start.
type Options struct {
	WorkerID        string
	HeartbeatEvery  time.Duration
	McpHealthEvery  time.Duration
	DeltaBatchEvery time.Duration
	ApprovalTimeout time.Duration
	SigkillAfter    time.Duration
	InterruptGrace  time.Duration

	Store      Store
	Bus        Bus
	LogWriter  *logwriter.Writer
	Adapter    adapter.Adapter
	Mapper     adapter.Mapper
	PlanWatch  *session.PlanWatcher // nil disables plan-file capture
	Reenqueue  Reenqueuer           // nil disables restart re-enqueue
	Notify     Notifier             // nil disables push/recovery callbacks
}

// Process is the Session Process state machine (spec.md §4.1): one instance
// per claimed session, owning exactly one adapter, log writer, activity
// tracker, and approval checker for the claim's lifetime.
type Process struct {
	id       string
	workerID string

	store     Store
	bus       Bus
	logw      *logwriter.Writer
	ad        adapter.Adapter
	mapFn     adapter.Mapper
	tracker   *activity.Tracker
	checker   *permission.Checker
	doomLoop  *permission.DoomLoopDetector
	planWatch *session.PlanWatcher
	reenqueue Reenqueuer
	notify    Notifier

	approvalTimeout time.Duration
	sigkillAfter    time.Duration
	interruptGrace  time.Duration

	mu             sync.Mutex
	status         types.Status
	sessionRef     string
	permissionMode string
	allowedTools   []string
	bashPerms      map[string]permission.PermissionAction
	model          string
	idleTimeoutSec int
	planFilePath   *string

	activeToolUseIds        map[string]bool
	toolInputs              map[string]map[string]any
	pendingHumanResponseIds map[string]bool
	suppressedToolUseIds    map[string]bool

	cancelKilled       bool
	terminateKilled    bool
	idleTimeoutKilled  bool
	interruptKilled    bool
	modeChangeRestart  bool
	clearContextRestart bool

	sigkillTimer *time.Timer

	controlMu sync.Mutex // serializes OnControl handling per session (spec.md §9 open question)

	exitHandled  atomicBool
	slotOnce     sync.Once
	slotCh       chan struct{}
	exitOnce     sync.Once
	exitCh       chan struct{}
	exitCode     int
}

// atomicBool is a tiny CAS-guard; sync/atomic.Bool would do but this keeps
// the dependency surface to what's already imported.
type atomicBool struct {
	mu  sync.Mutex
	set bool
}

func (b *atomicBool) CompareAndSwap(old, new bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set != old {
		return false
	}
	b.set = new
	return true
}

// New constructs a Process for sessionID. The returned Process does nothing
// until Start is called.
func New(sessionID string, opts Options) *Process {
	p := &Process{
		id:                      sessionID,
		workerID:                opts.WorkerID,
		store:                   opts.Store,
		bus:                     opts.Bus,
		logw:                    opts.LogWriter,
		ad:                      opts.Adapter,
		mapFn:                   opts.Mapper,
		checker:                 permission.NewChecker(),
		doomLoop:                permission.NewDoomLoopDetector(),
		bashPerms:               make(map[string]permission.PermissionAction),
		planWatch:               opts.PlanWatch,
		reenqueue:               opts.Reenqueue,
		notify:                  opts.Notify,
		approvalTimeout:         nonZero(opts.ApprovalTimeout, 5*time.Minute),
		sigkillAfter:            nonZero(opts.SigkillAfter, 5*time.Second),
		interruptGrace:          nonZero(opts.InterruptGrace, 3*time.Second),
		activeToolUseIds:        make(map[string]bool),
		toolInputs:              make(map[string]map[string]any),
		pendingHumanResponseIds: make(map[string]bool),
		suppressedToolUseIds:    make(map[string]bool),
		slotCh:                  make(chan struct{}),
		exitCh:                  make(chan struct{}),
	}

	p.tracker = activity.New(activity.Config{
		HeartbeatInterval: nonZero(opts.HeartbeatEvery, 30*time.Second),
		McpHealthInterval: nonZero(opts.McpHealthEvery, 60*time.Second),
		DeltaInterval:     nonZero(opts.DeltaBatchEvery, 200*time.Millisecond),
		OnIdleTimeout:     p.onIdleTimeout,
		OnSilentCrash:     p.onSilentCrash,
		OnHeartbeat:       p.onHeartbeat,
		OnMcpStatus:       p.onMcpStatus,
		OnTextFlush:       p.onTextFlush,
		OnThinkingFlush:   p.onThinkingFlush,
	})
	return p
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// ID returns the session id this Process supervises.
func (p *Process) ID() string { return p.id }

// Start performs the atomic claim and, if it succeeds, spawns or resumes
// the adapter (spec.md §4.1 start()).
func (p *Process) Start(ctx context.Context, opts StartOptions) error {
	_, ok, err := p.store.Claim(ctx, p.id, p.workerID)
	if err != nil {
		return fmt.Errorf("claim session %s: %w", p.id, err)
	}
	if !ok {
		logging.Info().Str("session_id", p.id).Msg("already claimed — skipping")
		p.resolveSlotRelease()
		p.resolveExit(0)
		return nil
	}

	p.mu.Lock()
	p.status = types.StatusActive
	p.permissionMode = opts.PermissionMode
	p.allowedTools = append([]string(nil), opts.AllowedTools...)
	p.model = opts.Model
	p.idleTimeoutSec = opts.IdleTimeoutSec
	p.mu.Unlock()
	p.tracker.SetIdleTimeout(time.Duration(opts.IdleTimeoutSec) * time.Second)

	p.ad.SetApprovalHandler(p.handleApprovalRequest)
	p.ad.OnData(p.onFrame)
	p.ad.OnExit(p.onExit)
	p.ad.OnThinkingChange(p.onThinkingChange)
	if w, ok := p.ad.(adapter.SessionRefWatcher); ok {
		w.OnSessionRef(p.onSessionRef)
	}

	spawnOpts := adapter.SpawnOptions{
		Prompt:         opts.Prompt,
		Cwd:            opts.Cwd,
		Env:            opts.EnvOverrides,
		McpConfigPath:  opts.McpConfigPath,
		InitialImage:   opts.InitialImage,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
	}

	var spawnErr error
	if opts.ResumeRef != "" {
		p.mu.Lock()
		p.sessionRef = opts.ResumeRef
		p.mu.Unlock()
		spawnErr = p.ad.Resume(ctx, opts.ResumeRef, spawnOpts)
	} else {
		spawnErr = p.ad.Spawn(ctx, spawnOpts)
	}
	if spawnErr != nil {
		p.emit(ctx, types.EventSystemError, types.SystemErrorPayload{
			Message: "failed to start agent: " + spawnErr.Error(),
		})
		p.transitionTo(ctx, types.StatusEnded)
		p.resolveSlotRelease()
		p.resolveExit(-1)
		return nil
	}

	_ = p.store.SetPID(ctx, p.id, p.ad.PID())
	p.tracker.StartHeartbeat(p.ad.IsAlive)
	if fetch := p.mcpStatusFetcher(); fetch != nil {
		p.tracker.StartMcpHealthCheck(fetch)
	}
	if opts.IsTeamLeader && p.notify != nil {
		// Team inbox polling is an external collaborator per spec.md §6;
		// the hook point exists here for a concrete implementation to wire.
	}
	return nil
}

// WaitForSlotRelease resolves no later than the first awaiting_input
// transition or process exit, whichever comes first (spec.md P6).
func (p *Process) WaitForSlotRelease() {
	<-p.slotCh
}

// WaitForExit resolves on final process exit and returns the exit code (0
// for a claim-conflict no-op, -1 for a spawn failure).
func (p *Process) WaitForExit() int {
	<-p.exitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) resolveSlotRelease() {
	p.slotOnce.Do(func() { close(p.slotCh) })
}

func (p *Process) resolveExit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.exitCh)
	})
}

// MarkTerminating sets terminateKilled synchronously, with no yield between
// flag-set and the caller's subsequent signal-send, so a concurrent process
// exit on SIGTERM-to-process-group can't race the flag (spec.md §9).
func (p *Process) MarkTerminating() {
	p.mu.Lock()
	if !p.anyKillFlagLocked() {
		p.terminateKilled = true
	}
	p.mu.Unlock()
}

func (p *Process) anyKillFlagLocked() bool {
	return p.cancelKilled || p.terminateKilled || p.idleTimeoutKilled || p.interruptKilled
}

// Terminate sends a graceful stop and escalates to SIGKILL after the grace
// window (spec.md §5 worker-shutdown kill escalation / restart paths).
func (p *Process) Terminate() {
	p.MarkTerminating()
	_ = p.ad.Terminate()
	p.armSigkillEscalation()
}

func (p *Process) armSigkillEscalation() {
	p.mu.Lock()
	if p.sigkillTimer != nil {
		p.sigkillTimer.Stop()
	}
	p.sigkillTimer = time.AfterFunc(p.sigkillAfter, func() {
		if p.ad.IsAlive() {
			_ = p.ad.Kill()
		}
	})
	p.mu.Unlock()
}

func (p *Process) cancelSigkillTimer() {
	p.mu.Lock()
	if p.sigkillTimer != nil {
		p.sigkillTimer.Stop()
		p.sigkillTimer = nil
	}
	p.mu.Unlock()
}

// PushMessage forwards a follow-up user message (spec.md §4.1 pushMessage).
// The emit+transition happen before the adapter call so a blocking
// SendMessage can't race its own thinking callback.
func (p *Process) PushMessage(ctx context.Context, text, imageRef string) error {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status != types.StatusActive && status != types.StatusAwaitingInput {
		return fmt.Errorf("pushMessage: session %s is %s, not active/awaiting_input", p.id, status)
	}

	p.emit(ctx, types.EventUserMessage, types.UserMessagePayload{Text: text, ImageRef: imageRef})
	p.transitionTo(ctx, types.StatusActive)
	p.tracker.RecordActivity()

	return p.ad.SendMessage(ctx, text, imageRef)
}

// PushToolResult forwards a tool result for an interactive tool (spec.md
// §4.1 pushToolResult). If the id was already marked pending-human-response
// (the mapper's is_error back-channel already consumed the agent's native
// result), this synthesizes the UI-visible tool-end plus a user:message
// carrying only the answer values, instead of forwarding raw JSON.
func (p *Process) PushToolResult(ctx context.Context, toolUseID, content string) error {
	p.mu.Lock()
	pending := p.pendingHumanResponseIds[toolUseID]
	if pending {
		delete(p.pendingHumanResponseIds, toolUseID)
		delete(p.activeToolUseIds, toolUseID)
	}
	p.mu.Unlock()

	if pending {
		p.emit(ctx, types.EventAgentToolEnd, types.AgentToolEndPayload{ToolUseID: toolUseID, Content: content})
		return p.PushMessage(ctx, extractAnswerValues(content), "")
	}

	sender, ok := p.ad.(adapter.ToolResultSender)
	if !ok {
		return fmt.Errorf("pushToolResult: adapter does not support out-of-band tool results")
	}
	return sender.SendToolResult(ctx, toolUseID, content)
}

func extractAnswerValues(content string) string {
	var m map[string]string
	if err := json.Unmarshal([]byte(content), &m); err == nil && len(m) > 0 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vals := make([]string, 0, len(m))
		for _, k := range keys {
			vals = append(vals, m[k])
		}
		return strings.Join(vals, ", ")
	}
	return content
}

// emit assigns the next eventSeq, persists the event, publishes it, and
// appends a human-readable line to the session log. Publish/DB failures are
// logged and swallowed (spec.md §7.4) — raw content must not leak, but a
// transient persistence error must not wedge the supervisor.
func (p *Process) emit(ctx context.Context, evType types.EventType, payload any) *types.AgendoEvent {
	id, err := p.store.NextEventID(ctx, p.id)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", p.id).Msg("failed to assign event id, dropping emit")
		return nil
	}
	ev := &types.AgendoEvent{ID: id, SessionID: p.id, Ts: time.Now().UnixMilli(), Type: evType, Payload: payload}

	if err := p.store.InsertEvent(ctx, ev); err != nil {
		logging.Warn().Err(err).Str("session_id", p.id).Int64("event_id", id).Msg("failed to persist event")
	}
	p.bus.Publish(ctx, event.EventsChannel(p.id), ev)
	p.logTextual(evType, payload)
	return ev
}

// logTextual appends the human-readable stream-log line for event types the
// log file's append-only transcript is meant to capture (spec.md §6); delta
// events are excluded because the eventual complete text/thinking event is
// the source of truth.
func (p *Process) logTextual(evType types.EventType, payload any) {
	if p.logw == nil {
		return
	}
	switch v := payload.(type) {
	case types.UserMessagePayload:
		_ = p.logw.Append(logwriter.StreamUser, v.Text)
	case types.SystemInfoPayload:
		_ = p.logw.Append(logwriter.StreamSystem, v.Message)
	case types.SystemErrorPayload:
		_ = p.logw.Append(logwriter.StreamSystem, v.Message)
	case types.AgentTextPayload:
		_ = p.logw.Append(logwriter.StreamStdout, v.Text)
	}
	_ = evType
}

// transitionTo updates in-memory + persisted status and emits session:state.
// Re-emitting the current status is a deliberate no-op on the state machine
// but still writes (spec.md §8 L1) so subscribers reconnecting mid-turn see
// a fresh row.
func (p *Process) transitionTo(ctx context.Context, status types.Status) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	if err := p.store.SetStatus(ctx, p.id, status); err != nil {
		logging.Warn().Err(err).Str("session_id", p.id).Msg("failed to persist status transition")
	}
	p.emit(ctx, types.EventSessionState, types.SessionStatePayload{Status: status})

	switch status {
	case types.StatusAwaitingInput:
		p.tracker.ArmIdleTimer()
		p.resolveSlotRelease()
		if p.notify != nil {
			p.notify.ResetRecoveryCount(p.id)
			p.notify.SendPushToAll("Agendo", "Waiting for your input", "")
		}
	default:
		p.tracker.DisarmIdleTimer()
	}
}

func (p *Process) onSessionRef(ref string) {
	p.mu.Lock()
	p.sessionRef = ref
	p.mu.Unlock()
	_ = p.store.SetSessionRef(context.Background(), p.id, &ref)
}

func (p *Process) onThinkingChange(thinking bool) {
	p.emit(context.Background(), types.EventAgentActivity, types.AgentActivityPayload{Thinking: thinking})
}

func (p *Process) onHeartbeat() {
	_ = p.store.SetHeartbeat(context.Background(), p.id)
}

func (p *Process) onMcpStatus(server, status string) {
	p.emit(context.Background(), types.EventSystemMcpStatus, types.SystemMcpStatusPayload{Server: server, Status: status})
}

func (p *Process) onTextFlush(text string) {
	p.emit(context.Background(), types.EventAgentTextDelta, types.AgentTextDeltaPayload{Delta: text})
}

func (p *Process) onThinkingFlush(text string) {
	p.emit(context.Background(), types.EventAgentThinkingDelta, types.AgentThinkingDeltaPayload{Delta: text})
}

func (p *Process) mcpStatusFetcher() activity.McpStatusFetcher {
	getter, ok := p.ad.(adapter.McpStatusGetter)
	if !ok {
		return nil
	}
	return func() map[string]string {
		statuses, err := getter.GetMcpStatus(context.Background())
		if err != nil {
			return nil
		}
		return statuses
	}
}

// onIdleTimeout fires when the idle timer expires while awaiting_input
// (spec.md §8 scenario 3).
func (p *Process) onIdleTimeout() {
	ctx := context.Background()
	p.mu.Lock()
	secs := p.idleTimeoutSec
	p.mu.Unlock()
	p.emit(ctx, types.EventSystemInfo, types.SystemInfoPayload{
		Message: fmt.Sprintf("Idle timeout after %ds. Suspending session.", secs),
	})
	p.mu.Lock()
	p.idleTimeoutKilled = true
	p.mu.Unlock()
	_ = p.ad.Terminate()
	p.armSigkillEscalation()
}

// onSilentCrash is invoked by the heartbeat's liveness probe on ESRCH;
// exitHandled makes the real onExit idempotent against this synthetic path
// (spec.md §7.6, L2).
func (p *Process) onSilentCrash() {
	p.onExit(-1)
}

// onFrame is the adapter's OnData callback: it appends the raw line to the
// session log (so the transcript survives even a mapper bug), then maps it
// to zero or more uniform events.
func (p *Process) onFrame(frame []byte) {
	if p.logw != nil {
		_ = p.logw.Append(logwriter.StreamStdout, string(frame))
	}
	if p.mapFn == nil {
		return
	}
	events, err := p.mapFn(frame)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", p.id).Str("line", truncate(string(frame), 200)).
			Msg("failed to map agent frame, dropping")
		return
	}
	ctx := context.Background()
	for _, ev := range events {
		p.handleMappedEvent(ctx, ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// handleMappedEvent routes one mapper output through tool-use bookkeeping,
// delta batching, the interactive-tool detection rule, and state
// transitions, before deciding whether (and as what) to emit.
func (p *Process) handleMappedEvent(ctx context.Context, ev adapter.Event) {
	switch ev.Type {
	case types.EventAgentTextDelta:
		payload, _ := ev.Payload.(types.AgentTextDeltaPayload)
		p.tracker.AppendDelta(payload.Delta)
		return
	case types.EventAgentThinkingDelta:
		payload, _ := ev.Payload.(types.AgentThinkingDeltaPayload)
		p.tracker.AppendThinkingDelta(payload.Delta)
		return
	case types.EventAgentText, types.EventAgentThinking:
		p.tracker.ClearDeltaBuffers()
		p.emit(ctx, ev.Type, ev.Payload)
		return
	case types.EventAgentToolStart:
		p.handleToolStart(ctx, ev)
		return
	case types.EventAgentToolEnd:
		p.handleToolEnd(ctx, ev)
		return
	case types.EventAgentResult:
		p.handleResult(ctx, ev)
		return
	default:
		p.emit(ctx, ev.Type, ev.Payload)
	}
}

func (p *Process) handleToolStart(ctx context.Context, ev adapter.Event) {
	payload, _ := ev.Payload.(types.AgentToolStartPayload)

	p.mu.Lock()
	p.activeToolUseIds[payload.ToolUseID] = true
	p.toolInputs[payload.ToolUseID] = payload.Input
	gated := approvalGatedTools[payload.ToolName]
	if gated {
		p.suppressedToolUseIds[payload.ToolUseID] = true
	}
	p.mu.Unlock()

	if payload.ToolName == "ExitPlanMode" && p.planWatch != nil {
		if path := p.planWatch.Latest(); path != "" {
			p.mu.Lock()
			p.planFilePath = &path
			p.mu.Unlock()
			_ = p.store.SetPlanFilePath(ctx, p.id, &path)
		}
	}

	if gated {
		return
	}
	p.emit(ctx, types.EventAgentToolStart, payload)
}

func (p *Process) handleToolEnd(ctx context.Context, ev adapter.Event) {
	payload, _ := ev.Payload.(types.AgentToolEndPayload)
	id := payload.ToolUseID

	p.mu.Lock()
	active := p.activeToolUseIds[id]
	suppressed := p.suppressedToolUseIds[id]
	p.mu.Unlock()

	if ev.IsToolErrorResult && active {
		p.mu.Lock()
		p.pendingHumanResponseIds[id] = true
		input := p.toolInputs[id]
		p.mu.Unlock()
		p.emit(ctx, types.EventAgentAskUser, types.AgentAskUserPayload{
			RequestID: id,
			Questions: questionsFromInput(input),
		})
		return
	}

	p.mu.Lock()
	delete(p.activeToolUseIds, id)
	delete(p.suppressedToolUseIds, id)
	p.mu.Unlock()

	if suppressed {
		return
	}
	p.emit(ctx, types.EventAgentToolEnd, payload)
}

func questionsFromInput(input map[string]any) []string {
	if input == nil {
		return nil
	}
	if qs, ok := input["questions"].([]any); ok {
		out := make([]string, 0, len(qs))
		for _, q := range qs {
			if s, ok := q.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// handleResult processes agent:result: persists cost/turns, then advances
// active/awaiting_input -> awaiting_input unless an interrupt is already
// winding the process down (spec.md §4.1 state table).
func (p *Process) handleResult(ctx context.Context, ev adapter.Event) {
	payload, _ := ev.Payload.(types.AgentResultPayload)
	_ = p.store.RecordResult(ctx, p.id, payload.CostUsd, payload.Turns)
	p.emit(ctx, types.EventAgentResult, payload)

	p.mu.Lock()
	interrupting := p.cancelKilled || p.interruptKilled || p.terminateKilled
	p.mu.Unlock()
	if interrupting {
		return
	}
	p.transitionTo(ctx, types.StatusAwaitingInput)
}

// onExit is the adapter's OnExit callback; exitHandled makes it idempotent
// against a concurrent onSilentCrash (spec.md §7.6, L2).
func (p *Process) onExit(code int) {
	if !p.exitHandled.CompareAndSwap(false, true) {
		return
	}
	p.tracker.StopAllTimers()
	p.cancelSigkillTimer()

	ctx := context.Background()

	p.mu.Lock()
	cancel := p.cancelKilled
	terminate := p.terminateKilled
	idleK := p.idleTimeoutKilled
	interK := p.interruptKilled
	modeRestart := p.modeChangeRestart
	clearRestart := p.clearContextRestart
	ref := p.sessionRef
	p.mu.Unlock()

	p.cleanupActiveTools(ctx, "[Interrupted by user]")

	var next types.Status
	switch {
	case cancel:
		next = types.StatusEnded
	case terminate, idleK, interK, modeRestart, clearRestart:
		next = types.StatusIdle
	case code == 0:
		next = types.StatusIdle
	default:
		next = types.StatusEnded
		p.emit(ctx, types.EventSystemError, types.SystemErrorPayload{
			Message: fmt.Sprintf("agent process exited with code %d", code),
		})
	}

	p.transitionTo(ctx, next)

	if (modeRestart || clearRestart) && p.reenqueue != nil {
		var resumeRef *string
		if modeRestart && !clearRestart {
			r := ref
			resumeRef = &r
		}
		if err := p.reenqueue.Enqueue(p.id, resumeRef); err != nil {
			logging.Warn().Err(err).Str("session_id", p.id).Msg("failed to re-enqueue restart")
		}
	}

	p.resolveSlotRelease()
	p.resolveExit(code)
}

func (p *Process) cleanupActiveTools(ctx context.Context, message string) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.activeToolUseIds))
	for id := range p.activeToolUseIds {
		ids = append(ids, id)
	}
	p.activeToolUseIds = make(map[string]bool)
	p.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		p.emit(ctx, types.EventAgentToolEnd, types.AgentToolEndPayload{ToolUseID: id, Content: message})
	}
}

// bashHardDenyPatterns are never auto-allowed by permission mode or by the
// session allowlist, the same way approvalGatedTools forces ExitPlanMode to
// always ask — but at bash-argument granularity rather than whole-tool
// granularity (spec.md §4.5's gating rules don't look inside a tool's
// input, so this is this repo's own addition for the one tool whose input
// is itself a command line).
var bashHardDenyPatterns = []string{
	"rm -rf *",
	"git push --force *",
}

// parseBashCommand extracts the structured commands from a Bash tool's
// input, or nil if req isn't a Bash call or the command doesn't parse
// (e.g. a heredoc or something mvdan.cc/sh's bash dialect rejects) — a
// parse failure just means bash-specific gating is skipped, not a denial.
func parseBashCommand(req adapter.ApprovalRequest) []permission.BashCommand {
	if req.ToolName != "Bash" {
		return nil
	}
	cmdStr, ok := req.ToolInput["command"].(string)
	if !ok || cmdStr == "" {
		return nil
	}
	cmds, err := permission.ParseBashCommand(cmdStr)
	if err != nil {
		return nil
	}
	return cmds
}

func bashMatchesHardDeny(cmds []permission.BashCommand) bool {
	for _, cmd := range cmds {
		for _, pattern := range bashHardDenyPatterns {
			if permission.MatchPattern(pattern, cmd) {
				return true
			}
		}
	}
	return false
}

func bashCommandsPreApproved(cmds []permission.BashCommand, perms map[string]permission.PermissionAction) bool {
	if len(cmds) == 0 {
		return false
	}
	for _, cmd := range cmds {
		if permission.MatchBashPermission(cmd, perms) != permission.ActionAllow {
			return false
		}
	}
	return true
}

// rememberApproval persists an allow-session decision. A Bash call records
// "name subcommand *"-shaped patterns (spec.md §4.5's dedup is per
// toolName, which for Bash would otherwise allow-session every future
// command regardless of what it is); every other tool keeps the flat
// allowedTools entry it always used.
func (p *Process) rememberApproval(ctx context.Context, toolName string, bashCmds []permission.BashCommand) {
	if toolName == "Bash" && len(bashCmds) > 0 {
		patterns := permission.BuildPatterns(bashCmds)
		p.mu.Lock()
		for _, pat := range patterns {
			p.bashPerms[pat] = permission.ActionAllow
		}
		p.mu.Unlock()
		return
	}
	entry := agentmatch.NormalizeEntry(toolName)
	_ = p.store.AddAllowedTool(ctx, p.id, entry)
	p.mu.Lock()
	p.allowedTools = append(p.allowedTools, entry)
	p.mu.Unlock()
}

// handleApprovalRequest implements the Approval Manager's gating rules in
// order (spec.md §4.5), plus two safety nets layered on top: a hard-deny
// bash pattern check that no mode or allowlist can bypass, and a doom-loop
// check that forces a manual ask when the same tool+input repeats
// DoomLoopThreshold times in a row regardless of mode.
func (p *Process) handleApprovalRequest(ctx context.Context, req adapter.ApprovalRequest) (adapter.ApprovalResult, error) {
	if humanInteractionTools[req.ToolName] {
		return adapter.ApprovalResult{Decision: types.DecisionAllow}, nil
	}

	bashCmds := parseBashCommand(req)
	if bashMatchesHardDeny(bashCmds) {
		return adapter.ApprovalResult{Decision: types.DecisionDeny}, nil
	}

	p.mu.Lock()
	mode := p.permissionMode
	allowed := append([]string(nil), p.allowedTools...)
	bashPerms := make(map[string]permission.PermissionAction, len(p.bashPerms))
	for k, v := range p.bashPerms {
		bashPerms[k] = v
	}
	p.mu.Unlock()

	for _, cmd := range bashCmds {
		if permission.MatchBashPermission(cmd, bashPerms) == permission.ActionDeny {
			return adapter.ApprovalResult{Decision: types.DecisionDeny}, nil
		}
	}

	loop := p.doomLoop.Check(p.id, req.ToolName, req.ToolInput)
	if !loop {
		if mode != "" && mode != "default" && !approvalGatedTools[req.ToolName] {
			return adapter.ApprovalResult{Decision: types.DecisionAllow}, nil
		}
		if agentmatch.MatchAllowlist(allowed, req.ToolName) {
			return adapter.ApprovalResult{Decision: types.DecisionAllow}, nil
		}
		if bashCommandsPreApproved(bashCmds, bashPerms) {
			return adapter.ApprovalResult{Decision: types.DecisionAllow}, nil
		}
	} else {
		p.emit(ctx, types.EventSystemInfo, types.SystemInfoPayload{
			Message: fmt.Sprintf("%s was called with the same input repeatedly, asking before continuing.", req.ToolName),
		})
	}

	approvalID := ulid.Make().String()
	p.emit(ctx, types.EventAgentToolApproval, types.AgentToolApprovalPayload{
		ApprovalID: approvalID,
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
	})
	_, resultCh := p.checker.Request(approvalID, req.ToolName, req.ToolInput)

	select {
	case res := <-resultCh:
		if res.Decision == string(types.DecisionAllowSession) {
			p.rememberApproval(ctx, req.ToolName, bashCmds)
		}
		return adapter.ApprovalResult{Decision: types.ApprovalDecision(res.Decision), UpdatedInput: res.UpdatedInput}, nil
	case <-time.After(p.approvalTimeout):
		p.checker.Resolve(approvalID, permission.Resolution{Decision: string(types.DecisionDeny)})
		return adapter.ApprovalResult{Decision: types.DecisionDeny}, nil
	case <-ctx.Done():
		return adapter.ApprovalResult{Decision: types.DecisionDeny}, ctx.Err()
	}
}

// Interrupt implements the soft-cancellation path (spec.md §5 handleInterrupt,
// §8 scenario 2).
func (p *Process) Interrupt(ctx context.Context) {
	p.emit(ctx, types.EventSystemInfo, types.SystemInfoPayload{Message: "Stopping..."})
	waitCtx, cancel := context.WithTimeout(ctx, p.interruptGrace)
	defer cancel()
	err := p.ad.Interrupt(waitCtx)
	if err == nil && p.ad.IsAlive() {
		p.cleanupActiveTools(ctx, "[Interrupted]")
		p.transitionTo(ctx, types.StatusAwaitingInput)
		return
	}
	p.mu.Lock()
	p.interruptKilled = true
	p.mu.Unlock()
	_ = p.ad.Kill()
}

// Cancel implements the hard-cancellation path (spec.md §5 handleCancel).
// cancelKilled is set before any signal is sent, per the kill-flag
// provenance invariant.
func (p *Process) Cancel(ctx context.Context) {
	p.mu.Lock()
	p.cancelKilled = true
	p.mu.Unlock()

	p.cleanupActiveTools(ctx, "[Interrupted by user]")
	p.checker.DrainAll(string(types.DecisionDeny))
	_ = p.ad.Interrupt(ctx)
	p.armSigkillEscalation()
}

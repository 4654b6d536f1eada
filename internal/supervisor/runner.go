package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/internal/adapter/jsonrpc"
	"github.com/agendo-io/supervisor/internal/adapter/streamjson"
	"github.com/agendo-io/supervisor/internal/adapter/ttypoll"
	"github.com/agendo-io/supervisor/internal/config"
	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/logwriter"
	"github.com/agendo-io/supervisor/internal/mcpstatus"
	"github.com/agendo-io/supervisor/internal/session"
	"github.com/agendo-io/supervisor/pkg/types"
	"github.com/tidwall/jsonc"
)

// strippedEnvKeys are removed from the inherited parent environment before
// the AGENDO_* identity variables are injected (spec.md §6): both guard
// against the child agent believing it is itself already running nested
// inside a Claude Code session.
var strippedEnvKeys = map[string]bool{
	"CLAUDECODE":             true,
	"CLAUDE_CODE_ENTRYPOINT": true,
}

// TaskContext is everything the work queue hands the Runner about the task
// a session belongs to (spec.md §4.6's cwd/env/prompt resolution inputs).
// Every field is optional; zero values fall through to the next priority.
type TaskContext struct {
	CwdOverride    string
	ProjectRoot    string
	AgentDefault   string
	ProjectEnv     []string
	TaskEnv        []string
	PromptTemplate string
	TaskFields     map[string]string
	McpConfigJSONC string
	McpEnabled     bool
	PreviousWork   string // non-empty only on a resume
}

// Runner is the Session Runner (spec.md §4.6): it resolves a session row
// plus its TaskContext into a fully-configured Process and drives it to
// completion.
type Runner struct {
	cfg       config.Config
	store     Store
	bus       BusSubscriber
	registry  *Registry
	reenqueue Reenqueuer
	notify    Notifier
	planDir   string
}

// NewRunner constructs a Runner sharing one Store/Bus/Registry across every
// session claimed by this worker.
func NewRunner(cfg config.Config, store Store, bus BusSubscriber, registry *Registry, reenqueue Reenqueuer, notify Notifier, planDir string) *Runner {
	return &Runner{cfg: cfg, store: store, bus: bus, registry: registry, reenqueue: reenqueue, notify: notify, planDir: planDir}
}

// Run resolves sess + tc into a Process, starts it, waits for slot-release
// (so the caller — typically a worker loop pulling from the queue — can
// move on to the next claim), and arranges for the MCP config file and plan
// watcher to be cleaned up on final process exit.
func (r *Runner) Run(ctx context.Context, sess *types.Session, tc TaskContext, workerID string) (*Process, error) {
	cwd, err := r.resolveCwd(tc)
	if err != nil {
		return nil, err
	}

	env := r.resolveEnv(sess, tc)

	logw, err := logwriter.Open(r.cfg.LogDir, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	_ = r.store.SetLogFilePath(ctx, sess.ID, logw.Path())

	agentKind := agentKindFor(sess.AgentID, tc.AgentDefault)
	binary := r.cfg.AdapterBinaries[agentKind]

	mcpConfigPath := ""
	if tc.McpEnabled && strings.TrimSpace(tc.McpConfigJSONC) != "" {
		mcpConfigPath, err = r.writeMcpConfig(ctx, sess.ID, tc.McpConfigJSONC)
		if err != nil {
			logging.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to write MCP config, continuing without it")
			mcpConfigPath = ""
		}
	}

	ad, mapFn := newAdapterFor(agentKind, binary)
	if mcpConfigPath != "" {
		if sj, ok := ad.(*streamjson.Adapter); ok {
			if data, err := os.ReadFile(mcpConfigPath); err == nil {
				if parsed, err := mcpstatus.ParseConfig(data); err == nil && len(parsed.McpServers) > 0 {
					sj.SetMcpChecker(mcpstatus.NewChecker(parsed))
				}
			}
		}
	}

	var planWatch *session.PlanWatcher
	if r.planDir != "" {
		planWatch, err = session.NewPlanWatcher(r.planDir)
		if err != nil {
			logging.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to start plan watcher")
			planWatch = nil
		}
	}

	p := New(sess.ID, Options{
		WorkerID:        workerID,
		HeartbeatEvery:  r.cfg.HeartbeatInterval,
		McpHealthEvery:  r.cfg.McpHealthInterval,
		DeltaBatchEvery: r.cfg.DeltaBatchInterval,
		ApprovalTimeout: r.cfg.ApprovalTimeout,
		SigkillAfter:    r.cfg.SigkillEscalation,
		InterruptGrace:  r.cfg.InterruptGraceWindow,
		Store:           r.store,
		Bus:             r.bus,
		LogWriter:       logw,
		Adapter:         ad,
		Mapper:          mapFn,
		PlanWatch:       planWatch,
		Reenqueue:       r.reenqueue,
		Notify:          r.notify,
	})

	r.registry.Register(p)

	_, cancelControl := r.bus.Subscribe(event.ControlChannel(sess.ID), func(msg any) {
		ctrl, err := decodeControl(msg)
		if err != nil {
			logging.Warn().Err(err).Str("session_id", sess.ID).Msg("dropping malformed control message")
			return
		}
		if err := p.OnControl(context.Background(), ctrl); err != nil {
			logging.Warn().Err(err).Str("session_id", sess.ID).Str("control_type", string(ctrl.Type)).Msg("control handling failed")
		}
	})

	go func() {
		code := p.WaitForExit()
		cancelControl()
		r.registry.Unregister(sess.ID)
		_ = logw.Close()
		if planWatch != nil {
			_ = planWatch.Close()
		}
		if mcpConfigPath != "" {
			_ = os.Remove(mcpConfigPath)
		}
		_ = code
	}()

	prompt, imageRef := r.resolvePrompt(sess, tc)

	startOpts := StartOptions{
		Prompt:         prompt,
		Cwd:            cwd,
		EnvOverrides:   env,
		McpConfigPath:  mcpConfigPath,
		InitialImage:   imageRef,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		AllowedTools:   sess.AllowedTools,
		IdleTimeoutSec: sess.IdleTimeoutSec,
		IsTeamLeader:   false,
	}
	if sess.SessionRef != nil && *sess.SessionRef != "" {
		startOpts.ResumeRef = *sess.SessionRef
	}

	if err := p.Start(ctx, startOpts); err != nil {
		r.registry.Unregister(sess.ID)
		return nil, err
	}

	p.WaitForSlotRelease()
	return p, nil
}

// resolveCwd applies the priority order task override > project root >
// agent default > /tmp, then validates against AllowedCwdRoots.
func (r *Runner) resolveCwd(tc TaskContext) (string, error) {
	cwd := "/tmp"
	switch {
	case tc.CwdOverride != "":
		cwd = tc.CwdOverride
	case tc.ProjectRoot != "":
		cwd = tc.ProjectRoot
	case tc.AgentDefault != "":
		cwd = tc.AgentDefault
	}

	for _, root := range r.cfg.AllowedCwdRoots {
		if cwd == root || strings.HasPrefix(cwd, strings.TrimRight(root, "/")+"/") {
			return cwd, nil
		}
	}
	return "", fmt.Errorf("resolveCwd: %q is not under an allowed root", cwd)
}

// resolveEnv layers project env, then task env (task wins on conflict),
// strips nested-session guard variables from the inherited environment, and
// injects the AGENDO_* identity variables.
func (r *Runner) resolveEnv(sess *types.Session, tc TaskContext) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strippedEnvKeys[k] {
			continue
		}
		merged[k] = v
	}
	for _, kv := range tc.ProjectEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for _, kv := range tc.TaskEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	merged["AGENDO_SESSION_ID"] = sess.ID
	merged["AGENDO_AGENT_ID"] = sess.AgentID
	if sess.TaskID != "" {
		merged["AGENDO_TASK_ID"] = sess.TaskID
	}
	if sess.ProjectID != "" {
		merged["AGENDO_PROJECT_ID"] = sess.ProjectID
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// resolvePrompt builds the initial prompt: explicit initialPrompt wins;
// otherwise the capability template is interpolated with task fields. A
// cold start with MCP enabled gets an "Agendo Context" preamble; a resume
// gets a "Previous Work Summary" instead. A pending resume image is
// consumed (and its metadata file removed) on a cold resume.
func (r *Runner) resolvePrompt(sess *types.Session, tc TaskContext) (prompt string, imageRef string) {
	isResume := sess.SessionRef != nil && *sess.SessionRef != ""

	prompt = sess.InitialPrompt
	if prompt == "" && tc.PromptTemplate != "" {
		prompt = interpolate(tc.PromptTemplate, tc.TaskFields)
	}

	switch {
	case isResume && tc.PreviousWork != "":
		prompt = "## Previous Work Summary\n\n" + tc.PreviousWork + "\n\n" + prompt
	case !isResume && tc.McpEnabled:
		prompt = "## Agendo Context\n\nThis session is supervised by Agendo.\n\n" + prompt
	}

	if isResume {
		imageRef = r.consumePendingResumeImage(sess.ID)
	}
	return prompt, imageRef
}

func interpolate(template string, fields map[string]string) string {
	out := template
	for k, v := range fields {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// consumePendingResumeImage reads and deletes
// <LogDir>/attachments/<sessionId>/resume-pending.json if present, returning
// its image path (spec.md §6).
func (r *Runner) consumePendingResumeImage(sessionID string) string {
	path := filepath.Join(r.cfg.LogDir, "attachments", sessionID, "resume-pending.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var meta struct {
		Path     string `json:"path"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("failed to parse resume-pending.json")
		return ""
	}
	_ = os.Remove(path)
	return meta.Path
}

// writeMcpConfig normalizes a JSONC fragment to strict JSON and writes it to
// McpConfigDir/agendo-mcp-<sessionId>.json.
func (r *Runner) writeMcpConfig(ctx context.Context, sessionID, rawJSONC string) (string, error) {
	normalized := jsonc.ToJSON([]byte(rawJSONC))
	parsed, err := mcpstatus.ParseConfig(normalized)
	if err != nil {
		return "", fmt.Errorf("mcp config is not valid JSON(C): %w", err)
	}

	if err := mcpstatus.ValidateAll(ctx, parsed); err != nil {
		return "", fmt.Errorf("mcp config failed validation: %w", err)
	}

	dir := r.cfg.McpConfigDir
	if dir == "" {
		dir = "/tmp"
	}
	path := filepath.Join(dir, fmt.Sprintf("agendo-mcp-%s.json", sessionID))
	if err := os.WriteFile(path, normalized, 0600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

// agentKindFor maps a session's agentID (resolved by the caller's project
// service) to one of the three adapter kinds; tc.AgentDefault is consulted
// only to disambiguate a kind string that was itself passed through.
func agentKindFor(agentID, fallback string) string {
	switch {
	case strings.Contains(agentID, "codex"):
		return "codex"
	case strings.Contains(agentID, "gemini"):
		return "gemini"
	case strings.Contains(agentID, "claude"):
		return "claude"
	case fallback != "":
		return fallback
	default:
		return "claude"
	}
}

// decodeControl normalizes the two shapes a control-channel message can
// arrive in: a *types.AgendoControl when it was published locally on this
// worker, or a generic JSON-decoded value when it crossed the Postgres
// NOTIFY bridge from another worker or from the HTTP control endpoint.
func decodeControl(msg any) (types.AgendoControl, error) {
	switch v := msg.(type) {
	case types.AgendoControl:
		return v, nil
	case *types.AgendoControl:
		return *v, nil
	default:
		encoded, err := json.Marshal(msg)
		if err != nil {
			return types.AgendoControl{}, fmt.Errorf("re-encode control message: %w", err)
		}
		var ctrl types.AgendoControl
		if err := json.Unmarshal(encoded, &ctrl); err != nil {
			return types.AgendoControl{}, fmt.Errorf("decode control message: %w", err)
		}
		return ctrl, nil
	}
}

func newAdapterFor(kind, binary string) (adapter.Adapter, adapter.Mapper) {
	switch kind {
	case "codex":
		return jsonrpc.New(jsonrpc.Options{Binary: binary}), jsonrpc.Map
	case "gemini":
		return ttypoll.New(ttypoll.Options{Binary: binary, PollInterval: 500 * time.Millisecond}), ttypoll.Map
	default:
		return streamjson.New(streamjson.Options{Binary: binary}), streamjson.Map
	}
}

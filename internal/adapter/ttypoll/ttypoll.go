// Package ttypoll implements the Gemini agent adapter variant (spec.md
// §4.2 item 3, §6): no structured protocol at all, just a tmux session
// running the interactive CLI, polled on an interval and diffed against
// its last capture to synthesize delta events; interrupt is Ctrl-C over
// send-keys. Grounded on
// _examples/wingedpig-trellis/internal/terminal/tmux.go's RealTmuxExecutor
// (has-session/new-session/kill-session/capture-pane/send-keys shapes).
package ttypoll

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/internal/logging"
)

// Options configures the tmux-hosted Gemini CLI invocation.
type Options struct {
	Binary       string        // defaults to "gemini"
	PollInterval time.Duration // defaults to 500ms
}

// Adapter drives a Gemini CLI process hosted in a dedicated tmux session,
// polling its pane content instead of parsing a wire protocol.
type Adapter struct {
	binary       string
	pollInterval time.Duration

	mu              sync.Mutex
	session         string
	approvalHandler adapter.ApprovalHandler
	dataHandler     func(frame []byte)
	exitHandler     func(code int)
	thinkingHandler func(thinking bool)
	sessionRefFn    func(ref string)

	lastCapture string
	stopPoll    chan struct{}
	pid         int
}

// New constructs an unstarted adapter.
func New(opts Options) *Adapter {
	binary := opts.Binary
	if binary == "" {
		binary = "gemini"
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Adapter{binary: binary, pollInterval: interval}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.SessionRefWatcher = (*Adapter)(nil)

func (a *Adapter) SetApprovalHandler(h adapter.ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approvalHandler = h
}
func (a *Adapter) OnData(h func(frame []byte))           { a.mu.Lock(); a.dataHandler = h; a.mu.Unlock() }
func (a *Adapter) OnExit(h func(code int))               { a.mu.Lock(); a.exitHandler = h; a.mu.Unlock() }
func (a *Adapter) OnThinkingChange(h func(thinking bool)) { a.mu.Lock(); a.thinkingHandler = h; a.mu.Unlock() }
func (a *Adapter) OnSessionRef(h func(ref string))       { a.mu.Lock(); a.sessionRefFn = h; a.mu.Unlock() }

func (a *Adapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pid
}

func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == "" {
		return false
	}
	return hasSession(context.Background(), session)
}

func (a *Adapter) Kill() error {
	a.mu.Lock()
	session := a.session
	stop := a.stopPoll
	a.mu.Unlock()
	if session == "" {
		return nil
	}
	if stop != nil {
		close(stop)
	}
	return exec.Command("tmux", "kill-session", "-t", session).Run()
}

func hasSession(ctx context.Context, session string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", session)
	return cmd.Run() == nil
}

// Terminate asks the CLI to exit via Ctrl-C (tmux panes have no SIGTERM
// concept); the Session Process escalates to Kill (kill-session) after its
// own grace window if the pane is still alive.
func (a *Adapter) Terminate() error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == "" {
		return nil
	}
	return sendKeys(context.Background(), session, "C-c", false)
}

func (a *Adapter) Spawn(ctx context.Context, opts adapter.SpawnOptions) error {
	session := "agendo-" + uuid.New().String()
	return a.spawn(ctx, session, opts)
}

// Resume re-attaches a new poll loop to the tmux session named sessionRef
// when it is still running; when that session no longer exists, it spawns a
// fresh session under the same name (Gemini has no cold-resume concept per
// spec.md §4.2).
func (a *Adapter) Resume(ctx context.Context, sessionRef string, opts adapter.SpawnOptions) error {
	if !hasSession(ctx, sessionRef) {
		return a.spawn(ctx, sessionRef, opts)
	}
	a.mu.Lock()
	a.session = sessionRef
	a.mu.Unlock()
	a.startPolling()
	return a.SendMessage(ctx, opts.Prompt, opts.InitialImage)
}

func (a *Adapter) spawn(ctx context.Context, session string, opts adapter.SpawnOptions) error {
	args := []string{"new-session", "-d", "-s", session}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	args = append(args, a.binary)

	cmd := exec.CommandContext(ctx, "tmux", args...)
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ttypoll: tmux new-session: %s: %w", stderr.String(), err)
	}

	a.mu.Lock()
	a.session = session
	fn := a.sessionRefFn
	a.mu.Unlock()
	if fn != nil {
		fn(session)
	}

	pid, err := panePID(ctx, session)
	if err == nil {
		a.mu.Lock()
		a.pid = pid
		a.mu.Unlock()
	}

	a.startPolling()
	return a.SendMessage(ctx, opts.Prompt, opts.InitialImage)
}

func panePID(ctx context.Context, session string) (int, error) {
	cmd := exec.CommandContext(ctx, "tmux", "display-message", "-t", session, "-p", "#{pane_pid}")
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

func (a *Adapter) startPolling() {
	a.mu.Lock()
	if a.stopPoll != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stopPoll = stop
	interval := a.pollInterval
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.pollOnce()
			}
		}
	}()
}

func (a *Adapter) pollOnce() {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == "" {
		return
	}

	if !hasSession(context.Background(), session) {
		a.mu.Lock()
		h := a.exitHandler
		stop := a.stopPoll
		a.stopPoll = nil
		a.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		if h != nil {
			h(0)
		}
		return
	}

	cmd := exec.Command("tmux", "capture-pane", "-t", session, "-p", "-e", "-S", "-")
	out, err := cmd.Output()
	if err != nil {
		logging.Warn().Str("adapter", "ttypoll").Err(err).Msg("capture-pane failed")
		return
	}
	text := string(out)

	a.mu.Lock()
	prev := a.lastCapture
	a.lastCapture = text
	h := a.dataHandler
	a.mu.Unlock()

	if text == prev || h == nil {
		return
	}

	frame := buildPollFrame(prev, text)
	h(frame)
}

func (a *Adapter) SendMessage(ctx context.Context, text, imageRef string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == "" {
		return fmt.Errorf("ttypoll: not spawned")
	}
	if err := sendText(ctx, session, text); err != nil {
		return err
	}
	return sendKeys(ctx, session, "Enter", false)
}

func sendText(ctx context.Context, session, text string) error {
	loadCmd := exec.CommandContext(ctx, "tmux", "load-buffer", "-")
	loadCmd.Stdin = strings.NewReader(text)
	if err := loadCmd.Run(); err != nil {
		return fmt.Errorf("ttypoll: load-buffer: %w", err)
	}
	pasteCmd := exec.CommandContext(ctx, "tmux", "paste-buffer", "-d", "-t", session)
	return pasteCmd.Run()
}

func sendKeys(ctx context.Context, session, keys string, literal bool) error {
	args := []string{"send-keys", "-t", session}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, keys)
	return exec.CommandContext(ctx, "tmux", args...).Run()
}

// Interrupt sends Ctrl-C to the pane; Gemini has no ack protocol so the
// Session Process must poll IsAlive/pane content itself to confirm effect.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == "" {
		return fmt.Errorf("ttypoll: not spawned")
	}
	return sendKeys(ctx, session, "C-c", false)
}

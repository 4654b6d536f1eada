// Package activity implements the Activity Tracker (spec.md §4.4): the idle
// timer, the 30s heartbeat ticker with liveness probe, the 60s MCP health
// ticker, the 200ms text/thinking delta batching buffers, and the timer
// bookkeeping needed so every handle can be canceled early on process exit
// (spec.md §9 "Timers").
package activity

import (
	"strings"
	"sync"
	"time"
)

// LivenessProbe reports whether the supervised process can still be
// signaled; used by the heartbeat ticker to detect a silent crash.
type LivenessProbe func() bool

// McpStatusFetcher returns the adapter's view of MCP server health, keyed
// by server name; used by the MCP health ticker.
type McpStatusFetcher func() map[string]string

// Tracker owns every timer for one session. It is supervisor-local: no
// cross-session sharing, one Tracker per Session Process.
type Tracker struct {
	idleTimeout time.Duration

	heartbeatInterval time.Duration
	mcpHealthInterval time.Duration
	deltaInterval     time.Duration

	onIdleTimeout    func()
	onSilentCrash    func()
	onHeartbeat      func()
	onMcpStatus      func(server, status string)
	onTextFlush      func(text string)
	onThinkingFlush  func(text string)

	mu          sync.Mutex
	idleTimer   *time.Timer
	heartbeatT  *time.Ticker
	mcpHealthT  *time.Ticker
	deltaTimer  *time.Timer
	thinkTimer  *time.Timer
	textBuf     strings.Builder
	thinkBuf    strings.Builder
	stopCh      chan struct{}
	stopped     bool
}

// Config bundles the intervals and callbacks a Tracker needs.
type Config struct {
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	McpHealthInterval time.Duration
	DeltaInterval     time.Duration

	OnIdleTimeout   func()
	OnSilentCrash   func()
	OnHeartbeat     func()
	OnMcpStatus     func(server, status string)
	OnTextFlush     func(text string)
	OnThinkingFlush func(text string)
}

// New constructs a Tracker. No timers are armed until the corresponding
// Start*/Arm method is called.
func New(cfg Config) *Tracker {
	return &Tracker{
		idleTimeout:       cfg.IdleTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		mcpHealthInterval: cfg.McpHealthInterval,
		deltaInterval:     cfg.DeltaInterval,
		onIdleTimeout:     cfg.OnIdleTimeout,
		onSilentCrash:     cfg.OnSilentCrash,
		onHeartbeat:       cfg.OnHeartbeat,
		onMcpStatus:       cfg.OnMcpStatus,
		onTextFlush:       cfg.OnTextFlush,
		onThinkingFlush:   cfg.OnThinkingFlush,
		stopCh:            make(chan struct{}),
	}
}

// SetIdleTimeout updates the duration used by the next ArmIdleTimer call.
// Used once per claim, after the Session Runner resolves the session's
// idleTimeoutSec, before the tracker's first transition to awaiting_input.
func (t *Tracker) SetIdleTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idleTimeout = d
}

// ArmIdleTimer (re)starts the idle timer, firing onIdleTimeout after
// idleTimeout of no RecordActivity call. Idle timeout is only meaningful
// while status=awaiting_input; the Session Process is responsible for
// calling ArmIdleTimer on entering that state and DisarmIdleTimer on
// leaving it.
func (t *Tracker) ArmIdleTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.idleTimeout <= 0 {
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idleTimeout, func() {
		if t.onIdleTimeout != nil {
			t.onIdleTimeout()
		}
	})
}

// DisarmIdleTimer cancels a pending idle timeout, e.g. when a message
// arrives and the session returns to active.
func (t *Tracker) DisarmIdleTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// RecordActivity resets the idle timer if one is armed.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	armed := t.idleTimer != nil
	t.mu.Unlock()
	if armed {
		t.ArmIdleTimer()
	}
}

// StartHeartbeat begins the 30s ticker: it invokes onHeartbeat (which
// updates heartbeat_at) and probes liveness, firing onSilentCrash on ESRCH
// (the probe having failed while the process wasn't otherwise reported
// exited).
func (t *Tracker) StartHeartbeat(probe LivenessProbe) {
	t.mu.Lock()
	if t.stopped || t.heartbeatInterval <= 0 {
		t.mu.Unlock()
		return
	}
	t.heartbeatT = time.NewTicker(t.heartbeatInterval)
	ticker := t.heartbeatT
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				if t.onHeartbeat != nil {
					t.onHeartbeat()
				}
				if probe != nil && !probe() {
					if t.onSilentCrash != nil {
						t.onSilentCrash()
					}
					return
				}
			}
		}
	}()
}

// StartMcpHealthCheck begins the 60s ticker: it queries fetch() and invokes
// onMcpStatus for every server whose status is neither "connected" nor
// "ready".
func (t *Tracker) StartMcpHealthCheck(fetch McpStatusFetcher) {
	t.mu.Lock()
	if t.stopped || t.mcpHealthInterval <= 0 || fetch == nil {
		t.mu.Unlock()
		return
	}
	t.mcpHealthT = time.NewTicker(t.mcpHealthInterval)
	ticker := t.mcpHealthT
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				statuses := fetch()
				for server, status := range statuses {
					if status != "connected" && status != "ready" {
						if t.onMcpStatus != nil {
							t.onMcpStatus(server, status)
						}
					}
				}
			}
		}
	}()
}

// AppendDelta accumulates a text delta and (re)arms the 200ms flush timer.
func (t *Tracker) AppendDelta(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.textBuf.WriteString(delta)
	t.armDeltaTimerLocked()
}

// AppendThinkingDelta accumulates a thinking delta and (re)arms its own
// 200ms flush timer, independent of the text buffer's.
func (t *Tracker) AppendThinkingDelta(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thinkBuf.WriteString(delta)
	t.armThinkTimerLocked()
}

func (t *Tracker) armDeltaTimerLocked() {
	if t.stopped || t.deltaTimer != nil {
		return
	}
	t.deltaTimer = time.AfterFunc(t.deltaInterval, func() {
		t.mu.Lock()
		text := t.textBuf.String()
		t.textBuf.Reset()
		t.deltaTimer = nil
		t.mu.Unlock()
		if text != "" && t.onTextFlush != nil {
			t.onTextFlush(text)
		}
	})
}

func (t *Tracker) armThinkTimerLocked() {
	if t.stopped || t.thinkTimer != nil {
		return
	}
	t.thinkTimer = time.AfterFunc(t.deltaInterval, func() {
		t.mu.Lock()
		text := t.thinkBuf.String()
		t.thinkBuf.Reset()
		t.thinkTimer = nil
		t.mu.Unlock()
		if text != "" && t.onThinkingFlush != nil {
			t.onThinkingFlush(text)
		}
	})
}

// ClearDeltaBuffers discards any buffered-but-unflushed delta text and
// cancels the pending flush timers, called when a complete assistant
// message arrives (spec.md §4.1).
func (t *Tracker) ClearDeltaBuffers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.textBuf.Reset()
	t.thinkBuf.Reset()
	if t.deltaTimer != nil {
		t.deltaTimer.Stop()
		t.deltaTimer = nil
	}
	if t.thinkTimer != nil {
		t.thinkTimer.Stop()
		t.thinkTimer = nil
	}
}

// StopAllTimers cancels every timer/ticker the Tracker owns. Idempotent.
func (t *Tracker) StopAllTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	if t.heartbeatT != nil {
		t.heartbeatT.Stop()
	}
	if t.mcpHealthT != nil {
		t.mcpHealthT.Stop()
	}
	if t.deltaTimer != nil {
		t.deltaTimer.Stop()
	}
	if t.thinkTimer != nil {
		t.thinkTimer.Stop()
	}
}

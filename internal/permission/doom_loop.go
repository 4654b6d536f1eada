package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DoomLoopThreshold is the number of identical consecutive tool calls that
// force handleApprovalRequest to ask a human instead of honoring whatever
// auto-allow rule would otherwise apply (spec.md §4.5 gating rules don't
// account for a stuck agent repeating the same call, so this sits in front
// of them).
const DoomLoopThreshold = 3

// doomLoopHistoryLimit bounds per-session memory: only the calls needed to
// detect a threshold-length streak matter, so history older than that is
// dropped.
const doomLoopHistoryLimit = 10

// DoomLoopDetector flags a session where the agent keeps invoking the same
// tool with the same input, a pattern that otherwise looks like legitimate
// auto-approved activity (e.g. rereading the same file) but means the
// agent is stuck in a cycle it can't break out of on its own.
type DoomLoopDetector struct {
	mu      sync.RWMutex
	history map[string][]string // sessionID -> last N call hashes, oldest first
}

// NewDoomLoopDetector creates an empty detector, one per supervisor process.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{
		history: make(map[string][]string),
	}
}

// Check records the call and reports whether it extends a streak of
// DoomLoopThreshold identical {toolName, input} calls in a row for
// sessionID.
func (d *DoomLoopDetector) Check(sessionID, toolName string, input any) bool {
	hash := d.hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history[sessionID]
	looped := streakMatches(history, hash, DoomLoopThreshold-1)

	history = append(history, hash)
	if len(history) > doomLoopHistoryLimit {
		history = history[len(history)-doomLoopHistoryLimit:]
	}
	d.history[sessionID] = history

	return looped
}

// streakMatches reports whether the last n entries of history all equal
// hash; with n == 0 it's trivially true (no streak required yet).
func streakMatches(history []string, hash string, n int) bool {
	if len(history) < n {
		return false
	}
	for _, h := range history[len(history)-n:] {
		if h != hash {
			return false
		}
	}
	return true
}

// hashCall fingerprints a tool invocation so the streak check is an O(1)
// string comparison instead of repeatedly re-marshaling input.
func (d *DoomLoopDetector) hashCall(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{
		"tool":  toolName,
		"input": input,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Clear drops all history for a session, called when the session ends so
// the detector's map doesn't grow without bound across many short sessions.
func (d *DoomLoopDetector) Clear(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, sessionID)
}

// Reset drops the in-progress streak for a session without forgetting it
// entirely, used when a human's manual decision (not a repeat of the same
// call) should not itself count toward the next streak.
func (d *DoomLoopDetector) Reset(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history[sessionID] = nil
}

// Package logwriter implements the append-only per-session stream log
// (spec.md §6): <LogDir>/sessions/<yyyy>/<mm>/<sessionId>.log, one line per
// write, each prefixed with its stream kind. This is distinct from
// internal/logging (the supervisor's own structured operational log);
// logwriter stores the agent's own conversation, not the operator's.
package logwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stream is the tag prefixed to every line, one of stdout/stderr/system/user.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
	StreamUser   Stream = "user"
)

// Writer appends "[<stream>] <content>" lines to a session's log file,
// rotated by month per spec.md §6 (<yyyy>/<mm>/<sessionId>.log). One Writer
// is owned exclusively by one Session Process for its lifetime.
type Writer struct {
	mu       sync.Mutex
	baseDir  string
	sessionID string
	file     *os.File
	path     string
	openedAt time.Time
}

// Open resolves <baseDir>/sessions/<yyyy>/<mm>/<sessionId>.log for the
// current month, creating parent directories as needed, and returns a
// Writer ready for Append. If the session resumes into a new month, the
// Writer transparently rolls to the new path on the next Append.
func Open(baseDir, sessionID string) (*Writer, error) {
	w := &Writer{baseDir: baseDir, sessionID: sessionID}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) pathFor(t time.Time) string {
	return filepath.Join(w.baseDir, "sessions", t.Format("2006"), t.Format("01"), w.sessionID+".log")
}

// rotateIfNeeded opens the log file for the current month if the path has
// changed since it was last opened (month rollover) or no file is open yet.
// Must be called with mu held.
func (w *Writer) rotateIfNeeded() error {
	now := time.Now()
	want := w.pathFor(now)
	if w.file != nil && w.path == want {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(want), 0755); err != nil {
		return fmt.Errorf("logwriter: mkdir: %w", err)
	}
	f, err := os.OpenFile(want, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logwriter: open %s: %w", want, err)
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = f
	w.path = want
	w.openedAt = now
	return nil
}

// Path returns the currently open log file path.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Append writes one "[<stream>] <content>" line. content should already be
// newline-free; embedded newlines are not escaped, matching the teacher's
// plain-text append style elsewhere.
func (w *Writer) Append(stream Stream, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w.file, "[%s] %s\n", stream, content)
	return err
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

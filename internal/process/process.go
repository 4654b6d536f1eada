// Package process wraps a single agent subprocess: stdin writes, raw
// stdout/stderr chunk delivery, signal delivery, pid, and liveness checks.
// It is deliberately thin — it knows nothing about any agent wire protocol;
// that belongs to internal/adapter. Grounded on the kandev process manager's
// atomic-status/pid bookkeeping (other_examples/.../process-manager.go),
// trimmed down to the io surface the Agent Adapter needs.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
)

// SpawnOptions configures a new subprocess.
type SpawnOptions struct {
	Dir    string
	Env    []string
	Stderr bool // if true, stderr chunks are also delivered on Stderr()
}

// ManagedProcess is a running (or exited) subprocess plus the channels that
// deliver its raw output. Reads are chunk-granular, not line-granular: line
// splitting with carry-over buffering is the Agent Adapter's job per
// spec §4.1, since only it knows when a partial line must be flushed (e.g.
// on the awaiting_input transition).
type ManagedProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdoutCh   chan []byte
	stderrCh   chan []byte
	spawnID    string
	pid        int
	exited     atomic.Bool
	exitCode   atomic.Int32
	exitCh     chan struct{}
	waitOnce   sync.Once
	killOnce   sync.Once
}

// Spawn starts name with args and begins streaming its stdout/stderr. It
// returns synchronously once the process is running; all I/O wiring happens
// in background goroutines, matching the Agent Adapter invariant that
// spawn/resume return a ManagedProcess synchronously.
func Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (*ManagedProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	mp := &ManagedProcess{
		cmd:      cmd,
		stdin:    stdin,
		stdoutCh: make(chan []byte, 64),
		stderrCh: make(chan []byte, 64),
		spawnID:  uuid.New().String(),
		pid:      cmd.Process.Pid,
		exitCh:   make(chan struct{}),
	}

	go mp.pump(stdout, mp.stdoutCh)
	go mp.pump(stderr, mp.stderrCh)
	go mp.wait()

	return mp, nil
}

func (p *ManagedProcess) pump(r io.Reader, out chan<- []byte) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			close(out)
			return
		}
	}
}

func (p *ManagedProcess) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode.Store(int32(code))
	p.exited.Store(true)
	close(p.exitCh)
}

// SpawnID returns the uuid generated for this spawn attempt, a correlation
// id for callers; the JSON-RPC adapter numbers its requests separately.
func (p *ManagedProcess) SpawnID() string { return p.spawnID }

// PID returns the OS process id. Stable for the process lifetime.
func (p *ManagedProcess) PID() int { return p.pid }

// Stdout delivers raw stdout chunks; closed when the process's stdout is
// drained (at or after exit).
func (p *ManagedProcess) Stdout() <-chan []byte { return p.stdoutCh }

// Stderr delivers raw stderr chunks; closed like Stdout.
func (p *ManagedProcess) Stderr() <-chan []byte { return p.stderrCh }

// Exited is closed exactly once, when the process has exited and Wait has
// returned.
func (p *ManagedProcess) Exited() <-chan struct{} { return p.exitCh }

// ExitCode is only meaningful after Exited is closed.
func (p *ManagedProcess) ExitCode() int { return int(p.exitCode.Load()) }

// Write sends raw bytes to the subprocess's stdin.
func (p *ManagedProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// WriteLine writes s followed by a newline, the shape every adapter's
// line-delimited stdin protocol uses.
func (p *ManagedProcess) WriteLine(s string) error {
	_, err := p.stdin.Write([]byte(s + "\n"))
	return err
}

// IsAlive reports whether the process can still be signaled — a null
// signal probe (kill -0 equivalent), used by the Activity Tracker's
// heartbeat to detect a silent crash distinctly from a normal exit.
func (p *ManagedProcess) IsAlive() bool {
	if p.exited.Load() {
		return false
	}
	if p.cmd.Process == nil {
		return false
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Signal delivers sig to the process. A no-op once the process has exited.
func (p *ManagedProcess) Signal(sig os.Signal) error {
	if p.exited.Load() || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM, the graceful half of the kill escalation every
// kill-flag path uses before a timed SIGKILL.
func (p *ManagedProcess) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL unconditionally. Safe to call more than once.
func (p *ManagedProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		err = p.Signal(syscall.SIGKILL)
	})
	return err
}

// CloseStdin closes the subprocess's stdin, signaling EOF to it. Used by
// adapters that keep stdin open across follow-up messages and only close it
// on final teardown.
func (p *ManagedProcess) CloseStdin() error {
	return p.stdin.Close()
}

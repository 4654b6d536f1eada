package supervisor

import "sync"

// Registry tracks every live *Process on this worker, so a graceful
// shutdown can mark every one of them terminating before the process exits
// (spec.md §5 worker-shutdown path: SIGTERM to the worker propagates to
// every claimed session, never a silent kill -9 of the whole pool).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Process
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Process)}
}

// Register adds p under its session id. Call once, right after New.
func (r *Registry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[p.ID()] = p
}

// Unregister removes a session, called once its WaitForExit resolves.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Get returns the live Process for sessionID, if this worker holds its
// claim — used to route an inbound control message without a network hop.
func (r *Registry) Get(sessionID string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[sessionID]
	return p, ok
}

// Len reports how many sessions this worker currently holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TerminateAll marks every live session terminating and only then sends
// signals, for use during worker shutdown. Per spec.md §9, MarkTerminating
// must run on every registered supervisor before any signal goes out —
// otherwise a concurrent process exit on a SIGTERM-to-process-group can race
// a later session's flag-set and misattribute the exit. It does not wait for
// exit; callers select on each Process's WaitForExit (or a timeout)
// themselves.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.sessions))
	for _, p := range r.sessions {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.MarkTerminating()
	}
	for _, p := range procs {
		_ = p.ad.Terminate()
		p.armSigkillEscalation()
	}
}

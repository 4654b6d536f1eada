// Package event implements the per-session publish/subscribe Event Bus
// (spec §4.7): one channel named "events:<sessionId>" for outbound
// AgendoEvents and one named "control:<sessionId>" for inbound
// AgendoControls. Delivery is best-effort and ordered per channel; the bus
// owns (un)subscribe resource cleanup and never replays history — a
// reconnecting subscriber is expected to read the log file first and then
// attach to the live stream.
package event

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Subscriber receives every message published on the channel it subscribed
// to. msg is whatever the publisher passed (the supervisor publishes a
// *types.AgendoEvent on events:<id>, the control endpoint a
// *types.AgendoControl on control:<id>); a message that arrived over
// PGBridge from another worker is its generic JSON-decoded form instead.
// It is left untyped here so the bus has no dependency on pkg/types.
type Subscriber func(msg any)

// Notifier bridges local Publish calls out to a distributed backend (the
// Postgres NOTIFY bridge in notify.go). Bus works with a nil Notifier for
// single-process use (tests, the `claim` one-shot CLI subcommand).
type Notifier interface {
	Notify(ctx context.Context, channel string, msg any) error
}

type subscriberEntry struct {
	token string
	fn    Subscriber
}

// Bus dispatches messages to in-process subscribers keyed by channel name.
// Subscriber callbacks are invoked directly rather than through a
// byte-oriented pub/sub driver, so event payloads keep their concrete Go
// type instead of round-tripping through []byte; fan-out across processes
// is PGBridge's job, not this type's.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	notifier    Notifier
	closed      bool
}

var globalBus = NewBus()

// NewBus creates a standalone bus. Most callers use the package-level
// functions against the process-wide globalBus; NewBus exists for tests and
// for a worker that wants an isolated bus per test session.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]subscriberEntry),
	}
}

// SetNotifier attaches a distributed backend. Publish calls are mirrored to
// it after local dispatch; Global() + SetNotifier is how main() wires the
// Postgres bridge at startup.
func (b *Bus) SetNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// Global returns the process-wide bus.
func Global() *Bus { return globalBus }

func newToken() string {
	return ulid.Make().String()
}

// Subscribe registers fn for every message published on channel. The
// returned token can be passed to Unsubscribe; the returned cancel func is
// equivalent and is the common case (defer cancel()).
func (b *Bus) Subscribe(channel string, fn Subscriber) (token string, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", func() {}
	}
	token = newToken()
	b.subscribers[channel] = append(b.subscribers[channel], subscriberEntry{token: token, fn: fn})
	return token, func() { b.Unsubscribe(channel, token) }
}

// Unsubscribe removes a previously registered subscriber. Safe to call more
// than once.
func (b *Bus) Unsubscribe(channel, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	for i, entry := range subs {
		if entry.token == token {
			b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to local subscribers synchronously (preserving
// per-channel ordering, per spec §5) and, if a Notifier is attached, mirrors
// it to the distributed backend so subscribers on other workers receive it
// too.
func (b *Bus) Publish(ctx context.Context, channel string, msg any) {
	b.dispatchLocal(channel, msg)

	b.mu.RLock()
	n := b.notifier
	closed := b.closed
	b.mu.RUnlock()
	if n != nil && !closed {
		_ = n.Notify(ctx, channel, msg)
	}
}

// dispatchLocal delivers msg to this process's subscribers only. Used
// directly by the Postgres bridge when it receives a NOTIFY originating
// from another worker, to avoid re-notifying.
func (b *Bus) dispatchLocal(channel string, msg any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, len(b.subscribers[channel]))
	for i, e := range b.subscribers[channel] {
		subs[i] = e.fn
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// Close tears down the bus; further Publish/Subscribe calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string][]subscriberEntry)
	b.mu.Unlock()
	return nil
}

// Reset replaces the global bus. Test helper only.
func Reset() {
	old := globalBus
	globalBus = NewBus()
	_ = old.Close()
}

// EventsChannel returns the outbound channel name for a session.
func EventsChannel(sessionID string) string { return "events:" + sessionID }

// ControlChannel returns the inbound channel name for a session.
func ControlChannel(sessionID string) string { return "control:" + sessionID }

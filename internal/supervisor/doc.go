// Package supervisor implements the Session Process and Session Runner
// (spec.md §4.1, §4.6): the top-level per-claim state machine that owns one
// Managed Process, one Log Writer, one Activity Tracker, and one Approval
// Manager for the lifetime of a session claim, plus the driver that resolves
// a queued claim into a running supervisor.
//
// Process is deliberately adapter-agnostic: it drives the
// internal/adapter.Adapter capability set and a per-adapter Mapper, never a
// concrete streamjson/jsonrpc/ttypoll type, matching spec.md §9's closed
// capability set over open-ended interface composition.
package supervisor

// Package permission implements the Approval Manager's tool-approval
// gating (spec.md §4.5): a per-toolName pending-approval table with
// dedup-and-evict on a second concurrent request for the same tool, the
// bash command parser and pattern matcher used for allowlist argument-level
// filters (e.g. "git commit *"), and a doom-loop detector that forces a
// manual ask when a tool repeats with identical input.
//
// Checker owns the pending table; the gating rules themselves (auto-allow
// for interactive primitives, non-default permission mode, an allowlist
// match, or a bash pattern match) live in the Session Process, which is the
// only caller with access to session state.
package permission

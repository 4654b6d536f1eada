// Package agent implements the per-session tool allowlist match used by the
// Approval Manager's gating rule 3 (spec.md §4.5): a tool is auto-allowed
// when it matches an entry in the session's `allowedTools` by exact name or
// by name-prefix-before-`(`. Grounded on the teacher's
// internal/agent/agent.go matchWildcard, which paired simple prefix/suffix
// string matching with doublestar.Match for anything more complex; adapted
// here from per-agent tool-enablement to per-session allowlist matching.
package agent

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchAllowlist reports whether toolName is covered by any entry in
// allowed. An entry matches when it equals toolName exactly, when it has
// the form "ToolName(...)" and the prefix before "(" equals toolName, or
// when it is a doublestar glob that matches toolName.
func MatchAllowlist(allowed []string, toolName string) bool {
	for _, entry := range allowed {
		if entry == toolName {
			return true
		}
		if idx := strings.IndexByte(entry, '('); idx >= 0 && entry[:idx] == toolName {
			return true
		}
		if strings.ContainsAny(entry, "*?[") {
			if matched, _ := doublestar.Match(entry, toolName); matched {
				return true
			}
		}
	}
	return false
}

// NormalizeEntry strips a trailing "(...)" argument filter from an
// allowlist entry, used when persisting a bare allow-session decision that
// has no argument-level filter (spec.md §4.5 "appends toolName").
func NormalizeEntry(toolName string) string {
	if idx := strings.IndexByte(toolName, '('); idx >= 0 {
		return toolName[:idx]
	}
	return toolName
}

// Package config loads the supervisor-wide settings described in
// SPEC_FULL.md §A: log directory, MCP temp directory, allowed
// working-directory roots, adapter binary paths, and the fixed intervals
// named throughout spec.md (30s heartbeat, 60s MCP health, 200ms delta
// batch, 5min approval timeout, 5s SIGKILL escalation).
//
// # Loading order
//
// Load(path) applies three layers in precedence order, lowest first:
//
//  1. Default() — the literal constants named in spec.md.
//  2. An optional YAML file at path, if non-empty and present.
//  3. Environment variable overrides (AGENDO_POSTGRES_DSN, AGENDO_LOG_DIR,
//     AGENDO_MCP_CONFIG_DIR, AGENDO_LOG_LEVEL, AGENDO_HEARTBEAT_INTERVAL,
//     AGENDO_APPROVAL_TIMEOUT), with an optional .env file loaded first via
//     godotenv so local development doesn't need real exported variables.
//
// Per-session settings (idleTimeoutSec, permissionMode, allowedTools,
// model, ...) are never read from here — they live on the Session row
// itself (pkg/types.Session) and are resolved per claim by the Session
// Runner, not at process startup.
package config

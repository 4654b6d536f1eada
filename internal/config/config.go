// Package config loads supervisor-wide settings: defaults, overlaid by an
// optional YAML file, overlaid by environment variables (with an optional
// .env file loaded first via godotenv) — the same default-then-file-then-env
// layering the original OpenCode config package used, adapted from JSON/JSONC
// task config to a single supervisor settings document.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the Session Supervisor needs that is not
// per-session (those live on the Session row itself, see pkg/types.Session).
type Config struct {
	// Postgres DSN for the session-claim table and the NOTIFY bridge.
	PostgresDSN string `yaml:"postgresDSN"`

	// LogDir is the root of <LogDir>/sessions/<yyyy>/<mm>/<sessionId>.log
	// and <LogDir>/attachments/<sessionId>/resume-pending.json.
	LogDir string `yaml:"logDir"`

	// McpConfigDir is where per-session MCP config files are written
	// (/tmp/agendo-mcp-<sessionId>.json by default).
	McpConfigDir string `yaml:"mcpConfigDir"`

	// AllowedCwdRoots is the allow-list the Session Runner validates a
	// resolved working directory against.
	AllowedCwdRoots []string `yaml:"allowedCwdRoots"`

	// AdapterBinaries maps an agent kind ("claude", "codex", "gemini") to
	// the executable used to spawn it.
	AdapterBinaries map[string]string `yaml:"adapterBinaries"`

	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	McpHealthInterval    time.Duration `yaml:"mcpHealthInterval"`
	DeltaBatchInterval   time.Duration `yaml:"deltaBatchInterval"`
	ApprovalTimeout      time.Duration `yaml:"approvalTimeout"`
	InterruptGraceWindow time.Duration `yaml:"interruptGraceWindow"`
	SigkillEscalation    time.Duration `yaml:"sigkillEscalation"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the baseline configuration; every interval below mirrors a
// literal constant named in spec.md (30s heartbeat, 60s MCP health, 200ms
// delta batch, 5min AskUserQuestion timeout, 5s SIGKILL escalation).
func Default() Config {
	return Config{
		LogDir:       "/var/log/agendo",
		McpConfigDir: "/tmp",
		AllowedCwdRoots: []string{
			"/tmp",
		},
		AdapterBinaries: map[string]string{
			"claude": "claude",
			"codex":  "app-server",
			"gemini": "gemini",
		},
		HeartbeatInterval:    30 * time.Second,
		McpHealthInterval:    60 * time.Second,
		DeltaBatchInterval:   200 * time.Millisecond,
		ApprovalTimeout:      5 * time.Minute,
		InterruptGraceWindow: 3 * time.Second,
		SigkillEscalation:    5 * time.Second,
		LogLevel:             "info",
	}
}

// Load reads an optional .env file (ignored if absent), an optional YAML
// file at path (ignored if empty or absent), and finally applies
// environment-variable overrides, in that precedence order.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENDO_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("AGENDO_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("AGENDO_MCP_CONFIG_DIR"); v != "" {
		cfg.McpConfigDir = v
	}
	if v := os.Getenv("AGENDO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENDO_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AGENDO_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalTimeout = d
		}
	}
	if v := os.Getenv("AGENDO_IDLE_TIMEOUT_DEFAULT_SEC"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			// left for the caller: per-session idleTimeoutSec comes from the
			// session row, not from process config; an unparsable override
			// is simply ignored here.
			_ = err
		}
	}
}

package mcpstatus

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultTimeout bounds a single server's connect attempt so one wedged MCP
// server can never stall the Activity Tracker's 60s health tick for every
// other server in the session.
const DefaultTimeout = 5 * time.Second

// Checker probes a fixed set of MCP servers on demand. One Checker is built
// per session from the same config written to disk for the agent binary's
// --mcp-config flag.
type Checker struct {
	servers map[string]ServerConfig
	timeout time.Duration

	mu   sync.Mutex
	impl *sdkmcp.Implementation
}

// NewChecker builds a Checker over cfg.McpServers.
func NewChecker(cfg ParsedConfig) *Checker {
	return &Checker{
		servers: cfg.McpServers,
		timeout: DefaultTimeout,
		impl:    &sdkmcp.Implementation{Name: "agendo-supervisor", Version: "1.0.0"},
	}
}

// CheckAll connects to every configured server in parallel and reports its
// status as either "connected" or "unreachable". This is the
// McpStatusFetcher shape the Activity Tracker's health ticker expects
// (spec.md §4.4): it emits system:mcp-status only when a server's status is
// neither "connected" nor "ready".
func (c *Checker) CheckAll(ctx context.Context) map[string]string {
	out := make(map[string]string, len(c.servers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, cfg := range c.servers {
		wg.Add(1)
		go func(name string, cfg ServerConfig) {
			defer wg.Done()
			status := c.checkOne(ctx, name, cfg)
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}(name, cfg)
	}
	wg.Wait()
	return out
}

func (c *Checker) checkOne(ctx context.Context, name string, cfg ServerConfig) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	transport, err := c.buildTransport(cfg)
	if err != nil {
		return "unreachable"
	}

	client := sdkmcp.NewClient(c.impl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return "unreachable"
	}
	defer session.Close()

	return "connected"
}

func (c *Checker) buildTransport(cfg ServerConfig) (sdkmcp.Transport, error) {
	switch cfg.effectiveType() {
	case TransportRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpstatus: remote server missing url")
		}
		return &sdkmcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: &http.Client{Timeout: c.timeout},
		}, nil
	default:
		if cfg.Command == "" {
			return nil, fmt.Errorf("mcpstatus: stdio server missing command")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	}
}

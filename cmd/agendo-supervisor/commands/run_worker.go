package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/server"
	"github.com/agendo-io/supervisor/internal/storage"
	"github.com/agendo-io/supervisor/internal/supervisor"
)

var (
	serverPort     int
	serverHostname string
	workerID       string
)

var runWorkerCmd = &cobra.Command{
	Use:   "run-worker",
	Short: "Host the SSE and control HTTP surface for this worker's claimed sessions",
	RunE:  runRunWorker,
}

func init() {
	runWorkerCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to listen on (0 = config default)")
	runWorkerCmd.Flags().StringVar(&serverHostname, "hostname", "", "Hostname to listen on (empty = config default)")
	runWorkerCmd.Flags().StringVar(&workerID, "worker-id", "", "Worker identity used on claims (default: generated)")
}

func runRunWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bus := event.Global()
	if cfg.PostgresDSN != "" {
		bridge := event.NewPGBridge(cfg.PostgresDSN, bus, logging.Logger)
		bus.SetNotifier(bridge)
		go bridge.Listen(ctx)
	}

	registry := supervisor.NewRegistry()

	srvCfg := server.DefaultConfig()
	if serverPort != 0 {
		srvCfg.Port = serverPort
	}
	if serverHostname != "" {
		srvCfg.Hostname = serverHostname
	}

	httpSrv := server.New(srvCfg, store, registry, bus)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	logging.Info().Str("worker_id", workerID).Msg("agendo-supervisor worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Info().Msg("shutdown signal received, draining sessions")
	case err := <-errCh:
		logging.Error().Err(err).Msg("http server exited unexpectedly")
	}

	registry.TerminateAll()
	deadline := time.After(30 * time.Second)
	for registry.Len() > 0 {
		select {
		case <-deadline:
			logging.Warn().Int("remaining", registry.Len()).Msg("shutdown deadline hit with sessions still draining")
			goto drained
		case <-time.After(200 * time.Millisecond):
		}
	}
drained:

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http server shutdown error")
	}

	cancel()
	logging.Info().Msg("agendo-supervisor worker stopped")
	return nil
}

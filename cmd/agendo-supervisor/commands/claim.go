package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/storage"
	"github.com/agendo-io/supervisor/internal/supervisor"
)

var (
	claimSessionID string
	claimCwd       string
	claimPlanDir   string
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim and run one session to completion, for manual testing",
	Long: `claim performs a single atomic claim against an existing session row,
drives it through the Session Runner exactly as a worker would, and blocks
until the subprocess exits. It has no work-queue integration of its own —
the session row must already exist (created by the platform, or a test
fixture) with status idle or ended.`,
	RunE: runClaim,
}

func init() {
	claimCmd.Flags().StringVar(&claimSessionID, "session-id", "", "Session id to claim (required)")
	claimCmd.Flags().StringVar(&claimCwd, "cwd", "", "Working directory override")
	claimCmd.Flags().StringVar(&claimPlanDir, "plan-dir", "", "Directory to watch for captured plan files")
	claimCmd.MarkFlagRequired("session-id")
}

func runClaim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	sess, err := store.Get(ctx, claimSessionID)
	if err != nil {
		return fmt.Errorf("fetch session %s: %w", claimSessionID, err)
	}

	bus := event.Global()
	registry := supervisor.NewRegistry()
	runner := supervisor.NewRunner(cfg, store, bus, registry, noopReenqueuer{}, noopNotifier{}, claimPlanDir)

	wid := "claim-" + uuid.New().String()
	tc := supervisor.TaskContext{CwdOverride: claimCwd}

	proc, err := runner.Run(ctx, sess, tc, wid)
	if err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	logging.Info().Str("session_id", sess.ID).Msg("claimed, awaiting process exit")
	code := proc.WaitForExit()
	logging.Info().Str("session_id", sess.ID).Int("exit_code", code).Msg("session process exited")

	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// noopReenqueuer logs rather than re-submitting to a real work queue, since
// claim has no queue integration of its own.
type noopReenqueuer struct{}

func (noopReenqueuer) Enqueue(sessionID string, resumeRef *string) error {
	logging.Info().Str("session_id", sessionID).Msg("claim: session would be re-enqueued here; no queue attached")
	return nil
}

type noopNotifier struct{}

func (noopNotifier) SendPushToAll(title, body, url string)  {}
func (noopNotifier) ResetRecoveryCount(sessionID string) {}

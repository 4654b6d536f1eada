// Package commands provides the CLI commands for the agendo-supervisor
// binary.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agendo-io/supervisor/internal/config"
	"github.com/agendo-io/supervisor/internal/logging"
)

var (
	// Version is set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	configPath string
	printLogs  bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "agendo-supervisor",
	Short: "Agendo session supervisor",
	Long: `agendo-supervisor hosts the per-session lifecycle engine that spawns,
supervises, and mediates long-running AI CLI coding agent subprocesses.

Run 'agendo-supervisor run-worker' to host the SSE and control HTTP surface
for every session this worker claims, or 'agendo-supervisor claim' to drive
one session end to end for manual testing.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Output: os.Stderr,
			Pretty: printLogs,
		}
		logging.Init(logCfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to supervisor YAML config")
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", true, "Human-readable console log format on stderr (JSON lines when false)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agendo-supervisor %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runWorkerCmd)
	rootCmd.AddCommand(claimCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

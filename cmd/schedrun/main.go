package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohans/schedrun/cmd/schedrun/commands"
	"github.com/mohans/schedrun/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "schedrun",
	Short: "schedrun - scheduled workflow execution engine",
	Long: `schedrun runs user workflows on cron schedules with per-user and
global concurrency limits.

Available commands:
  worker  - Process execution jobs and completion signals
  trigger - Run a schedule now
  retry   - Re-run a failed execution from its frozen snapshot
  migrate - Create or update the database schema

Examples:
  schedrun migrate
  schedrun worker --config /etc/schedrun/config.toml
  schedrun trigger --uid u1 --schedule sch-123
  schedrun retry --uid u1 --record 6f1c...`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := commands.LoadConfig(cmd)
		if err != nil {
			return err
		}
		if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config file (default: /etc/schedrun/config.toml, ./schedrun.toml)")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

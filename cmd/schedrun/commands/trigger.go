package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohans/schedrun"
	"github.com/mohans/schedrun/internal/logger"
	"github.com/mohans/schedrun/priority"
)

// TriggerCmd runs a schedule immediately.
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a schedule now",
	Long: `Create a pending execution for the schedule and queue it at the
user's current priority.

Examples:
  schedrun trigger --uid u1 --schedule sch-123`,
	RunE: runTrigger,
}

// RetryCmd re-queues a failed execution.
var RetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run a failed execution from its frozen snapshot",
	RunE:  runRetry,
}

var (
	uidFlag      string
	scheduleFlag string
	recordFlag   string
)

func init() {
	TriggerCmd.Flags().StringVar(&uidFlag, "uid", "", "Owner of the schedule")
	TriggerCmd.Flags().StringVar(&scheduleFlag, "schedule", "", "Schedule id")
	_ = TriggerCmd.MarkFlagRequired("uid")
	_ = TriggerCmd.MarkFlagRequired("schedule")

	RetryCmd.Flags().StringVar(&uidFlag, "uid", "", "Owner of the execution")
	RetryCmd.Flags().StringVar(&recordFlag, "record", "", "Execution record id")
	_ = RetryCmd.MarkFlagRequired("uid")
	_ = RetryCmd.MarkFlagRequired("record")
}

func newClient(cmd *cobra.Command) (*schedrun.Client, func(), error) {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	client := schedrun.NewClient(redisOpt(cfg), store, priority.NewCalculator(store), logger.Logger)
	return client, func() {
		client.Close()
		store.DB().Close()
	}, nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	client, closeFn, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := client.TriggerManually(cmd.Context(), uidFlag, scheduleFlag)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s (priority %d)\n", rec.ScheduleRecordID, rec.Priority)
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	client, closeFn, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := client.Retry(cmd.Context(), uidFlag, recordFlag)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "retrying %s (priority %d)\n", rec.ScheduleRecordID, rec.Priority)
	return nil
}

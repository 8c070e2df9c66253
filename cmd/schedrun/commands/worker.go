package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/mohans/schedrun"
	"github.com/mohans/schedrun/admission"
	"github.com/mohans/schedrun/completion"
	"github.com/mohans/schedrun/counter"
	"github.com/mohans/schedrun/execution"
	"github.com/mohans/schedrun/internal/logger"
	"github.com/mohans/schedrun/priority"
	"github.com/mohans/schedrun/snapshot"
)

// WorkerCmd runs the execution and completion workers until interrupted.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process execution jobs and completion signals",
	RunE:  runWorker,
}

var workflowQueueFlag string

func init() {
	WorkerCmd.Flags().StringVar(&workflowQueueFlag, "workflow-queue", "workflow", "Queue the workflow engine consumes runs from")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.Logger
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	blobs, err := blobStore(ctx, cfg)
	if err != nil {
		return err
	}

	rdb := redisClient(cfg)
	defer rdb.Close()
	ctrl := admission.NewController(counter.New(rdb), admission.Options{
		UserMaxConcurrent: int64(cfg.Admission.UserMaxConcurrent),
		CounterTTL:        cfg.Admission.CounterTTL,
	}, log)

	queueClient := asynq.NewClient(redisOpt(cfg))
	defer queueClient.Close()

	proc := execution.NewProcessor(execution.Deps{
		Admission: ctrl,
		Store:     store,
		Credits:   store,
		Snapshots: snapshot.NewService(snapshot.NewSQLCanvasSource(store.DB()), blobs, cfg.Snapshot.Prefix),
		Executor:  execution.NewQueueExecutor(queueClient, workflowQueueFlag),
	}, execution.Options{DeferDelay: cfg.Admission.DeferDelay}, log)
	listener := completion.NewListener(store, ctrl, priority.NewCalculator(store), nil, log)

	server := schedrun.NewServer(redisOpt(cfg), schedrun.ServerConfig{
		Concurrency:        cfg.Queue.Concurrency,
		StartRatePerMinute: cfg.Queue.StartRatePerMinute,
		ShutdownTimeout:    cfg.Queue.ShutdownTimeout,
	}, log)
	server.Register(proc, listener)

	if err := server.Start(); err != nil {
		return err
	}
	log.Infow("Worker started",
		"concurrency", cfg.Queue.Concurrency,
		"user_max_concurrent", cfg.Admission.UserMaxConcurrent,
		"start_rate_per_minute", cfg.Queue.StartRatePerMinute)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Infow("Shutting down worker")
	server.Shutdown()
	listener.Wait()
	return nil
}

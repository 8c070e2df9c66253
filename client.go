package schedrun

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mohans/schedrun/execution"
	"github.com/mohans/schedrun/failure"
	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/priority"
	"github.com/mohans/schedrun/record"
)

// Trigger kinds, part of the queue task id.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
	TriggerRetry  = "retry"
)

// ClientStore is the record access the enqueue paths need.
type ClientStore interface {
	GetSchedule(ctx context.Context, scheduleID string) (*record.Schedule, error)
	GetRecord(ctx context.Context, recordID string) (*record.ExecutionRecord, error)
	CreatePending(ctx context.Context, sch *record.Schedule, priority int) (*record.ExecutionRecord, error)
	FindOrCreatePending(ctx context.Context, sch *record.Schedule, scheduledAt time.Time, priority int) (*record.ExecutionRecord, error)
	ResetForRetry(ctx context.Context, recordID string, priority int) error
	MarkFailed(ctx context.Context, recordID string, reason record.FailureReason, details string, completedAt time.Time) error
}

// PriorityCalculator is implemented by *priority.Calculator.
type PriorityCalculator interface {
	Calculate(ctx context.Context, uid string) (int, error)
}

// Client creates execution records and enqueues execution jobs.
type Client struct {
	client   *asynq.Client
	store    ClientStore
	priority PriorityCalculator
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewClient(redisOpt asynq.RedisConnOpt, store ClientStore, calc PriorityCalculator, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		store:    store,
		priority: calc,
		now:      time.Now,
		log:      log,
	}
}

// TaskID is the queue-level idempotency key of one enqueue.
func TaskID(scheduleID, kind, recordID string, at time.Time) string {
	return fmt.Sprintf("schedule:%s:%s:%s:%d", scheduleID, kind, recordID, at.UnixMilli())
}

// EnqueueFire queues the cron fire of sch at scheduledAt, promoting the
// schedule's planned-run placeholder when one exists.
func (c *Client) EnqueueFire(ctx context.Context, sch *record.Schedule, scheduledAt time.Time) (*record.ExecutionRecord, error) {
	if sch.Deleted() || !sch.IsEnabled {
		return nil, errors.NewInvalidRequestError("schedule %s is not active", sch.ScheduleID)
	}
	prio, err := c.priority.Calculate(ctx, sch.UID)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.FindOrCreatePending(ctx, sch, scheduledAt, prio)
	if err != nil {
		return nil, err
	}
	return rec, c.enqueue(ctx, rec, TriggerCron, scheduledAt)
}

// TriggerManually runs uid's schedule now.
func (c *Client) TriggerManually(ctx context.Context, uid, scheduleID string) (*record.ExecutionRecord, error) {
	sch, err := c.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sch.UID != uid || sch.Deleted() {
		return nil, errors.NewNotFoundError("schedule %s", scheduleID)
	}
	if !sch.IsEnabled {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("schedule %s is disabled", scheduleID),
			"enable the schedule before triggering it")
	}

	prio, err := c.priority.Calculate(ctx, uid)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.CreatePending(ctx, sch, prio)
	if err != nil {
		return nil, err
	}
	return rec, c.enqueue(ctx, rec, TriggerManual, c.now())
}

// Retry re-queues a failed run of uid. Only runs that froze a snapshot can be
// retried; the retry replays that snapshot.
func (c *Client) Retry(ctx context.Context, uid, scheduleRecordID string) (*record.ExecutionRecord, error) {
	rec, err := c.store.GetRecord(ctx, scheduleRecordID)
	if err != nil {
		return nil, err
	}
	if rec.UID != uid {
		return nil, errors.NewNotFoundError("execution record %s", scheduleRecordID)
	}
	if rec.Status != record.StatusFailed || !rec.IsRetry() {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("execution record %s is not retryable (status %s)", scheduleRecordID, rec.Status),
			"only failed runs that captured a snapshot can be retried")
	}

	prio, err := c.priority.Calculate(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := c.store.ResetForRetry(ctx, scheduleRecordID, prio); err != nil {
		return nil, err
	}
	if rec, err = c.store.GetRecord(ctx, scheduleRecordID); err != nil {
		return nil, err
	}
	return rec, c.enqueue(ctx, rec, TriggerRetry, c.now())
}

func (c *Client) enqueue(ctx context.Context, rec *record.ExecutionRecord, kind string, at time.Time) error {
	job := execution.Job{
		ScheduleID:       rec.ScheduleID,
		CanvasID:         rec.CanvasID,
		UID:              rec.UID,
		Priority:         rec.Priority,
		ScheduleRecordID: rec.ScheduleRecordID,
	}
	if rec.ScheduledAt != nil {
		job.ScheduledAt = *rec.ScheduledAt
	}
	task, err := execution.NewTask(job)
	if err != nil {
		return err
	}

	taskID := TaskID(rec.ScheduleID, kind, rec.ScheduleRecordID, at)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.TaskID(taskID),
		asynq.Queue(priority.QueueName(rec.Priority)),
		asynq.MaxRetry(0),
	)
	if err != nil {
		err = errors.Wrapf(err, "failed to enqueue %s", taskID)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return err
		}
		// the record would otherwise sit in pending with nothing queued
		if ferr := c.store.MarkFailed(context.WithoutCancel(ctx), rec.ScheduleRecordID, failure.Classify(err),
			failure.Details(err, failure.StageEnqueue), c.now()); ferr != nil {
			c.log.Errorw("Failed to mark unqueued record failed", "schedule_record_id", rec.ScheduleRecordID, "error", ferr)
		}
		return err
	}

	c.log.Infow("Execution enqueued",
		"task_id", info.ID, "queue", info.Queue, "schedule_id", rec.ScheduleID,
		"schedule_record_id", rec.ScheduleRecordID, "trigger", kind, "priority", rec.Priority)
	return nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

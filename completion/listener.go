// Package completion consumes "workflow finished" signals from the workflow
// engine and closes the loop on an execution: the record is finalized, the
// user's concurrency slot is released, the schedule's next run is planned and
// the user is notified.
//
// Signals are delivered at least once. A signal for a record that is already
// terminal is acknowledged and ignored.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mohans/schedrun/failure"
	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/record"
)

// TaskTypeCompleted is the queue task type the workflow engine emits.
const TaskTypeCompleted = "schedule:execution:completed"

// Event is the completion signal for one workflow execution.
type Event struct {
	ScheduleRecordID    string `json:"scheduleRecordId"`
	WorkflowExecutionID string `json:"workflowExecutionId"`
	Success             bool   `json:"success"`
	Error               string `json:"error,omitempty"`
	ErrorName           string `json:"errorName,omitempty"`
}

// NewTask encodes ev as a queue task.
func NewTask(ev Event) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode completion event")
	}
	return asynq.NewTask(TaskTypeCompleted, payload), nil
}

// Store is the persistence the listener needs.
type Store interface {
	GetRecord(ctx context.Context, recordID string) (*record.ExecutionRecord, error)
	GetSchedule(ctx context.Context, scheduleID string) (*record.Schedule, error)
	MarkSucceeded(ctx context.Context, recordID string, completedAt time.Time) error
	MarkRunFailed(ctx context.Context, recordID string, reason record.FailureReason, details string, completedAt time.Time) error
	UpsertScheduledPlaceholder(ctx context.Context, sch *record.Schedule, nextRunAt time.Time, priority int) (*record.ExecutionRecord, error)
	UserEmail(ctx context.Context, uid string) (string, error)
}

// Releaser is implemented by *admission.Controller.
type Releaser interface {
	Release(ctx context.Context, uid string)
}

// PriorityCalculator is implemented by *priority.Calculator.
type PriorityCalculator interface {
	Calculate(ctx context.Context, uid string) (int, error)
}

// Listener finalizes executions on completion signals.
type Listener struct {
	store    Store
	slots    Releaser
	priority PriorityCalculator
	notifier Notifier
	now      func() time.Time
	log      *zap.SugaredLogger

	wg sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

func NewListener(store Store, slots Releaser, calc PriorityCalculator, notifier Notifier, log *zap.SugaredLogger, opts ...Option) *Listener {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	l := &Listener{store: store, slots: slots, priority: calc, notifier: notifier, now: time.Now, log: log}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ProcessTask implements asynq.Handler.
func (l *Listener) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var ev Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("decode completion event: %v: %w", err, asynq.SkipRetry)
	}
	return l.Handle(ctx, ev)
}

// Handle applies one completion signal. Store read failures are returned so
// the queue redelivers; everything after finalization is best effort.
func (l *Listener) Handle(ctx context.Context, ev Event) error {
	log := l.log.With("schedule_record_id", ev.ScheduleRecordID, "workflow_execution_id", ev.WorkflowExecutionID)

	rec, err := l.store.GetRecord(ctx, ev.ScheduleRecordID)
	if errors.IsNotFoundError(err) {
		log.Warnw("Completion for unknown execution record")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load execution record")
	}
	if rec.Status.Terminal() {
		log.Infow("Execution already finalized, ignoring duplicate completion", "status", rec.Status)
		return nil
	}
	if rec.Status != record.StatusRunning {
		log.Warnw("Completion for an execution that was never launched, ignoring", "status", rec.Status)
		return nil
	}

	completedAt := l.now().UTC()
	status := record.StatusSuccess
	var reason record.FailureReason
	if ev.Success {
		err = l.store.MarkSucceeded(ctx, rec.ScheduleRecordID, completedAt)
	} else {
		status = record.StatusFailed
		reason = failure.ClassifyMessage(ev.ErrorName + " " + ev.Error)
		details := failure.MessageDetails(ev.ErrorName, ev.Error, failure.StageCompletion)
		err = l.store.MarkRunFailed(ctx, rec.ScheduleRecordID, reason, details, completedAt)
	}
	if errors.Is(err, record.ErrRecordFinalized) {
		log.Infow("Execution finalized concurrently, ignoring duplicate completion")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to finalize execution record")
	}

	// the slot was handed over at launch; only the writer that finalized gives it back
	if rec.SlotDegraded {
		log.Infow("Execution was admitted without a slot, nothing to release", "uid", rec.UID)
	} else {
		l.slots.Release(context.WithoutCancel(ctx), rec.UID)
	}
	log.Infow("Execution finalized", "uid", rec.UID, "status", status, "reason", reason)

	sch, next := l.planNextRun(ctx, rec, completedAt)
	l.notify(ctx, rec, sch, status, reason, next)
	return nil
}

// planNextRun keeps the schedule's "next planned run" placeholder current.
func (l *Listener) planNextRun(ctx context.Context, rec *record.ExecutionRecord, after time.Time) (*record.Schedule, *time.Time) {
	log := l.log.With("schedule_id", rec.ScheduleID)

	sch, err := l.store.GetSchedule(ctx, rec.ScheduleID)
	if err != nil {
		log.Warnw("Failed to load schedule for next run", "error", err)
		return nil, nil
	}
	if sch.Deleted() || !sch.IsEnabled {
		return sch, nil
	}

	next, err := sch.NextRunAfter(after)
	if err != nil {
		log.Warnw("Failed to compute next run", "cron_expression", sch.CronExpression, "error", err)
		return sch, nil
	}

	prio := rec.Priority
	if l.priority != nil {
		if p, err := l.priority.Calculate(ctx, sch.UID); err != nil {
			log.Warnw("Failed to calculate priority, keeping previous", "error", err)
		} else {
			prio = p
		}
	}

	if _, err := l.store.UpsertScheduledPlaceholder(ctx, sch, next, prio); err != nil {
		log.Warnw("Failed to plan next run", "next_run_at", next, "error", err)
		return sch, nil
	}
	return sch, &next
}

// notify sends the outcome in the background. Failures never touch the record.
func (l *Listener) notify(ctx context.Context, rec *record.ExecutionRecord, sch *record.Schedule, status record.Status, reason record.FailureReason, next *time.Time) {
	to, err := l.store.UserEmail(ctx, rec.UID)
	if err != nil || to == "" {
		l.log.Debugw("No notification recipient", "uid", rec.UID, "error", err)
		return
	}
	subject, body := render(rec, sch, status, reason, next)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.notifier.Send(context.WithoutCancel(ctx), to, subject, body); err != nil {
			l.log.Warnw("Failed to send execution notification",
				"uid", rec.UID, "schedule_record_id", rec.ScheduleRecordID, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications have finished.
func (l *Listener) Wait() {
	l.wg.Wait()
}

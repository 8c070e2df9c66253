// Package execution drives one scheduled execution attempt from dequeue to
// launch.
//
// Per attempt the Processor admits the user, re-checks that the schedule is
// still live, resolves the execution record, freezes or reloads the workflow
// snapshot, gates on credits and hands the snapshot to the workflow engine.
// Once launched, the run's concurrency slot belongs to the completion
// listener. Every other exit releases the slot here.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mohans/schedrun/admission"
	"github.com/mohans/schedrun/failure"
	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/record"
	"github.com/mohans/schedrun/snapshot"
)

// DefaultDeferDelay is how long a job waits after an admission rejection.
const DefaultDeferDelay = 10 * time.Second

// Admitter is implemented by *admission.Controller.
type Admitter interface {
	TryAdmit(ctx context.Context, uid string) admission.Result
	Release(ctx context.Context, uid string)
}

// Store is the record and schedule access the processor needs.
type Store interface {
	GetSchedule(ctx context.Context, scheduleID string) (*record.Schedule, error)
	GetRecord(ctx context.Context, recordID string) (*record.ExecutionRecord, error)
	FindOrCreatePending(ctx context.Context, sch *record.Schedule, scheduledAt time.Time, priority int) (*record.ExecutionRecord, error)
	MarkProcessing(ctx context.Context, recordID, snapshotKey string) error
	MarkRunning(ctx context.Context, recordID string, triggeredAt time.Time, slotDegraded bool) error
	SetWorkflowExecutionID(ctx context.Context, recordID, executionID string) error
	MarkFailed(ctx context.Context, recordID string, reason record.FailureReason, details string, completedAt time.Time) error
	MarkSkipped(ctx context.Context, recordID string, reason record.FailureReason, completedAt time.Time) error
}

// CreditChecker reports a user's spendable balance.
type CreditChecker interface {
	CreditBalance(ctx context.Context, uid string) (float64, error)
}

// Snapshots is implemented by *snapshot.Service.
type Snapshots interface {
	Build(ctx context.Context, canvasID string) (*snapshot.Snapshot, error)
	Save(ctx context.Context, snap *snapshot.Snapshot) (string, error)
	Load(ctx context.Context, key string) (*snapshot.Snapshot, error)
}

// Deps are the processor's collaborators.
type Deps struct {
	Admission Admitter
	Store     Store
	Credits   CreditChecker
	Snapshots Snapshots
	Executor  WorkflowExecutor
}

// Options tune the processor.
type Options struct {
	DeferDelay time.Duration
	Now        func() time.Time
}

// Processor runs execution attempts. It is safe for concurrent use.
type Processor struct {
	deps       Deps
	deferDelay time.Duration
	now        func() time.Time
	log        *zap.SugaredLogger
}

func NewProcessor(deps Deps, opts Options, log *zap.SugaredLogger) *Processor {
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = DefaultDeferDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Processor{deps: deps, deferDelay: opts.DeferDelay, now: opts.Now, log: log}
}

// ProcessTask implements asynq.Handler.
func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := ParseJob(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return p.Process(ctx, job)
}

// slot is the admission held by one attempt.
type slot struct {
	p        *Processor
	uid      string
	degraded bool
	done     bool
}

// release gives the slot back at most once. Degraded admissions hold nothing.
func (s *slot) release(ctx context.Context) {
	if s.done || s.degraded {
		s.done = true
		return
	}
	s.done = true
	s.p.deps.Admission.Release(context.WithoutCancel(ctx), s.uid)
}

// handOff marks the slot as owned by the completion listener.
func (s *slot) handOff() { s.done = true }

// Process runs one attempt for job. A nil return means the attempt reached a
// recorded outcome (launched, skipped or failed at the credit gate). A
// *DeferredError means the user is at capacity and the job should be
// redelivered later; the record is untouched. Other errors have already been
// persisted on the record as a classified failure.
func (p *Processor) Process(ctx context.Context, job Job) error {
	res := p.deps.Admission.TryAdmit(ctx, job.UID)
	if !res.Admitted {
		p.log.Infow("Execution deferred, user at capacity",
			"uid", job.UID, "schedule_id", job.ScheduleID, "count", res.CurrentCount, "delay", p.deferDelay)
		return &DeferredError{Delay: p.deferDelay, Reason: "user concurrency limit reached"}
	}
	if res.Degraded {
		p.log.Warnw("Admission degraded, proceeding without a slot", "uid", job.UID, "schedule_id", job.ScheduleID)
	}
	s := &slot{p: p, uid: job.UID, degraded: res.Degraded}

	sch, err := p.deps.Store.GetSchedule(ctx, job.ScheduleID)
	if err != nil && !errors.IsNotFoundError(err) {
		return p.fail(ctx, s, job, nil, failure.Classify(err), err, failure.StageLiveness)
	}
	if sch == nil || sch.Deleted() {
		return p.skip(ctx, s, job, sch, record.ReasonScheduleDeleted)
	}
	if !sch.IsEnabled {
		return p.skip(ctx, s, job, sch, record.ReasonScheduleDisabled)
	}

	rec, err := p.resolveRecord(ctx, job, sch)
	if err != nil {
		return p.fail(ctx, s, job, nil, failure.Classify(err), err, failure.StageRecord)
	}
	if rec.Status == record.StatusRunning || rec.Status.Terminal() {
		p.log.Infow("Execution record already past dispatch, dropping duplicate delivery",
			"schedule_record_id", rec.ScheduleRecordID, "status", rec.Status)
		s.release(ctx)
		return nil
	}
	log := p.log.With("schedule_record_id", rec.ScheduleRecordID, "schedule_id", rec.ScheduleID, "uid", rec.UID)

	snap, key, err := p.resolveSnapshot(ctx, rec)
	if err != nil {
		reason := failure.Classify(err)
		if rec.IsRetry() {
			reason = record.ReasonSnapshotError
		}
		return p.fail(ctx, s, job, rec, reason, err, failure.StageSnapshot)
	}
	if err := p.deps.Store.MarkProcessing(ctx, rec.ScheduleRecordID, key); err != nil {
		return p.interrupted(ctx, s, job, rec, err, failure.StageSnapshot)
	}

	balance, err := p.deps.Credits.CreditBalance(ctx, rec.UID)
	if err != nil {
		return p.fail(ctx, s, job, rec, failure.Classify(err), err, failure.StageCredits)
	}
	if balance <= 0 {
		gateErr := errors.WithHint(
			errors.Newf("insufficient credits: balance %.2f", balance),
			"recharge credits or upgrade the subscription to resume scheduled runs")
		p.finalizeFailed(ctx, log, rec, record.ReasonInsufficientCredits, failure.Details(gateErr, failure.StageCredits))
		s.release(ctx)
		return nil
	}

	triggeredAt := p.now().UTC()
	if err := p.deps.Store.MarkRunning(ctx, rec.ScheduleRecordID, triggeredAt, s.degraded); err != nil {
		return p.interrupted(ctx, s, job, rec, err, failure.StageLaunch)
	}

	vars, err := snap.VariableMap()
	if err != nil {
		return p.fail(ctx, s, job, rec, record.ReasonSnapshotError, err, failure.StageLaunch)
	}
	executionID, err := p.deps.Executor.Start(ctx, StartRequest{
		Snapshot:    snap,
		SnapshotKey: key,
		Variables:   vars,
		Metadata: Metadata{
			ScheduleID:       rec.ScheduleID,
			ScheduleRecordID: rec.ScheduleRecordID,
			UID:              rec.UID,
			CanvasID:         rec.CanvasID,
			Priority:         rec.Priority,
			TriggeredAt:      triggeredAt,
		},
	})
	if err != nil {
		reason := failure.Classify(err)
		if reason == record.ReasonUnknownError {
			reason = record.ReasonWorkflowExecutionFailed
		}
		return p.fail(ctx, s, job, rec, reason, err, failure.StageLaunch)
	}
	s.handOff()

	if err := p.deps.Store.SetWorkflowExecutionID(ctx, rec.ScheduleRecordID, executionID); err != nil {
		// the run is live either way; completion may already have finalized it
		log.Warnw("Failed to store workflow execution id", "workflow_execution_id", executionID, "error", err)
	}
	log.Infow("Execution launched", "workflow_execution_id", executionID, "priority", rec.Priority, "retry", rec.IsRetry())
	return nil
}

func (p *Processor) resolveRecord(ctx context.Context, job Job, sch *record.Schedule) (*record.ExecutionRecord, error) {
	if job.ScheduleRecordID != "" {
		return p.deps.Store.GetRecord(ctx, job.ScheduleRecordID)
	}
	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = p.now()
	}
	return p.deps.Store.FindOrCreatePending(ctx, sch, scheduledAt, job.Priority)
}

// resolveSnapshot reloads a frozen snapshot, or freezes a new one exactly once.
func (p *Processor) resolveSnapshot(ctx context.Context, rec *record.ExecutionRecord) (*snapshot.Snapshot, string, error) {
	if rec.IsRetry() {
		key := *rec.SnapshotStorageKey
		snap, err := p.deps.Snapshots.Load(ctx, key)
		if err != nil {
			return nil, "", err
		}
		return snap, key, nil
	}

	snap, err := p.deps.Snapshots.Build(ctx, rec.CanvasID)
	if err != nil {
		return nil, "", err
	}
	key, err := p.deps.Snapshots.Save(ctx, snap)
	if err != nil {
		return nil, "", err
	}
	return snap, key, nil
}

func (p *Processor) skip(ctx context.Context, s *slot, job Job, sch *record.Schedule, reason record.FailureReason) error {
	defer s.release(ctx)

	if sch == nil {
		sch = &record.Schedule{ScheduleID: job.ScheduleID, UID: job.UID, CanvasID: job.CanvasID}
	}
	rec, err := p.resolveRecord(ctx, job, sch)
	if err != nil {
		p.log.Warnw("Schedule no longer live and no record to mark skipped",
			"schedule_id", job.ScheduleID, "reason", reason, "error", err)
		return nil
	}
	if rec.Status == record.StatusRunning || rec.Status.Terminal() {
		// launched before the schedule went away; the run finishes on its own
		p.log.Infow("Execution record already past dispatch, dropping duplicate delivery",
			"schedule_record_id", rec.ScheduleRecordID, "status", rec.Status)
		return nil
	}
	if err := p.deps.Store.MarkSkipped(ctx, rec.ScheduleRecordID, reason, p.now()); err != nil {
		if !errors.Is(err, record.ErrRecordFinalized) {
			p.log.Errorw("Failed to mark execution skipped", "schedule_record_id", rec.ScheduleRecordID, "error", err)
		}
		return nil
	}
	p.log.Infow("Execution skipped", "schedule_record_id", rec.ScheduleRecordID, "schedule_id", job.ScheduleID, "reason", reason)
	return nil
}

// interrupted handles a conditional write that matched nothing: another
// delivery or the completion listener moved the record first.
func (p *Processor) interrupted(ctx context.Context, s *slot, job Job, rec *record.ExecutionRecord, err error, stage string) error {
	if errors.Is(err, record.ErrRecordFinalized) {
		p.log.Infow("Execution record moved concurrently, dropping attempt",
			"schedule_record_id", rec.ScheduleRecordID, "stage", stage)
		s.release(ctx)
		return nil
	}
	return p.fail(ctx, s, job, rec, failure.Classify(err), err, stage)
}

// fail persists a classified failure, releases the slot and returns err for
// the queue's own bookkeeping.
func (p *Processor) fail(ctx context.Context, s *slot, job Job, rec *record.ExecutionRecord, reason record.FailureReason, err error, stage string) error {
	defer s.release(ctx)

	log := p.log.With("schedule_id", job.ScheduleID, "uid", job.UID, "stage", stage)
	recordID := job.ScheduleRecordID
	if rec != nil {
		recordID = rec.ScheduleRecordID
	}
	if recordID == "" {
		log.Errorw("Execution failed before a record was resolved", "reason", reason, "error", err)
		return err
	}

	details := failure.Details(failure.WithReason(err, reason), stage)
	p.finalizeFailed(ctx, log, &record.ExecutionRecord{ScheduleRecordID: recordID}, reason, details)
	return errors.Wrapf(err, "execution %s failed at %s", recordID, stage)
}

func (p *Processor) finalizeFailed(ctx context.Context, log *zap.SugaredLogger, rec *record.ExecutionRecord, reason record.FailureReason, details string) {
	err := p.deps.Store.MarkFailed(context.WithoutCancel(ctx), rec.ScheduleRecordID, reason, details, p.now())
	switch {
	case errors.Is(err, record.ErrRecordFinalized):
		log.Infow("Execution record already finalized", "schedule_record_id", rec.ScheduleRecordID)
	case err != nil:
		log.Errorw("Failed to persist execution failure", "schedule_record_id", rec.ScheduleRecordID, "reason", reason, "error", err)
	default:
		log.Warnw("Execution failed", "schedule_record_id", rec.ScheduleRecordID, "reason", reason, "action", failure.ActionFor(reason))
	}
}

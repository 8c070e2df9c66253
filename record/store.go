package record

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mohans/schedrun/internal/errors"
)

// ErrRecordFinalized is returned when a conditional update matched no row:
// the record is missing or another writer already moved it past the
// expected state. Finalized records are never resurrected.
var ErrRecordFinalized = errors.Wrap(errors.ErrConflict, "execution record already finalized")

const recordColumns = `schedule_record_id, schedule_id, uid, canvas_id, status, priority,
	scheduled_at, triggered_at, completed_at, snapshot_storage_key, workflow_execution_id,
	slot_degraded, failure_reason, error_details, created_at, updated_at`

const scheduleColumns = `schedule_id, uid, canvas_id, name, cron_expression, timezone,
	is_enabled, next_run_at, deleted_at, created_at, updated_at`

const insertRecordSQL = `INSERT INTO schedule_records (` + recordColumns + `) VALUES (
	:schedule_record_id, :schedule_id, :uid, :canvas_id, :status, :priority,
	:scheduled_at, :triggered_at, :completed_at, :snapshot_storage_key, :workflow_execution_id,
	:slot_degraded, :failure_reason, :error_details, :created_at, :updated_at)`

// SQLStore persists execution records and reads the collaborator tables the
// engine depends on. It is safe for concurrent use.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithClock injects the time source used for timestamps (tests).
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sqlx.DB, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

func (s *SQLStore) timestamp() time.Time { return s.now().UTC() }

// GetSchedule returns the schedule including soft-deleted rows; callers
// decide what deletion means for them.
func (s *SQLStore) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	var sch Schedule
	query := s.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE schedule_id = ?`)
	if err := s.db.GetContext(ctx, &sch, query, scheduleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("schedule %s", scheduleID)
		}
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return &sch, nil
}

// GetRecord returns an execution record by id.
func (s *SQLStore) GetRecord(ctx context.Context, recordID string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM schedule_records WHERE schedule_record_id = ?`)
	if err := s.db.GetContext(ctx, &rec, query, recordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution record %s", recordID)
		}
		return nil, errors.Wrap(err, "failed to get execution record")
	}
	return &rec, nil
}

// CreatePending inserts a record queued right now (manual trigger).
func (s *SQLStore) CreatePending(ctx context.Context, sch *Schedule, priority int) (*ExecutionRecord, error) {
	now := s.timestamp()
	rec := s.newRecord(sch, StatusPending, now, priority)
	if err := insertRecord(ctx, s.db, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindOrCreatePending promotes the schedule's "scheduled" placeholder to
// pending, or inserts a fresh pending record when no placeholder exists.
func (s *SQLStore) FindOrCreatePending(ctx context.Context, sch *Schedule, scheduledAt time.Time, priority int) (*ExecutionRecord, error) {
	var out *ExecutionRecord
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := findPlaceholder(ctx, tx, sch.ScheduleID)
		if err != nil {
			return err
		}
		now := s.timestamp()
		if rec == nil {
			out = s.newRecord(sch, StatusPending, scheduledAt.UTC(), priority)
			return insertRecord(ctx, tx, out)
		}

		query := tx.Rebind(`UPDATE schedule_records
			SET status = ?, scheduled_at = ?, priority = ?, updated_at = ?
			WHERE schedule_record_id = ? AND status = ?`)
		if _, err := tx.ExecContext(ctx, query, StatusPending, scheduledAt.UTC(), priority, now, rec.ScheduleRecordID, StatusScheduled); err != nil {
			return errors.Wrap(err, "failed to promote scheduled record")
		}
		at := scheduledAt.UTC()
		rec.Status = StatusPending
		rec.ScheduledAt = &at
		rec.Priority = priority
		rec.UpdatedAt = now
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertScheduledPlaceholder keeps exactly one "next planned run" record per
// schedule: an existing placeholder is moved to nextRunAt, else one is created.
func (s *SQLStore) UpsertScheduledPlaceholder(ctx context.Context, sch *Schedule, nextRunAt time.Time, priority int) (*ExecutionRecord, error) {
	var out *ExecutionRecord
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := findPlaceholder(ctx, tx, sch.ScheduleID)
		if err != nil {
			return err
		}
		if rec == nil {
			out = s.newRecord(sch, StatusScheduled, nextRunAt.UTC(), priority)
			return insertRecord(ctx, tx, out)
		}

		now := s.timestamp()
		query := tx.Rebind(`UPDATE schedule_records SET scheduled_at = ?, priority = ?, updated_at = ?
			WHERE schedule_record_id = ? AND status = ?`)
		if _, err := tx.ExecContext(ctx, query, nextRunAt.UTC(), priority, now, rec.ScheduleRecordID, StatusScheduled); err != nil {
			return errors.Wrap(err, "failed to update scheduled record")
		}
		at := nextRunAt.UTC()
		rec.ScheduledAt = &at
		rec.Priority = priority
		rec.UpdatedAt = now
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkProcessing records the resolved snapshot key and moves a queued record
// to processing. Re-delivery of a job still in processing is allowed.
func (s *SQLStore) MarkProcessing(ctx context.Context, recordID, snapshotKey string) error {
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, snapshot_storage_key = ?, updated_at = ?
		WHERE schedule_record_id = ? AND status IN (?, ?, ?)`,
		StatusProcessing, snapshotKey, s.timestamp(), recordID,
		StatusScheduled, StatusPending, StatusProcessing)
}

// MarkRunning moves a processing record to running. slotDegraded records that
// the run was admitted without a concurrency slot.
func (s *SQLStore) MarkRunning(ctx context.Context, recordID string, triggeredAt time.Time, slotDegraded bool) error {
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, triggered_at = ?, slot_degraded = ?, updated_at = ?
		WHERE schedule_record_id = ? AND status = ?`,
		StatusRunning, triggeredAt.UTC(), slotDegraded, s.timestamp(), recordID, StatusProcessing)
}

// SetWorkflowExecutionID stores the executor's run id. It is written once;
// the completion signal may already have finalized the record.
func (s *SQLStore) SetWorkflowExecutionID(ctx context.Context, recordID, executionID string) error {
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET workflow_execution_id = ?, updated_at = ?
		WHERE schedule_record_id = ? AND workflow_execution_id IS NULL`,
		executionID, s.timestamp(), recordID)
}

// MarkSucceeded finalizes a running record as success. Records that never
// launched cannot succeed.
func (s *SQLStore) MarkSucceeded(ctx context.Context, recordID string, completedAt time.Time) error {
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE schedule_record_id = ? AND status = ?`,
		StatusSuccess, completedAt.UTC(), s.timestamp(), recordID, StatusRunning)
}

// MarkRunFailed finalizes a running record as failed. It is the executor's
// outcome; failures before launch go through MarkFailed.
func (s *SQLStore) MarkRunFailed(ctx context.Context, recordID string, reason FailureReason, details string, completedAt time.Time) error {
	var detailsArg interface{}
	if details != "" {
		detailsArg = details
	}
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, failure_reason = ?, error_details = ?, completed_at = ?, updated_at = ?
		WHERE schedule_record_id = ? AND status = ?`,
		StatusFailed, reason, detailsArg, completedAt.UTC(), s.timestamp(), recordID, StatusRunning)
}

// MarkFailed finalizes a record as failed with a classified reason and diagnostics.
func (s *SQLStore) MarkFailed(ctx context.Context, recordID string, reason FailureReason, details string, completedAt time.Time) error {
	var detailsArg interface{}
	if details != "" {
		detailsArg = details
	}
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, failure_reason = ?, error_details = ?, completed_at = ?, updated_at = ?
		WHERE schedule_record_id = ? AND status NOT IN (?, ?, ?)`,
		StatusFailed, reason, detailsArg, completedAt.UTC(), s.timestamp(), recordID,
		StatusSuccess, StatusFailed, StatusSkipped)
}

// MarkSkipped finalizes a record whose schedule was deleted or disabled. Only
// records not yet handed to the executor can be skipped.
func (s *SQLStore) MarkSkipped(ctx context.Context, recordID string, reason FailureReason, completedAt time.Time) error {
	return s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
		WHERE schedule_record_id = ? AND status IN (?, ?, ?)`,
		StatusSkipped, reason, completedAt.UTC(), s.timestamp(), recordID,
		StatusScheduled, StatusPending, StatusProcessing)
}

// ResetForRetry returns a failed record that has a frozen snapshot to pending.
func (s *SQLStore) ResetForRetry(ctx context.Context, recordID string, priority int) error {
	now := s.timestamp()
	err := s.transition(ctx, recordID, `UPDATE schedule_records
		SET status = ?, priority = ?, scheduled_at = ?, triggered_at = NULL, completed_at = NULL,
		    workflow_execution_id = NULL, slot_degraded = ?, failure_reason = NULL, error_details = NULL, updated_at = ?
		WHERE schedule_record_id = ? AND status = ? AND snapshot_storage_key IS NOT NULL`,
		StatusPending, priority, now, false, now, recordID, StatusFailed)
	if errors.Is(err, ErrRecordFinalized) {
		return errors.WithHint(
			errors.NewInvalidRequestError("execution record %s is not retryable", recordID),
			"only failed runs that captured a snapshot can be retried")
	}
	return err
}

// SubscriptionTier returns the lookup key of the user's active subscription,
// or "" when the user has none.
func (s *SQLStore) SubscriptionTier(ctx context.Context, uid string) (string, error) {
	var tier string
	query := s.db.Rebind(`SELECT lookup_key FROM subscriptions
		WHERE uid = ? AND status = ? ORDER BY created_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &tier, query, uid, "active"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errors.Wrap(err, "failed to get subscription")
	}
	return tier, nil
}

// RecentOutcomes returns the statuses of the user's most recently finished
// runs (success or failed), newest first.
func (s *SQLStore) RecentOutcomes(ctx context.Context, uid string, limit int) ([]Status, error) {
	var statuses []Status
	query := s.db.Rebind(`SELECT status FROM schedule_records
		WHERE uid = ? AND status IN (?, ?)
		ORDER BY completed_at DESC, updated_at DESC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &statuses, query, uid, StatusSuccess, StatusFailed, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list recent outcomes")
	}
	return statuses, nil
}

// CountEnabledSchedules counts the user's live, enabled schedules.
func (s *SQLStore) CountEnabledSchedules(ctx context.Context, uid string) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM schedules WHERE uid = ? AND is_enabled = ? AND deleted_at IS NULL`)
	if err := s.db.GetContext(ctx, &n, query, uid, true); err != nil {
		return 0, errors.Wrap(err, "failed to count schedules")
	}
	return n, nil
}

// CreditBalance sums the user's enabled, unexpired credit recharges.
func (s *SQLStore) CreditBalance(ctx context.Context, uid string) (float64, error) {
	var balance float64
	query := s.db.Rebind(`SELECT COALESCE(SUM(balance), 0) FROM credit_recharges
		WHERE uid = ? AND enabled = ? AND (expires_at IS NULL OR expires_at > ?)`)
	if err := s.db.GetContext(ctx, &balance, query, uid, true, s.timestamp()); err != nil {
		return 0, errors.Wrap(err, "failed to get credit balance")
	}
	return balance, nil
}

// UserEmail returns the notification address for a user.
func (s *SQLStore) UserEmail(ctx context.Context, uid string) (string, error) {
	var email string
	query := s.db.Rebind(`SELECT email FROM users WHERE uid = ?`)
	if err := s.db.GetContext(ctx, &email, query, uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.NewNotFoundError("user %s", uid)
		}
		return "", errors.Wrap(err, "failed to get user email")
	}
	return email, nil
}

func (s *SQLStore) newRecord(sch *Schedule, status Status, scheduledAt time.Time, priority int) *ExecutionRecord {
	now := s.timestamp()
	return &ExecutionRecord{
		ScheduleRecordID: uuid.NewString(),
		ScheduleID:       sch.ScheduleID,
		UID:              sch.UID,
		CanvasID:         sch.CanvasID,
		Status:           status,
		Priority:         priority,
		ScheduledAt:      &scheduledAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (s *SQLStore) transition(ctx context.Context, recordID, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return errors.Wrap(err, "failed to update execution record")
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(ErrRecordFinalized, "record %s", recordID)
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func findPlaceholder(ctx context.Context, q sqlx.ExtContext, scheduleID string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	query := q.Rebind(`SELECT ` + recordColumns + ` FROM schedule_records
		WHERE schedule_id = ? AND status = ? AND workflow_execution_id IS NULL
		ORDER BY created_at ASC LIMIT 1`)
	if err := sqlx.GetContext(ctx, q, &rec, query, scheduleID, StatusScheduled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find scheduled record")
	}
	return &rec, nil
}

func insertRecord(ctx context.Context, e sqlx.ExtContext, rec *ExecutionRecord) error {
	if _, err := sqlx.NamedExecContext(ctx, e, insertRecordSQL, rec); err != nil {
		return errors.Wrap(err, "failed to create execution record")
	}
	return nil
}

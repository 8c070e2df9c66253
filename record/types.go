package record

import "time"

// Status represents execution record status recorded in the database.
// Kept as string for readability in SQL; values are the wire values.
type Status string

const (
	StatusScheduled  Status = "scheduled"  // next planned fire, not yet queued
	StatusPending    Status = "pending"    // queued now (fire, manual trigger or retry)
	StatusProcessing Status = "processing" // dequeued, admitted, snapshot resolved
	StatusRunning    Status = "running"    // handed to the workflow executor
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped" // schedule deleted or disabled at dequeue
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// FailureReason is the fixed failure taxonomy stored with failed or skipped records.
type FailureReason string

const (
	ReasonInsufficientCredits     FailureReason = "insufficient_credits"
	ReasonScheduleLimitExceeded   FailureReason = "schedule_limit_exceeded"
	ReasonScheduleDeleted         FailureReason = "schedule_deleted"
	ReasonScheduleDisabled        FailureReason = "schedule_disabled"
	ReasonInvalidCronExpression   FailureReason = "invalid_cron_expression"
	ReasonCanvasDataError         FailureReason = "canvas_data_error"
	ReasonSnapshotError           FailureReason = "snapshot_error"
	ReasonWorkflowExecutionFailed FailureReason = "workflow_execution_failed"
	ReasonUnknownError            FailureReason = "unknown_error"
)

// Schedule is the cron rule owned by the schedule-definition service.
// This module only reads it.
type Schedule struct {
	ScheduleID     string     `db:"schedule_id"`
	UID            string     `db:"uid"`
	CanvasID       string     `db:"canvas_id"`
	Name           string     `db:"name"`
	CronExpression string     `db:"cron_expression"`
	Timezone       string     `db:"timezone"`
	IsEnabled      bool       `db:"is_enabled"`
	NextRunAt      *time.Time `db:"next_run_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Deleted reports whether the schedule has been soft-deleted.
func (s *Schedule) Deleted() bool { return s.DeletedAt != nil }

// ExecutionRecord is one attempt (or retried attempt) of a scheduled workflow fire.
type ExecutionRecord struct {
	ScheduleRecordID string `db:"schedule_record_id"`
	ScheduleID       string `db:"schedule_id"`
	UID              string `db:"uid"`
	CanvasID         string `db:"canvas_id"`
	Status           Status `db:"status"`
	Priority         int    `db:"priority"`

	ScheduledAt *time.Time `db:"scheduled_at"`
	TriggeredAt *time.Time `db:"triggered_at"`
	CompletedAt *time.Time `db:"completed_at"`

	SnapshotStorageKey  *string `db:"snapshot_storage_key"`  // frozen graph + variables; non-nil means retry
	WorkflowExecutionID *string `db:"workflow_execution_id"` // executor run id once launched
	SlotDegraded        bool    `db:"slot_degraded"`         // launched under fail-open admission, holds no slot

	FailureReason *FailureReason `db:"failure_reason"`
	ErrorDetails  *string        `db:"error_details"` // serialized diagnostic payload

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsRetry reports whether a frozen snapshot already exists for the record.
func (r *ExecutionRecord) IsRetry() bool {
	return r.SnapshotStorageKey != nil && *r.SnapshotStorageKey != ""
}

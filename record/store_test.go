package record_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/internal/testutil"
	"github.com/mohans/schedrun/record"
)

func TestSQLStore_Lifecycle_Success(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 7)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.False(t, rec.IsRetry())

	require.NoError(t, store.MarkProcessing(ctx, rec.ScheduleRecordID, "schedules/u1/snap.json"))
	require.NoError(t, store.MarkRunning(ctx, rec.ScheduleRecordID, time.Now(), false))
	require.NoError(t, store.SetWorkflowExecutionID(ctx, rec.ScheduleRecordID, "wf-1"))
	require.NoError(t, store.MarkSucceeded(ctx, rec.ScheduleRecordID, time.Now()))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, 7, got.Priority)
	require.NotNil(t, got.SnapshotStorageKey)
	assert.Equal(t, "schedules/u1/snap.json", *got.SnapshotStorageKey)
	require.NotNil(t, got.WorkflowExecutionID)
	assert.Equal(t, "wf-1", *got.WorkflowExecutionID)
	assert.NotNil(t, got.TriggeredAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.FailureReason)
	assert.True(t, got.IsRetry())
}

func TestSQLStore_MarkFailed(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)

	details := `{"message":"boom"}`
	require.NoError(t, store.MarkFailed(ctx, rec.ScheduleRecordID, record.ReasonWorkflowExecutionFailed, details, time.Now()))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, record.ReasonWorkflowExecutionFailed, *got.FailureReason)
	require.NotNil(t, got.ErrorDetails)
	assert.Equal(t, details, *got.ErrorDetails)
}

func TestSQLStore_FinalizedRecordIsNotResurrected(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)
	require.NoError(t, store.MarkSkipped(ctx, rec.ScheduleRecordID, record.ReasonScheduleDisabled, time.Now()))

	err = store.MarkSucceeded(ctx, rec.ScheduleRecordID, time.Now())
	assert.True(t, errors.Is(err, record.ErrRecordFinalized))
	err = store.MarkFailed(ctx, rec.ScheduleRecordID, record.ReasonUnknownError, "", time.Now())
	assert.True(t, errors.Is(err, record.ErrRecordFinalized))
	err = store.MarkProcessing(ctx, rec.ScheduleRecordID, "k")
	assert.True(t, errors.Is(err, errors.ErrConflict))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSkipped, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, record.ReasonScheduleDisabled, *got.FailureReason)
}

func TestSQLStore_MarkRunningRequiresProcessing(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)

	err = store.MarkRunning(ctx, rec.ScheduleRecordID, time.Now(), false)
	assert.True(t, errors.Is(err, record.ErrRecordFinalized))
}

func TestSQLStore_RunningRecordIsNotSkipped(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, rec.ScheduleRecordID, "k"))
	require.NoError(t, store.MarkRunning(ctx, rec.ScheduleRecordID, time.Now(), false))

	err = store.MarkSkipped(ctx, rec.ScheduleRecordID, record.ReasonScheduleDisabled, time.Now())
	assert.True(t, errors.Is(err, record.ErrRecordFinalized))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusRunning, got.Status)
	assert.Nil(t, got.FailureReason)
}

func TestSQLStore_RunOutcomeRequiresRunning(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)

	err = store.MarkSucceeded(ctx, rec.ScheduleRecordID, time.Now())
	assert.True(t, errors.Is(err, record.ErrRecordFinalized))
	err = store.MarkRunFailed(ctx, rec.ScheduleRecordID, record.ReasonWorkflowExecutionFailed, "", time.Now())
	assert.True(t, errors.Is(err, record.ErrRecordFinalized))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, got.Status)

	require.NoError(t, store.MarkProcessing(ctx, rec.ScheduleRecordID, "k"))
	require.NoError(t, store.MarkRunning(ctx, rec.ScheduleRecordID, time.Now(), false))
	require.NoError(t, store.MarkRunFailed(ctx, rec.ScheduleRecordID, record.ReasonWorkflowExecutionFailed, `{}`, time.Now()))

	got, err = store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
}

func TestSQLStore_SlotDegraded(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)
	assert.False(t, rec.SlotDegraded)
	require.NoError(t, store.MarkProcessing(ctx, rec.ScheduleRecordID, "k"))
	require.NoError(t, store.MarkRunning(ctx, rec.ScheduleRecordID, time.Now(), true))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.True(t, got.SlotDegraded)

	require.NoError(t, store.MarkRunFailed(ctx, rec.ScheduleRecordID, record.ReasonWorkflowExecutionFailed, "", time.Now()))
	require.NoError(t, store.ResetForRetry(ctx, rec.ScheduleRecordID, 5))

	got, err = store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.False(t, got.SlotDegraded)
}

func TestSQLStore_WorkflowExecutionIDWrittenOnce(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)
	require.NoError(t, store.SetWorkflowExecutionID(ctx, rec.ScheduleRecordID, "wf-1"))
	assert.Error(t, store.SetWorkflowExecutionID(ctx, rec.ScheduleRecordID, "wf-2"))
}

func TestSQLStore_GetRecord_NotFound(t *testing.T) {
	store := testutil.CreateTestStore(t)

	rec, err := store.GetRecord(context.Background(), "missing")
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, errors.IsNotFoundError(err))

	sch, err := store.GetSchedule(context.Background(), "missing")
	require.Error(t, err)
	assert.Nil(t, sch)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLStore_PlaceholderIsUnique(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	a, err := store.UpsertScheduledPlaceholder(ctx, sch, first, 5)
	require.NoError(t, err)
	b, err := store.UpsertScheduledPlaceholder(ctx, sch, second, 6)
	require.NoError(t, err)
	assert.Equal(t, a.ScheduleRecordID, b.ScheduleRecordID)

	got, err := store.GetRecord(ctx, a.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(second))
	assert.Equal(t, 6, got.Priority)

	// A fire promotes the placeholder instead of creating another row.
	fired, err := store.FindOrCreatePending(ctx, sch, second, 8)
	require.NoError(t, err)
	assert.Equal(t, a.ScheduleRecordID, fired.ScheduleRecordID)
	assert.Equal(t, record.StatusPending, fired.Status)

	// With no placeholder left, the next fire inserts a fresh record.
	fresh, err := store.FindOrCreatePending(ctx, sch, second.Add(time.Hour), 8)
	require.NoError(t, err)
	assert.NotEqual(t, a.ScheduleRecordID, fresh.ScheduleRecordID)
	assert.Equal(t, record.StatusPending, fresh.Status)
}

func TestSQLStore_ResetForRetry(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})

	noSnapshot, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, noSnapshot.ScheduleRecordID, record.ReasonCanvasDataError, "", time.Now()))

	err = store.ResetForRetry(ctx, noSnapshot.ScheduleRecordID, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	rec, err := store.CreatePending(ctx, sch, 5)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, rec.ScheduleRecordID, "snap-key"))
	require.NoError(t, store.MarkFailed(ctx, rec.ScheduleRecordID, record.ReasonWorkflowExecutionFailed, `{}`, time.Now()))

	require.NoError(t, store.ResetForRetry(ctx, rec.ScheduleRecordID, 9))

	got, err := store.GetRecord(ctx, rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Equal(t, 9, got.Priority)
	assert.Nil(t, got.FailureReason)
	assert.Nil(t, got.ErrorDetails)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.IsRetry())

	// pending is not failed: a second reset is rejected
	assert.Error(t, store.ResetForRetry(ctx, rec.ScheduleRecordID, 9))
}

func TestSQLStore_CollaboratorReads(t *testing.T) {
	store := testutil.CreateTestStore(t)
	ctx := context.Background()

	tier, err := store.SubscriptionTier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "", tier)

	testutil.SeedSubscription(t, store, "u1", "pro")
	tier, err = store.SubscriptionTier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)

	balance, err := store.CreditBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)

	testutil.SeedCredits(t, store, "u1", 12.5)
	testutil.SeedCredits(t, store, "u1", 7.5)
	testutil.Exec(t, store, `INSERT INTO credit_recharges (uid, balance, enabled, expires_at) VALUES (?, ?, ?, NULL)`, "u1", 100, false)
	balance, err = store.CreditBalance(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, balance, 0.001)

	testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true})
	testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: false})
	deletedAt := time.Now()
	testutil.SeedSchedule(t, store, &record.Schedule{UID: "u1", IsEnabled: true, DeletedAt: &deletedAt})
	n, err := store.CountEnabledSchedules(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.UserEmail(ctx, "u1")
	assert.True(t, errors.IsNotFoundError(err))
	testutil.SeedUser(t, store, "u1", "u1@example.com")
	email, err := store.UserEmail(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", email)
}

func TestSQLStore_RecentOutcomesNewestFirst(t *testing.T) {
	store := testutil.CreateTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	testutil.SeedFinishedRecord(t, store, "u1", record.StatusSuccess, base)
	testutil.SeedFinishedRecord(t, store, "u1", record.StatusFailed, base.Add(time.Hour))
	testutil.SeedFinishedRecord(t, store, "u1", record.StatusFailed, base.Add(2*time.Hour))
	testutil.SeedFinishedRecord(t, store, "u2", record.StatusFailed, base.Add(3*time.Hour))

	statuses, err := store.RecentOutcomes(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []record.Status{record.StatusFailed, record.StatusFailed, record.StatusSuccess}, statuses)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []record.Status{record.StatusSuccess, record.StatusFailed, record.StatusSkipped} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []record.Status{record.StatusScheduled, record.StatusPending, record.StatusProcessing, record.StatusRunning} {
		assert.False(t, s.Terminal(), s)
	}
}

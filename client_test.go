package schedrun

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mohans/schedrun/execution"
	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/internal/testutil"
	"github.com/mohans/schedrun/priority"
	"github.com/mohans/schedrun/record"
)

type clientHarness struct {
	client    *Client
	store     *record.SQLStore
	inspector *asynq.Inspector
}

func newClientHarness(t *testing.T) *clientHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	redisOpt := asynq.RedisClientOpt{Addr: mr.Addr()}
	store := testutil.CreateTestStore(t)

	client := NewClient(redisOpt, store, priority.NewCalculator(store), zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { client.Close() })
	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() { inspector.Close() })
	return &clientHarness{client: client, store: store, inspector: inspector}
}

func (h *clientHarness) pendingJobs(t *testing.T, queue string) []execution.Job {
	t.Helper()
	tasks, err := h.inspector.ListPendingTasks(queue)
	if err != nil {
		return nil
	}
	var jobs []execution.Job
	for _, info := range tasks {
		job, err := execution.ParseJob(asynq.NewTask(info.Type, info.Payload))
		require.NoError(t, err)
		jobs = append(jobs, job)
		assert.Equal(t, 0, info.MaxRetry)
	}
	return jobs
}

func TestTaskID(t *testing.T) {
	at := time.UnixMilli(1767225600123)
	assert.Equal(t, "schedule:s1:manual:r1:1767225600123", TaskID("s1", TriggerManual, "r1", at))
}

func TestClient_TriggerManually(t *testing.T) {
	h := newClientHarness(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, h.store, &record.Schedule{UID: "u1", IsEnabled: true})
	testutil.SeedSubscription(t, h.store, "u1", "plus")

	rec, err := h.client.TriggerManually(ctx, "u1", sch.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Equal(t, 7, rec.Priority)

	jobs := h.pendingJobs(t, "schedule:p7")
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ScheduleRecordID, jobs[0].ScheduleRecordID)
	assert.Equal(t, sch.CanvasID, jobs[0].CanvasID)

	tasks, err := h.inspector.ListPendingTasks("schedule:p7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tasks[0].ID, "schedule:"+sch.ScheduleID+":manual:"+rec.ScheduleRecordID+":"))
}

func TestClient_TriggerManually_Rejections(t *testing.T) {
	h := newClientHarness(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, h.store, &record.Schedule{UID: "u1", IsEnabled: true})
	disabled := testutil.SeedSchedule(t, h.store, &record.Schedule{UID: "u1", IsEnabled: false})

	_, err := h.client.TriggerManually(ctx, "someone-else", sch.ScheduleID)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = h.client.TriggerManually(ctx, "u1", disabled.ScheduleID)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.NotEmpty(t, errors.FlattenHints(err))

	_, err = h.client.TriggerManually(ctx, "u1", "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClient_EnqueueFirePromotesPlaceholder(t *testing.T) {
	h := newClientHarness(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, h.store, &record.Schedule{UID: "u1", IsEnabled: true})
	fireAt := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	placeholder, err := h.store.UpsertScheduledPlaceholder(ctx, sch, fireAt, 3)
	require.NoError(t, err)

	rec, err := h.client.EnqueueFire(ctx, sch, fireAt)
	require.NoError(t, err)
	assert.Equal(t, placeholder.ScheduleRecordID, rec.ScheduleRecordID)
	assert.Equal(t, record.StatusPending, rec.Status)

	jobs := h.pendingJobs(t, priority.QueueName(3))
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].ScheduledAt.Equal(fireAt))

	sch.IsEnabled = false
	_, err = h.client.EnqueueFire(ctx, sch, fireAt.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestClient_Retry(t *testing.T) {
	h := newClientHarness(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, h.store, &record.Schedule{UID: "u1", IsEnabled: true})

	rec, err := h.store.CreatePending(ctx, sch, 3)
	require.NoError(t, err)

	// pending is not retryable
	_, err = h.client.Retry(ctx, "u1", rec.ScheduleRecordID)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	require.NoError(t, h.store.MarkProcessing(ctx, rec.ScheduleRecordID, "schedules/u1/k.json"))
	require.NoError(t, h.store.MarkFailed(ctx, rec.ScheduleRecordID, record.ReasonWorkflowExecutionFailed, "", time.Now()))

	_, err = h.client.Retry(ctx, "intruder", rec.ScheduleRecordID)
	assert.True(t, errors.IsNotFoundError(err))

	retried, err := h.client.Retry(ctx, "u1", rec.ScheduleRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, retried.Status)
	assert.True(t, retried.IsRetry())
	assert.Nil(t, retried.FailureReason)

	jobs := h.pendingJobs(t, priority.QueueName(retried.Priority))
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ScheduleRecordID, jobs[0].ScheduleRecordID)
}

func TestClient_RetryWithoutSnapshotRejected(t *testing.T) {
	h := newClientHarness(t)
	ctx := context.Background()
	sch := testutil.SeedSchedule(t, h.store, &record.Schedule{UID: "u1", IsEnabled: true})
	rec, err := h.store.CreatePending(ctx, sch, 3)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkFailed(ctx, rec.ScheduleRecordID, record.ReasonCanvasDataError, "", time.Now()))

	_, err = h.client.Retry(ctx, "u1", rec.ScheduleRecordID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Contains(t, errors.FlattenHints(err), "snapshot")
}

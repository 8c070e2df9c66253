package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/snapshot"
)

// Metadata identifies the schedule run a workflow execution belongs to. The
// engine echoes ScheduleRecordID back in its completion signal.
type Metadata struct {
	ScheduleID       string    `json:"scheduleId"`
	ScheduleRecordID string    `json:"scheduleRecordId"`
	UID              string    `json:"uid"`
	CanvasID         string    `json:"canvasId"`
	Priority         int       `json:"priority"`
	TriggeredAt      time.Time `json:"triggeredAt"`
}

// StartRequest is everything the workflow engine needs to run a snapshot.
type StartRequest struct {
	Snapshot    *snapshot.Snapshot
	SnapshotKey string
	Variables   map[string]any
	Metadata    Metadata
}

// WorkflowExecutor starts a workflow run asynchronously and returns its id.
type WorkflowExecutor interface {
	Start(ctx context.Context, req StartRequest) (string, error)
}

// TaskTypeWorkflowRun is consumed by the workflow engine.
const TaskTypeWorkflowRun = "workflow:run"

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type workflowRunPayload struct {
	ExecutionID string         `json:"executionId"`
	SnapshotKey string         `json:"snapshotKey"`
	Variables   map[string]any `json:"variables"`
	Metadata    Metadata       `json:"metadata"`
}

// QueueExecutor hands runs to the workflow engine through its queue. The
// engine loads the snapshot by key.
type QueueExecutor struct {
	client Enqueuer
	queue  string
}

func NewQueueExecutor(client Enqueuer, queue string) *QueueExecutor {
	if queue == "" {
		queue = "workflow"
	}
	return &QueueExecutor{client: client, queue: queue}
}

func (e *QueueExecutor) Start(ctx context.Context, req StartRequest) (string, error) {
	executionID := uuid.NewString()
	payload, err := json.Marshal(workflowRunPayload{
		ExecutionID: executionID,
		SnapshotKey: req.SnapshotKey,
		Variables:   req.Variables,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode workflow run")
	}

	task := asynq.NewTask(TaskTypeWorkflowRun, payload)
	if _, err := e.client.EnqueueContext(ctx, task, asynq.TaskID(executionID), asynq.Queue(e.queue)); err != nil {
		return "", errors.Wrap(err, "failed to start workflow execution")
	}
	return executionID, nil
}

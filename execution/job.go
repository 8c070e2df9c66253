package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/schedrun/internal/errors"
)

// TaskTypeExecute is the queue task type for one scheduled execution attempt.
const TaskTypeExecute = "schedule:execute"

// Job is the queue payload referencing a schedule and, when known, the
// execution record to drive.
type Job struct {
	ScheduleID       string    `json:"scheduleId"`
	CanvasID         string    `json:"canvasId"`
	UID              string    `json:"uid"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	Priority         int       `json:"priority"`
	ScheduleRecordID string    `json:"scheduleRecordId,omitempty"`
}

// NewTask encodes job as a queue task.
func NewTask(job Job) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job")
	}
	return asynq.NewTask(TaskTypeExecute, payload), nil
}

// ParseJob decodes a task payload.
func ParseJob(t *asynq.Task) (Job, error) {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return Job{}, errors.Wrap(err, "failed to decode job payload")
	}
	if job.ScheduleID == "" || job.UID == "" {
		return Job{}, errors.Newf("job payload missing schedule or user: %s", t.Payload())
	}
	return job, nil
}

// DeferredError asks the queue to deliver the job again after Delay without
// counting the attempt as a failure.
type DeferredError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("execution deferred for %s: %s", e.Delay, e.Reason)
}

// AsDeferred reports whether err carries a deferral.
func AsDeferred(err error) (*DeferredError, bool) {
	var d *DeferredError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

package schedrun

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mohans/schedrun/admission"
	"github.com/mohans/schedrun/completion"
	"github.com/mohans/schedrun/execution"
	"github.com/mohans/schedrun/priority"
)

// CompletionQueue carries completion signals. It outranks every execution
// queue so finished runs free their slots before new runs start.
const CompletionQueue = "schedule:completions"

// Server runs execution attempts and completion handling on a pool of workers.
type Server struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	limiter *admission.StartLimiter
	now     func() time.Time
	log     *zap.SugaredLogger
}

type ServerConfig struct {
	// Concurrency is the global worker ceiling for this process.
	Concurrency int
	// StartRatePerMinute caps execution starts; <= 0 disables the cap.
	StartRatePerMinute int
	ShutdownTimeout    time.Duration
}

// QueueWeights is the strict-priority table the server consumes: every
// execution priority queue plus the completion queue on top.
func QueueWeights() map[string]int {
	qs := priority.QueueWeights()
	qs[CompletionQueue] = priority.Max + 1
	return qs
}

func NewServer(redisOpt asynq.RedisConnOpt, cfg ServerConfig, log *zap.SugaredLogger) *Server {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		mux:     asynq.NewServeMux(),
		limiter: admission.NewStartLimiter(cfg.StartRatePerMinute),
		now:     time.Now,
		log:     log,
	}
	s.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     con,
		Queues:          QueueWeights(),
		StrictPriority:  true,
		IsFailure:       isFailure,
		RetryDelayFunc:  retryDelay,
		ErrorHandler:    asynq.ErrorHandlerFunc(s.handleError),
		Logger:          log,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	s.mux.Use(s.lifecycleMiddleware, s.startGate)
	return s
}

// Register wires the execution processor and completion listener.
func (s *Server) Register(proc *execution.Processor, listener *completion.Listener) {
	s.mux.Handle(execution.TaskTypeExecute, proc)
	s.mux.Handle(completion.TaskTypeCompleted, listener)
}

// Handler returns the wrapped mux; exposed for embedding in another server.
func (s *Server) Handler() asynq.Handler { return s.mux }

// Run starts the workers and blocks until a termination signal.
func (s *Server) Run() error { return s.server.Run(s.mux) }

// Start starts the workers without blocking.
func (s *Server) Start() error { return s.server.Start(s.mux) }

// Shutdown stops fetching tasks and waits for active ones to finish.
func (s *Server) Shutdown() { s.server.Shutdown() }

// Deferrals are redelivered without counting as a failed attempt.
func isFailure(err error) bool {
	_, deferred := execution.AsDeferred(err)
	return !deferred
}

func retryDelay(n int, err error, t *asynq.Task) time.Duration {
	if d, ok := execution.AsDeferred(err); ok {
		return d.Delay
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

func (s *Server) handleError(ctx context.Context, t *asynq.Task, err error) {
	id, _ := asynq.GetTaskID(ctx)
	if d, ok := execution.AsDeferred(err); ok {
		s.log.Debugw("Task deferred", "task_id", id, "type", t.Type(), "delay", d.Delay, "reason", d.Reason)
		return
	}
	s.log.Errorw("Task failed", "task_id", id, "type", t.Type(), "error", err)
}

// startGate defers execution starts beyond the global start rate. Completion
// signals are never gated.
func (s *Server) startGate(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		if t.Type() != execution.TaskTypeExecute {
			return next.ProcessTask(ctx, t)
		}
		if wait := s.limiter.Take(s.now()); wait > 0 {
			// the queue schedules retries with one-second resolution
			return &execution.DeferredError{Delay: max(wait, time.Second), Reason: "start rate limit reached"}
		}
		return next.ProcessTask(ctx, t)
	})
}

// lifecycleMiddleware logs task start and finish.
func (s *Server) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		queue, _ := asynq.GetQueueName(ctx)
		started := s.now()
		s.log.Debugw("Task started", "task_id", id, "type", t.Type(), "queue", queue)

		err := next.ProcessTask(ctx, t)

		fields := []interface{}{"task_id", id, "type", t.Type(), "queue", queue, "duration", s.now().Sub(started)}
		if err == nil {
			s.log.Debugw("Task finished", fields...)
		}
		return err
	})
}

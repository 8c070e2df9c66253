// Package admission decides whether a user's execution may start now.
//
// Two limits apply. The per-user ceiling is a distributed counter in Redis
// shared by every worker; the global start rate is a local token bucket
// applied by the worker server before a job reaches the processor. Global
// worker concurrency is the queue server's own pool size.
//
// The counter is best-effort. When Redis cannot be reached the controller
// admits the run (fail-open) and marks the result Degraded; the caller must
// not release a degraded admission.
package admission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mohans/schedrun/counter"
)

const (
	DefaultUserMaxConcurrent = 3
	DefaultCounterTTL        = 2 * time.Hour
)

// Counter is the subset of counter.Client the controller needs.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	DecrFloor(ctx context.Context, key string) (int64, error)
}

// Result is the outcome of one admission attempt.
type Result struct {
	Admitted     bool
	CurrentCount int64
	// Degraded is set when the counter was unavailable and the run was
	// admitted without holding a slot.
	Degraded bool
}

// Options configure a Controller.
type Options struct {
	UserMaxConcurrent int64
	CounterTTL        time.Duration
}

// Controller enforces the per-user concurrency ceiling.
type Controller struct {
	counter Counter
	max     int64
	ttl     time.Duration
	log     *zap.SugaredLogger
}

func NewController(c Counter, opts Options, log *zap.SugaredLogger) *Controller {
	if opts.UserMaxConcurrent <= 0 {
		opts.UserMaxConcurrent = DefaultUserMaxConcurrent
	}
	if opts.CounterTTL <= 0 {
		opts.CounterTTL = DefaultCounterTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{counter: c, max: opts.UserMaxConcurrent, ttl: opts.CounterTTL, log: log}
}

// TryAdmit claims a slot for uid. A rejected attempt gives its increment back
// before returning, so the count may briefly read above the ceiling.
func (c *Controller) TryAdmit(ctx context.Context, uid string) Result {
	key := counter.UserKey(uid)
	n, err := c.counter.IncrWithExpiry(ctx, key, c.ttl)
	if err != nil {
		c.log.Warnw("Concurrency counter unavailable, admitting without a slot",
			"uid", uid, "error", err)
		return Result{Admitted: true, CurrentCount: 1, Degraded: true}
	}

	if n > c.max {
		if _, err := c.counter.DecrFloor(ctx, key); err != nil {
			c.log.Warnw("Failed to undo rejected admission", "uid", uid, "error", err)
		}
		c.log.Debugw("User at concurrency ceiling", "uid", uid, "count", n, "max", c.max)
		return Result{Admitted: false, CurrentCount: n}
	}
	return Result{Admitted: true, CurrentCount: n}
}

// Release gives back one slot. Errors are logged and swallowed; releasing at
// zero is a no-op.
func (c *Controller) Release(ctx context.Context, uid string) {
	if _, err := c.counter.DecrFloor(ctx, counter.UserKey(uid)); err != nil {
		c.log.Warnw("Failed to release concurrency slot", "uid", uid, "error", err)
	}
}

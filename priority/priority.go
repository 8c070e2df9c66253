// Package priority derives the queue priority of a user's executions.
//
// Priority is an integer in [1, 10], higher runs first. It starts from the
// user's subscription tier and is lowered for recent consecutive failures and
// for users with many active schedules. It is recomputed on every enqueue.
package priority

import (
	"context"
	"fmt"

	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/record"
)

const (
	Min = 1
	Max = 10

	// MaxFailurePenalty caps the penalty for consecutive failed runs.
	MaxFailurePenalty = 3
	// HighLoadThreshold is the number of enabled schedules above which the
	// high-load penalty applies.
	HighLoadThreshold = 5

	queuePrefix = "schedule:p"
)

// tierBase maps subscription lookup keys to base priority.
var tierBase = map[string]int{
	"free":       3,
	"starter":    5,
	"maker":      6,
	"plus":       7,
	"pro":        8,
	"max":        9,
	"enterprise": 10,
}

// Store is the data the calculator reads.
type Store interface {
	SubscriptionTier(ctx context.Context, uid string) (string, error)
	RecentOutcomes(ctx context.Context, uid string, limit int) ([]record.Status, error)
	CountEnabledSchedules(ctx context.Context, uid string) (int, error)
}

// Calculator computes execution priority from live user data.
type Calculator struct {
	store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

// Calculate returns the priority for uid's next execution.
func (c *Calculator) Calculate(ctx context.Context, uid string) (int, error) {
	tier, err := c.store.SubscriptionTier(ctx, uid)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve tier for %s", uid)
	}

	outcomes, err := c.store.RecentOutcomes(ctx, uid, MaxFailurePenalty)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load recent runs for %s", uid)
	}

	enabled, err := c.store.CountEnabledSchedules(ctx, uid)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count schedules for %s", uid)
	}

	return Compute(tier, outcomes, enabled), nil
}

// Compute is the pure priority formula. outcomes are newest first.
func Compute(tier string, outcomes []record.Status, enabledSchedules int) int {
	p := BaseForTier(tier) - FailurePenalty(outcomes)
	if enabledSchedules > HighLoadThreshold {
		p--
	}
	return Clamp(p)
}

// BaseForTier returns the tier's base priority; unknown tiers count as free.
func BaseForTier(tier string) int {
	if base, ok := tierBase[tier]; ok {
		return base
	}
	return tierBase["free"]
}

// FailurePenalty counts consecutive failures at the head of outcomes, capped.
func FailurePenalty(outcomes []record.Status) int {
	n := 0
	for _, s := range outcomes {
		if s != record.StatusFailed || n == MaxFailurePenalty {
			break
		}
		n++
	}
	return n
}

// Clamp bounds p to [Min, Max].
func Clamp(p int) int {
	if p < Min {
		return Min
	}
	if p > Max {
		return Max
	}
	return p
}

// QueueName maps a priority onto its queue. Queue weights are "higher is
// preferred", the same direction as priority, so no inversion is applied.
func QueueName(p int) string {
	return fmt.Sprintf("%s%d", queuePrefix, Clamp(p))
}

// Translate returns the queue weight for a domain priority.
func Translate(p int) int {
	return Clamp(p)
}

// QueueWeights is the weight table for every priority queue, meant to be
// served with strict priority.
func QueueWeights() map[string]int {
	qs := make(map[string]int, Max-Min+1)
	for p := Min; p <= Max; p++ {
		qs[QueueName(p)] = Translate(p)
	}
	return qs
}

// QueueNames lists the priority queues from highest to lowest.
func QueueNames() []string {
	names := make([]string, 0, Max-Min+1)
	for p := Max; p >= Min; p-- {
		names = append(names, QueueName(p))
	}
	return names
}

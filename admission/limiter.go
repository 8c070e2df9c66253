package admission

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultStartsPerMinute caps how many jobs the fleet member starts per minute.
const DefaultStartsPerMinute = 100

// StartLimiter is a token bucket over job starts. The bucket holds a full
// minute's worth of tokens and refills continuously.
type StartLimiter struct {
	lim *rate.Limiter
}

// NewStartLimiter allows perMinute starts per rolling minute. perMinute <= 0
// disables the limit.
func NewStartLimiter(perMinute int) *StartLimiter {
	if perMinute <= 0 {
		return &StartLimiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	return &StartLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
}

// Take consumes a token at now. It returns zero when the start may proceed,
// otherwise how long until a token is available; no token is consumed then.
func (l *StartLimiter) Take(now time.Time) time.Duration {
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

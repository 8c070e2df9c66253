package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartLimiter_Window(t *testing.T) {
	l := NewStartLimiter(100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		assert.Zero(t, l.Take(now), "start %d", i)
	}

	wait := l.Take(now)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute/100)

	// a rejected take does not consume; one token refills after 600ms
	assert.Zero(t, l.Take(now.Add(time.Minute/100)))
	assert.Greater(t, l.Take(now.Add(time.Minute/100)), time.Duration(0))
}

func TestStartLimiter_Disabled(t *testing.T) {
	l := NewStartLimiter(0)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		assert.Zero(t, l.Take(now))
	}
}

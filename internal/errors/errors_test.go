package errors

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundWrapping(t *testing.T) {
	err := NewNotFoundError("schedule %s", "sch-1")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "schedule sch-1")

	wrapped := Wrap(err, "failed to load schedule")
	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(sql.ErrNoRows))
}

func TestInvalidRequestCarriesHint(t *testing.T) {
	err := WithHint(NewInvalidRequestError("record %s is not retryable", "rec-1"), "only failed runs can be retried")
	assert.True(t, Is(err, ErrInvalidRequest))
	assert.Equal(t, "only failed runs can be retried", FlattenHints(err))
}

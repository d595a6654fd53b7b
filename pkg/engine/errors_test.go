package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewConnectivityError("failed to count", cause).
		WithPartition(`channel="Email"`).
		WithOperation("count")

	assert.Equal(t, `[connectivity] failed to count (partition=channel="Email", operation=count): connection refused`, err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsConnectivity(err))
	assert.False(t, IsValidation(err))
	assert.Equal(t, ErrorClassConnectivity, ClassOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, ErrorClass(""), ClassOf(cause))

	assert.True(t, errors.Is(err, &EngineError{Class: ErrorClassConnectivity, Code: ErrCodeStore}))
	assert.False(t, errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeValidation}))

	cancelled := NewConnectivityError("failed", context.Canceled)
	assert.ErrorIs(t, cancelled, context.Canceled)
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, IsShortfall(NewShortfallError("short")))
	assert.True(t, IsConflict(NewConflictError("lost", nil)))
	assert.True(t, IsInconsistency(NewInconsistencyError("drift")))
	assert.True(t, IsLocked(NewLockedError("held", nil)))
	assert.True(t, IsRecoverable(NewShortfallError("short")))
	assert.True(t, IsRecoverable(NewConflictError("lost", nil)))
	assert.False(t, IsRecoverable(NewValidationError("bad", nil)))

	err := NewValidationError("bad", nil).WithDetail("sum", "1.2").WithCode("CUSTOM")
	assert.Equal(t, "1.2", err.Details["sum"])
	assert.Equal(t, "CUSTOM", err.Code)
}

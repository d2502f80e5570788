package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("formats code and message", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("includes cause in message", func(t *testing.T) {
		cause := fmt.Errorf("connection reset")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("unwraps to cause", func(t *testing.T) {
		cause := fmt.Errorf("boom")
		err := New(ErrCodeInternal, "wrapped").WithCause(cause)
		assert.True(t, stderrors.Is(err, cause))
	})
}

func TestConstructors(t *testing.T) {
	t.Run("conflict names the existing session", func(t *testing.T) {
		err := Conflict("sess-123")
		assert.Equal(t, ErrCodeConflict, err.Code)
		details, ok := err.Details.(map[string]string)
		assert.True(t, ok)
		assert.Equal(t, "sess-123", details["existingSessionId"])
	})

	t.Run("invalid transition names the edge and source", func(t *testing.T) {
		err := InvalidTransition("joining", "active", "user")
		assert.Equal(t, ErrCodeInvalidTransition, err.Code)
		assert.Contains(t, err.Message, "joining -> active")
		assert.Contains(t, err.Message, "user")
	})

	t.Run("unknown subject carries the session id", func(t *testing.T) {
		err := UnknownSubject("sess-999")
		assert.Equal(t, ErrCodeUnknownSubject, err.Code)
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts app error through wrapping", func(t *testing.T) {
		inner := CapacityExhausted()
		wrapped := fmt.Errorf("start worker: %w", inner)

		appErr, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, ErrCodeCapacityExhausted, appErr.Code)
	})

	t.Run("plain errors are not app errors", func(t *testing.T) {
		_, ok := AsAppError(fmt.Errorf("plain"))
		assert.False(t, ok)
		assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	})
}

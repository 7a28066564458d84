package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})

	t.Run("wrapped categorized error is found", func(t *testing.T) {
		inner := NewInsufficientDataError("0xabc", 1, 3)
		wrapped := fmt.Errorf("profile: %w", inner)

		got := Categorize(wrapped)
		assert.Equal(t, CodeInsufficientData, got.Code)
		assert.True(t, IsInsufficientData(wrapped))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		got := Categorize(stderrors.New("boom"))
		assert.Equal(t, CategorySystem, got.Category)
		assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"source error", NewSourceError("0xabc", stderrors.New("conn reset")), true},
		{"cache error", NewCacheError("get", stderrors.New("timeout")), true},
		{"validation error", NewInvalidAddressError("nope", "missing 0x prefix"), false},
		{"timeout error", NewTimeoutError("job-1", time.Minute), false},
		{"orchestration error", NewOrchestrationError("pool exploded", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := NewTimeoutError("job-1", 2*time.Second)
	assert.Contains(t, err.Error(), "JOB_TIMEOUT")
	assert.Contains(t, err.Error(), "2s")
	assert.True(t, IsTimeout(err))

	cause := stderrors.New("dial tcp: refused")
	err = NewSourceError("0xabc", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "caused by")
}

func TestIsUserError(t *testing.T) {
	assert.True(t, IsUserError(NewNotFoundError("job", "123")))
	assert.True(t, IsUserError(NewInvalidParameterError("depth", "unknown value")))
	assert.False(t, IsUserError(NewInternalError("oops", nil)))
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct {
	code int
}

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) StatusCode() int { return e.code }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &statusError{code: http.StatusTooManyRequests}
		}
		return nil
	}, WithBaseWait(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_AbortsOnNonRetryableStatus(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return &statusError{code: http.StatusUnauthorized}
	}, WithBaseWait(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesPlainErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("network down")
	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	}, WithMaxRetries(4), WithBaseWait(time.Millisecond))
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func() error {
		calls++
		return &statusError{code: http.StatusServiceUnavailable}
	}, WithBaseWait(time.Second))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(http.StatusTooManyRequests))
	assert.True(t, ShouldRetry(http.StatusServiceUnavailable))
	assert.True(t, ShouldRetry(http.StatusGatewayTimeout))
	assert.False(t, ShouldRetry(http.StatusBadRequest))
	assert.False(t, ShouldRetry(http.StatusUnauthorized))
	assert.False(t, ShouldRetry(http.StatusInternalServerError))
}

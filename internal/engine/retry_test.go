package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/playbook/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextCanceled(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
}

func TestIsRetryableError_ContextDeadlineExceeded(t *testing.T) {
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_PlaybookError_Retryable(t *testing.T) {
	for _, code := range []string{
		schema.ErrCodeExecution,
		schema.ErrCodeTimeout,
		schema.ErrCodeStore,
		schema.ErrCodeStepFailed,
	} {
		assert.True(t, IsRetryableError(schema.NewError(code, "test")), "expected %s to be retryable", code)
	}
}

func TestIsRetryableError_PlaybookError_NonRetryable(t *testing.T) {
	for _, code := range []string{
		schema.ErrCodeValidation,
		schema.ErrCodeNotFound,
		schema.ErrCodeConflict,
		schema.ErrCodeInvalidTransition,
		schema.ErrCodeCyclicDependency,
		schema.ErrCodeNonRetryable,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeCancelled,
		schema.ErrCodeHandlerUnavailable,
		schema.ErrCodeConditionFailed,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "test")), "expected %s to be non-retryable", code)
	}
}

func TestIsRetryableError_WrappedCode(t *testing.T) {
	inner := schema.NewError(schema.ErrCodeNonRetryable, "422 from crm")
	assert.False(t, IsRetryableError(errors.Join(errors.New("notify"), inner)))
}

func TestIsRetryableError_PlainError(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
	assert.False(t, IsRetryableError(errors.New("403 Forbidden")))
	assert.False(t, IsRetryableError(errors.New("permission denied")))
}

func TestRetryPolicy_Budget(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	cases := []struct {
		retryCount int
		want       int
	}{
		{0, 0},
		{2, 2},
		{3, 3},
		{10, 3},
		{-1, 0},
	}
	for _, tc := range cases {
		step := &schema.StepDefinition{ErrorHandling: schema.ErrorHandling{RetryCount: tc.retryCount}}
		assert.Equal(t, tc.want, p.Budget(step), "retry_count=%d", tc.retryCount)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5}
	step := &schema.StepDefinition{ErrorHandling: schema.ErrorHandling{RetryCount: 2}}
	flaky := schema.NewError(schema.ErrCodeExecution, "503")

	assert.True(t, p.ShouldRetry(step, 0, flaky))
	assert.True(t, p.ShouldRetry(step, 1, flaky))
	assert.False(t, p.ShouldRetry(step, 2, flaky), "budget spent")
	assert.False(t, p.ShouldRetry(step, 0, nil))
	assert.False(t, p.ShouldRetry(step, 0, schema.NewError(schema.ErrCodeNonRetryable, "400")))
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 20*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 40*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 50*time.Millisecond, p.NextDelay(3)) // capped
	assert.Equal(t, 50*time.Millisecond, p.NextDelay(60))
	assert.Equal(t, 10*time.Millisecond, p.NextDelay(-1))
}

func TestRetryPolicy_NextDelayUncapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, 8*time.Second, p.NextDelay(3))
	assert.Positive(t, p.NextDelay(200), "must not overflow")
}

func TestRetryPolicy_ZeroBaseDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryPolicy{}.NextDelay(4))
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoff_NegativeDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), -1))
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	err := WaitForBackoff(context.Background(), 50*time.Millisecond)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// Retry defaults.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// RetryPolicy decides whether a failed step attempt is retried and how long
// to wait first. Budgets are per step: one step's retries never consume
// another's.
type RetryPolicy struct {
	MaxRetries int           // global ceiling applied to every step's retry_count
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Budget returns how many retries step may use: min(retry_count, MaxRetries).
func (p RetryPolicy) Budget(step *schema.StepDefinition) int {
	n := step.ErrorHandling.RetryCount
	if n > p.MaxRetries {
		n = p.MaxRetries
	}
	if n < 0 {
		n = 0
	}
	return n
}

// ShouldRetry reports whether the attempt numbered attempt (0 for the first
// try) that failed with err may be followed by another one.
func (p RetryPolicy) ShouldRetry(step *schema.StepDefinition, attempt int, err error) bool {
	if err == nil {
		return false
	}
	if attempt >= p.Budget(step) {
		return false
	}
	return IsRetryableError(err)
}

// NextDelay returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// IsRetryableError classifies whether an error should be retried.
// A step timeout (context.DeadlineExceeded) is retryable like any handler
// failure; cancellation is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *schema.PlaybookError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "invalid argument", "unauthorized", "forbidden"} {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Default: retryable. The budget bounds the attempts.
	return true
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

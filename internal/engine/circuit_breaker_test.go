package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/pkg/schema"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenCounters fails every call.
type brokenCounters struct{}

func (brokenCounters) Increment(context.Context, string, time.Duration) (int, error) {
	return 0, errors.New("redis down")
}

func (brokenCounters) Count(context.Context, string) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("redis down")
}

func (brokenCounters) Reset(context.Context, string) error { return errors.New("redis down") }

func newTestBreaker(clock *fakeClock, threshold int) *CircuitBreaker {
	return NewCircuitBreaker(NewMemoryCounterStore(clock.Now),
		CircuitBreakerConfig{Threshold: threshold, Window: 5 * time.Minute}, logging.Discard())
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3)
	ctx := context.Background()

	assert.NoError(t, cb.Check(ctx, "renewal"))
	assert.Equal(t, CircuitClosed, cb.State(ctx, "renewal"))
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3)
	ctx := context.Background()

	assert.Equal(t, CircuitClosed, cb.RecordFailure(ctx, "renewal"))
	assert.Equal(t, CircuitClosed, cb.RecordFailure(ctx, "renewal"))
	assert.True(t, cb.Allow(ctx, "renewal"))

	assert.Equal(t, CircuitOpen, cb.RecordFailure(ctx, "renewal"))
	assert.False(t, cb.Allow(ctx, "renewal"))

	err := cb.Check(ctx, "renewal")
	require.Error(t, err)
	var pe *schema.PlaybookError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeCircuitOpen, pe.Code)
	assert.Equal(t, 3, pe.Details["failures"])
	assert.NotEmpty(t, pe.Details["resets_at"])
}

func TestCircuitBreaker_ClosesWhenWindowExpires(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 2)
	ctx := context.Background()

	cb.RecordFailure(ctx, "renewal")
	cb.RecordFailure(ctx, "renewal")
	require.Equal(t, CircuitOpen, cb.State(ctx, "renewal"))

	clock.Advance(4 * time.Minute)
	assert.Equal(t, CircuitOpen, cb.State(ctx, "renewal"))

	clock.Advance(time.Minute)
	assert.Equal(t, CircuitClosed, cb.State(ctx, "renewal"))
	assert.Equal(t, 0, cb.Stats(ctx, "renewal").Failures)
}

func TestCircuitBreaker_SuccessResetsClosedCircuit(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3)
	ctx := context.Background()

	cb.RecordFailure(ctx, "renewal")
	cb.RecordFailure(ctx, "renewal")
	cb.RecordSuccess(ctx, "renewal")
	assert.Equal(t, 0, cb.Stats(ctx, "renewal").Failures)

	cb.RecordFailure(ctx, "renewal")
	cb.RecordFailure(ctx, "renewal")
	assert.Equal(t, CircuitClosed, cb.State(ctx, "renewal"))
}

func TestCircuitBreaker_SuccessDoesNotCloseOpenCircuit(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 2)
	ctx := context.Background()

	cb.RecordFailure(ctx, "renewal")
	cb.RecordFailure(ctx, "renewal")
	cb.RecordSuccess(ctx, "renewal")

	assert.Equal(t, CircuitOpen, cb.State(ctx, "renewal"))
}

func TestCircuitBreaker_PerPlaybookIsolation(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 2)
	ctx := context.Background()

	cb.RecordFailure(ctx, "renewal")
	cb.RecordFailure(ctx, "renewal")

	assert.Equal(t, CircuitOpen, cb.State(ctx, "renewal"))
	assert.Equal(t, CircuitClosed, cb.State(ctx, "onboarding"))
}

func TestCircuitBreaker_FailsOpenOnStorageError(t *testing.T) {
	cb := NewCircuitBreaker(brokenCounters{}, DefaultCircuitBreakerConfig(), logging.Discard())
	ctx := context.Background()

	assert.Equal(t, CircuitClosed, cb.RecordFailure(ctx, "renewal"))
	assert.NoError(t, cb.Check(ctx, "renewal"))
	cb.RecordSuccess(ctx, "renewal")
}

func TestCircuitBreaker_ConcurrentFailures(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure(ctx, "renewal")
		}()
	}
	wg.Wait()

	stats := cb.Stats(ctx, "renewal")
	assert.Equal(t, 40, stats.Failures)
	assert.Equal(t, "closed", stats.State)
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(nil, CircuitBreakerConfig{}, nil)
	assert.Equal(t, DefaultBreakerThreshold, cb.Stats(context.Background(), "x").Threshold)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

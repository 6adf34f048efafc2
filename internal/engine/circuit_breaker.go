package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// CircuitState represents the state of a playbook's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota // executions allowed
	CircuitOpen   // executions rejected until the window expires
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Circuit breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerWindow    = 5 * time.Minute
)

// CounterStore holds windowed failure counters. Implementations must make
// Increment atomic: concurrent callers never observe a partial update.
type CounterStore interface {
	// Increment adds one to key and returns the new count. The window starts
	// at the first increment and the counter expires window later.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)
	// Count returns the live count for key, or 0 once its window expired.
	Count(ctx context.Context, key string) (count int, expiresAt time.Time, err error)
	// Reset drops the counter for key.
	Reset(ctx context.Context, key string) error
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Threshold int           // failures within Window that open the circuit
	Window    time.Duration // tracking window, starting at the first failure
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{Threshold: DefaultBreakerThreshold, Window: DefaultBreakerWindow}
}

// CircuitBreaker suspends new executions of a playbook once it failed
// Threshold times within Window. The circuit closes on its own when the
// window expires; there is no manual reset of an open circuit.
type CircuitBreaker struct {
	counters CounterStore
	cfg      CircuitBreakerConfig
	logger   *slog.Logger
}

// CircuitStats is a point-in-time view of one playbook's circuit.
type CircuitStats struct {
	PlaybookID string    `json:"playbook_id"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	Threshold  int       `json:"threshold"`
	ResetsAt   time.Time `json:"resets_at,omitempty"`
}

// NewCircuitBreaker creates a breaker over the given counter storage.
// A nil store uses an in-process MemoryCounterStore.
func NewCircuitBreaker(counters CounterStore, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerWindow
	}
	if counters == nil {
		counters = NewMemoryCounterStore(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{counters: counters, cfg: cfg, logger: logger}
}

func breakerKey(playbookID string) string { return "circuit:" + playbookID }

// Allow reports whether a new execution of playbookID may start. Storage
// errors fail open: the breaker never blocks work because its backend is down.
func (cb *CircuitBreaker) Allow(ctx context.Context, playbookID string) bool {
	return cb.Check(ctx, playbookID) == nil
}

// Check is Allow returning a CIRCUIT_OPEN error describing the rejection.
func (cb *CircuitBreaker) Check(ctx context.Context, playbookID string) error {
	n, resetsAt, err := cb.counters.Count(ctx, breakerKey(playbookID))
	if err != nil {
		cb.logger.WarnContext(ctx, "circuit breaker storage unavailable", slog.String("playbook_id", playbookID), slog.Any("error", err))
		return nil
	}
	if n < cb.cfg.Threshold {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"playbook %q is temporarily unavailable after %d recent failures", playbookID, n).
		WithDetails(map[string]any{
			"playbook_id": playbookID,
			"failures":    n,
			"threshold":   cb.cfg.Threshold,
			"resets_at":   resetsAt.UTC().Format(time.RFC3339),
		})
}

// RecordFailure counts a failed execution and returns the resulting state.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, playbookID string) CircuitState {
	n, err := cb.counters.Increment(ctx, breakerKey(playbookID), cb.cfg.Window)
	if err != nil {
		cb.logger.WarnContext(ctx, "circuit breaker failed to record failure", slog.String("playbook_id", playbookID), slog.Any("error", err))
		return CircuitClosed
	}
	if n >= cb.cfg.Threshold {
		if n == cb.cfg.Threshold {
			cb.logger.WarnContext(ctx, "circuit opened",
				slog.String("playbook_id", playbookID), slog.Int("failures", n), slog.Duration("window", cb.cfg.Window))
		}
		return CircuitOpen
	}
	return CircuitClosed
}

// RecordSuccess clears the failure count of a closed circuit. An open circuit
// stays open until its window expires.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, playbookID string) {
	key := breakerKey(playbookID)
	n, _, err := cb.counters.Count(ctx, key)
	if err != nil || n == 0 || n >= cb.cfg.Threshold {
		return
	}
	if err := cb.counters.Reset(ctx, key); err != nil {
		cb.logger.WarnContext(ctx, "circuit breaker failed to reset", slog.String("playbook_id", playbookID), slog.Any("error", err))
	}
}

// State returns the current state for playbookID.
func (cb *CircuitBreaker) State(ctx context.Context, playbookID string) CircuitState {
	if cb.Allow(ctx, playbookID) {
		return CircuitClosed
	}
	return CircuitOpen
}

// Stats returns a snapshot of playbookID's circuit.
func (cb *CircuitBreaker) Stats(ctx context.Context, playbookID string) CircuitStats {
	n, resetsAt, _ := cb.counters.Count(ctx, breakerKey(playbookID))
	st := CircuitClosed
	if n >= cb.cfg.Threshold {
		st = CircuitOpen
	}
	return CircuitStats{
		PlaybookID: playbookID,
		State:      st.String(),
		Failures:   n,
		Threshold:  cb.cfg.Threshold,
		ResetsAt:   resetsAt,
	}
}

// --- In-process counter storage ---

type windowCounter struct {
	count     int
	expiresAt time.Time
}

// MemoryCounterStore is a mutex-guarded CounterStore for a single process.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

// NewMemoryCounterStore creates an empty store. now may be nil (time.Now).
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounterStore{counters: make(map[string]*windowCounter), now: now}
}

func (m *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &windowCounter{expiresAt: now.Add(window)}
		m.counters[key] = c
	}
	c.count++
	return c.count, nil
}

func (m *MemoryCounterStore) Count(_ context.Context, key string) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return 0, time.Time{}, nil
	}
	if !m.now().Before(c.expiresAt) {
		delete(m.counters, key)
		return 0, time.Time{}, nil
	}
	return c.count, c.expiresAt, nil
}

func (m *MemoryCounterStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// mockTriggerStore is an in-memory store.TriggerStore.
type mockTriggerStore struct {
	mu       sync.Mutex
	triggers map[string]*store.ScheduledTrigger
}

func newMockTriggerStore() *mockTriggerStore {
	return &mockTriggerStore{triggers: make(map[string]*store.ScheduledTrigger)}
}

func (m *mockTriggerStore) CreateTrigger(_ context.Context, trig *store.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trig.ID == "" {
		trig.ID = "trig-" + trig.PlaybookID + "-" + trig.CustomerID
	}
	cp := *trig
	m.triggers[trig.ID] = &cp
	return nil
}

func (m *mockTriggerStore) GetTrigger(_ context.Context, id string) (*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *mockTriggerStore) UpdateTrigger(_ context.Context, id string, update store.TriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not found", id)
	}
	if update.Enabled != nil {
		t.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		t.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != nil {
		t.LastRunStatus = *update.LastRunStatus
	}
	if update.LastExecutionID != nil {
		t.LastExecutionID = *update.LastExecutionID
	}
	return nil
}

func (m *mockTriggerStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
	return nil
}

func (m *mockTriggerStore) ListTriggers(_ context.Context, enabledOnly bool) ([]*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledTrigger
	for _, t := range m.triggers {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// mockTriggerer records Trigger calls.
type mockTriggerer struct {
	mu    sync.Mutex
	calls []engine.TriggerRequest
	err   error
}

func (r *mockTriggerer) Trigger(_ context.Context, req engine.TriggerRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return "", r.err
	}
	return "exec-" + req.CustomerID, nil
}

func (r *mockTriggerer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.TriggerStore, runner Triggerer, opts ...Option) *Scheduler {
	return NewScheduler(s, runner, logging.Discard(), opts...)
}

func dueTrigger(id string, next *time.Time) *store.ScheduledTrigger {
	return &store.ScheduledTrigger{
		ID:             id,
		PlaybookID:     "renewal",
		CustomerID:     "cust-" + id,
		CronExpression: "0 * * * *",
		Context:        map[string]any{"segment": "enterprise"},
		Enabled:        true,
		NextRunAt:      next,
	}
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockTriggerStore(), &mockTriggerer{})

	from := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("0 9 * * 1", from) // Thursday -> next Monday
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestRegisterComputesFirstRun(t *testing.T) {
	ms := newMockTriggerStore()
	now := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	sched := newTestScheduler(ms, &mockTriggerer{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	trig := &store.ScheduledTrigger{PlaybookID: "renewal", CustomerID: "cust-1", CronExpression: "*/15 * * * *", Enabled: true}
	require.NoError(t, sched.Register(ctx, trig))

	got, err := ms.GetTrigger(ctx, trig.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 45, 0, 0, time.UTC), *got.NextRunAt)
}

func TestRegisterRejectsInvalidTrigger(t *testing.T) {
	sched := newTestScheduler(newMockTriggerStore(), &mockTriggerer{})
	ctx := context.Background()

	err := sched.Register(ctx, &store.ScheduledTrigger{PlaybookID: "renewal", CustomerID: "c", CronExpression: "every day"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = sched.Register(ctx, &store.ScheduledTrigger{PlaybookID: "renewal", CronExpression: "@hourly"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestTickFiresDueTriggers(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("t1", &past)))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, engine.TriggerRequest{
		PlaybookID: "renewal",
		CustomerID: "cust-t1",
		Context:    map[string]any{"segment": "enterprise"},
	}, runner.calls[0])

	got, _ := ms.GetTrigger(ctx, "t1")
	assert.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, RunStatusTriggered, got.LastRunStatus)
	assert.Equal(t, "exec-cust-t1", got.LastExecutionID)
}

func TestTickSkipsNotDueTriggers(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("t1", &future)))
	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("t1", nil)))
	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestDisabledTriggersSkipped(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	trig := dueTrigger("t1", &past)
	trig.Enabled = false
	require.NoError(t, ms.CreateTrigger(ctx, trig))
	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestRejectedTriggerStillAdvances(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{err: schema.NewError(schema.ErrCodeCircuitOpen, "open")}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("t1", &past)))
	sched.tick(ctx)

	got, _ := ms.GetTrigger(ctx, "t1")
	assert.Equal(t, RunStatusRejected, got.LastRunStatus)
	assert.Empty(t, got.LastExecutionID)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount(), "not refired before its next run")
}

func TestTriggerFailureRecorded(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{err: errors.New("store unavailable")}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("t1", &past)))
	sched.tick(ctx)

	got, _ := ms.GetTrigger(ctx, "t1")
	assert.Equal(t, RunStatusError, got.LastRunStatus)
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(2 * time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("missed", &past)))
	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("upcoming", &future)))

	require.NoError(t, sched.RecoverMissed(ctx))

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "cust-missed", runner.calls[0].CustomerID)

	got, _ := ms.GetTrigger(ctx, "missed")
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("t1", &past)))

	assert.True(t, sched.tryAcquire("t1"))
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.releaseTrigger("t1")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestMultipleTriggersSomeDue(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("a", &past)))
	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("b", &past)))
	require.NoError(t, ms.CreateTrigger(ctx, dueTrigger("c", &future)))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestStartStop(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockTriggerer{}
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateTrigger(context.Background(), dueTrigger("t1", &past)))
	sched := newTestScheduler(ms, runner, WithInterval(10*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

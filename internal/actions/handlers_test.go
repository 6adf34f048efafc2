package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func (f *fakeTasks) CreateTask(_ context.Context, task *store.Task) (*store.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks == nil {
		f.tasks = make(map[string]*store.Task)
	}
	key := task.ExecutionID + ":" + task.StepID
	if existing, ok := f.tasks[key]; ok {
		return existing, false, nil
	}
	task.ID = "task-" + key
	f.tasks[key] = task
	return task, true, nil
}

func decode(t *testing.T, res *Result) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	return out
}

func TestNotification_Delivered(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer srv.Close()

	h := NewNotificationHandler(HTTPConfig{NotificationURL: srv.URL})
	res, err := h.Execute(context.Background(), Request{
		StepID: "welcome", ExecutionID: "exec-1", CustomerID: "cust-9",
		Parameters: schema.Parameters{"channel": "email", "message": "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, "exec-1:welcome", gotKey)
	assert.Equal(t, "cust-9", gotBody["customer_id"])
	out := decode(t, res)
	assert.Equal(t, true, out["delivered"])
	assert.Equal(t, map[string]any{"id": "msg-1"}, out["response"])
}

func TestNotification_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusInternalServerError, schema.ErrCodeExecution, true},
		{http.StatusTooManyRequests, schema.ErrCodeExecution, true},
		{http.StatusBadRequest, schema.ErrCodeNonRetryable, false},
		{http.StatusNotFound, schema.ErrCodeNonRetryable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewNotificationHandler(HTTPConfig{})
			_, err := h.Execute(context.Background(), Request{
				StepID: "n", Parameters: schema.Parameters{"url": srv.URL, "channel": "slack", "message": "x"},
			})
			var pe *schema.PlaybookError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.retryable, pe.IsRetryable())
		})
	}
}

func TestNotification_MissingURL(t *testing.T) {
	h := NewNotificationHandler(HTTPConfig{})
	_, err := h.Execute(context.Background(), Request{Parameters: schema.Parameters{"channel": "email"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestTaskCreation_Dedup(t *testing.T) {
	tasks := &fakeTasks{}
	h := NewTaskHandler(tasks)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	req := Request{
		StepID: "follow_up", ExecutionID: "e1", CustomerID: "c1",
		Parameters: schema.Parameters{"title": "Call the champion", "due_in": "48h", "assignee": "csm@acme.test"},
	}
	res, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	first := decode(t, res)
	assert.Equal(t, true, first["created"])
	assert.Equal(t, "2026-03-03T09:00:00Z", first["due_at"])

	res, err = h.Execute(context.Background(), req)
	require.NoError(t, err)
	second := decode(t, res)
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["task_id"], second["task_id"])
	assert.Len(t, tasks.tasks, 1)
}

func TestTaskCreation_MissingTitle(t *testing.T) {
	h := NewTaskHandler(&fakeTasks{})
	_, err := h.Execute(context.Background(), Request{Parameters: schema.Parameters{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDataCollection_Inline(t *testing.T) {
	h := NewDataCollectionHandler(HTTPConfig{})
	res, err := h.Execute(context.Background(), Request{
		CustomerID: "c1",
		Parameters: schema.Parameters{
			"data": map[string]any{
				"users": []any{
					map[string]any{"name": "a", "active": true},
					map[string]any{"name": "b", "active": false},
				},
			},
			"transform": "[.users[] | select(.active) | .name]",
			"compute":   map[string]any{"active_users": "len(data)"},
		},
	})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "inline", out["source"])
	assert.Equal(t, []any{"a"}, out["data"])
	assert.Equal(t, map[string]any{"active_users": float64(1)}, out["computed"])
}

func TestDataCollection_HTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"health":{"score":37}}`))
	}))
	defer srv.Close()

	h := NewDataCollectionHandler(HTTPConfig{})
	res, err := h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"url": srv.URL, "transform": ".health.score"},
	})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "http", out["source"])
	assert.Equal(t, float64(37), out["data"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestCondition(t *testing.T) {
	engines, err := expressions.NewSet()
	require.NoError(t, err)
	h := NewConditionHandler(engines)

	res, err := h.Execute(context.Background(), Request{
		CustomerID: "cust-1",
		Parameters: schema.Parameters{"expression": `data.score < 50 && customer_id == "cust-1"`, "data": map[string]any{"score": 20}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["result"])

	_, err = h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"expression": "data.score < 50", "language": "expr", "data": map[string]any{"score": 80}},
	})
	var pe *schema.PlaybookError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeConditionFailed, pe.Code)
	assert.False(t, pe.IsRetryable())
}

func TestScript(t *testing.T) {
	h := NewScriptHandler()
	res, err := h.Execute(context.Background(), Request{
		CustomerID: "c7",
		Parameters: schema.Parameters{
			"source": `
function run(p)
  local total = 0
  for _, v in ipairs(p.input.values) do total = total + v end
  return { customer = p.customer_id, total = total, tags = {"a", "b"} }
end`,
			"input": map[string]any{"values": []any{1, 2, 3.5}},
		},
	})
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, map[string]any{
		"customer": "c7",
		"total":    6.5,
		"tags":     []any{"a", "b"},
	}, out["result"])
}

func TestScript_Sandbox(t *testing.T) {
	h := NewScriptHandler()

	_, err := h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"source": `function run(p) return io.open("/etc/passwd") end`},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	_, err = h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"source": `function run(p) return dofile("/etc/passwd") end`},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	_, err = h.Execute(context.Background(), Request{Parameters: schema.Parameters{"source": `x = 1`}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = h.Execute(context.Background(), Request{Parameters: schema.Parameters{"source": `function run(`}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestScript_SelfReferencingResult(t *testing.T) {
	h := NewScriptHandler()

	_, err := h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"source": `function run(p) local t = {} t.self = t return t end`},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	_, err = h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"source": `function run(p) local a = {} local b = {a} a[1] = b return {a} end`},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	// A table shared by two keys is not a cycle.
	res, err := h.Execute(context.Background(), Request{
		Parameters: schema.Parameters{"source": `function run(p) local s = {n = 1} return {x = s, y = s} end`},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"x": map[string]any{"n": 1.0},
		"y": map[string]any{"n": 1.0},
	}, decode(t, res)["result"])
}

func TestScript_Cancelled(t *testing.T) {
	h := NewScriptHandler()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, Request{
		Parameters: schema.Parameters{"source": `function run(p) while true do end end`},
	})
	assert.Error(t, err)
}

func TestDelay(t *testing.T) {
	res, err := DelayHandler{}.Execute(context.Background(), Request{Parameters: schema.Parameters{"duration": "5ms"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, decode(t, res)["waited_ms"], float64(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DelayHandler{}.Execute(ctx, Request{Parameters: schema.Parameters{"duration": "1h"}})
	assert.ErrorIs(t, err, context.Canceled)
}

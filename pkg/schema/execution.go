package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// StepStatus is the terminal fate of a step within an execution.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Execution is one run of a playbook version against one customer.
type Execution struct {
	ID              string                 `json:"id"`
	PlaybookID      string                 `json:"playbook_id"`
	PlaybookVersion int                    `json:"playbook_version"`
	CustomerID      string                 `json:"customer_id"`
	Owner           string                 `json:"owner,omitempty"`
	Status          ExecutionStatus        `json:"status"`
	Context         map[string]any         `json:"context,omitempty"`
	Results         map[string]*StepResult `json:"results"`
	ErrorLogs       []ErrorLogEntry        `json:"error_logs"`
	Metrics         ExecutionMetrics       `json:"execution_metrics"`
	CompletedSteps  []string               `json:"completed_steps"` // completion order, for external compensation
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// StepResult records how a single step resolved.
type StepResult struct {
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retries     int             `json:"retries"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ErrorLogEntry is one human-readable failure record.
type ErrorLogEntry struct {
	StepID    string    `json:"step_id,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionMetrics aggregates the outcome of a terminal execution.
type ExecutionMetrics struct {
	DurationMs     int64   `json:"duration_ms"`
	SuccessRate    float64 `json:"success_rate"`
	RetryCount     int     `json:"retry_count"`
	StepsCompleted int     `json:"steps_completed"`
	StepsTotal     int     `json:"steps_total"`
}

// ComputeMetrics derives metrics from results. success_rate is the share of
// completed steps over totalSteps, in percent.
func ComputeMetrics(results map[string]*StepResult, totalSteps int, duration time.Duration) ExecutionMetrics {
	m := ExecutionMetrics{
		DurationMs: duration.Milliseconds(),
		StepsTotal: totalSteps,
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		m.RetryCount += r.Retries
		if r.Status == StepStatusCompleted {
			m.StepsCompleted++
		}
	}
	if totalSteps > 0 {
		m.SuccessRate = float64(m.StepsCompleted) / float64(totalSteps) * 100
	}
	return m
}

// Snapshot returns a deep copy so readers never share maps with a live run.
func (e *Execution) Snapshot() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Results = make(map[string]*StepResult, len(e.Results))
	for k, v := range e.Results {
		if v == nil {
			continue
		}
		r := *v
		cp.Results[k] = &r
	}
	cp.ErrorLogs = append([]ErrorLogEntry(nil), e.ErrorLogs...)
	cp.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	if e.Context != nil {
		cp.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

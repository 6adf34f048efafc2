package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// ExecutionUpdate holds the mutable fields of an execution. Nil fields are
// left untouched. Owner must match the owner recorded at creation.
type ExecutionUpdate struct {
	Owner          string
	Status         *schema.ExecutionStatus
	Results        map[string]*schema.StepResult
	ErrorLogs      []schema.ErrorLogEntry
	Metrics        *schema.ExecutionMetrics
	CompletedSteps []string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	PlaybookID string
	CustomerID string
	Status     schema.ExecutionStatus
	Limit      int
	Offset     int
}

// PlaybookFilter narrows ListPlaybooks.
type PlaybookFilter struct {
	ID     string
	Status schema.PlaybookStatus
	Limit  int
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	ExecutionID string
	StepID      string
	Since       *time.Time
	Limit       int
}

// Task status values.
const (
	TaskStatusOpen = "open"
	TaskStatusDone = "done"
)

// Task is a customer-success follow-up created by a playbook step.
type Task struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	CustomerID  string     `json:"customer_id"`
	Title       string     `json:"title"`
	Assignee    string     `json:"assignee,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	CustomerID  string
	ExecutionID string
	Status      string
	Limit       int
}

// ScheduledTrigger runs a playbook for a customer on a cron schedule.
type ScheduledTrigger struct {
	ID              string         `json:"id"`
	PlaybookID      string         `json:"playbook_id"`
	CustomerID      string         `json:"customer_id"`
	CronExpression  string         `json:"cron_expression"`
	Context         map[string]any `json:"context,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TriggerUpdate holds the mutable fields of a scheduled trigger.
type TriggerUpdate struct {
	Enabled         *bool
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	LastRunStatus   *string
	LastExecutionID *string
}

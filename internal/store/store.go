package store

import (
	"context"

	"github.com/rendis/playbook/pkg/schema"
)

// ExecutionStore persists executions. An execution may only be updated by
// the owner recorded at creation, and never after it reached a terminal status.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *schema.Execution) (string, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, int, error)
}

// DefinitionStore persists versioned playbook definitions.
type DefinitionStore interface {
	CreatePlaybook(ctx context.Context, def *schema.PlaybookDefinition) error
	GetPlaybook(ctx context.Context, id string, version int) (*schema.PlaybookDefinition, error)
	GetActivePlaybook(ctx context.Context, id string) (*schema.PlaybookDefinition, error)
	LatestVersion(ctx context.Context, id string) (int, error)
	// ActivatePlaybook marks a draft version active and archives the
	// previously active version of the same playbook.
	ActivatePlaybook(ctx context.Context, id string, version int, digest string) error
	ArchivePlaybook(ctx context.Context, id string, version int) error
	ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*schema.PlaybookDefinition, error)
}

// EventStore is the append-only execution event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// TaskStore persists follow-up tasks, deduplicated per execution step.
type TaskStore interface {
	// CreateTask inserts the task unless one already exists for the same
	// execution and step. It returns the stored task and whether it was new.
	CreateTask(ctx context.Context, task *Task) (*Task, bool, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// TriggerStore persists cron-scheduled playbook triggers.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, trig *ScheduledTrigger) error
	GetTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error)
}

// Store is the full persistence layer.
type Store interface {
	ExecutionStore
	DefinitionStore
	EventStore
	TaskStore
	TriggerStore

	Migrate(ctx context.Context) error
	Close() error
}

package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// StepTypeTaskCreation creates a follow-up task for a customer success manager.
const StepTypeTaskCreation = "task_creation"

const taskInputSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "assignee": {"type": "string"},
    "due_in": {"type": "string"},
    "priority": {"type": "string", "enum": ["low", "medium", "high", "urgent"]}
  },
  "required": ["title"]
}`

// TaskCreator is the subset of store.TaskStore the handler needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, task *store.Task) (*store.Task, bool, error)
}

// TaskHandler creates at most one task per execution step.
type TaskHandler struct {
	tasks TaskCreator
	now   func() time.Time
}

// NewTaskHandler creates a task_creation handler backed by tasks.
func NewTaskHandler(tasks TaskCreator) *TaskHandler {
	return &TaskHandler{tasks: tasks, now: time.Now}
}

func (h *TaskHandler) Type() string { return StepTypeTaskCreation }

func (h *TaskHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Create a follow-up task for the account team.",
		InputSchema: json.RawMessage(taskInputSchema),
	}
}

func (h *TaskHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	p := req.Parameters
	title := p.String("title", "")
	if title == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task_creation: missing required param 'title'")
	}
	dueIn, err := p.Duration("due_in", 0)
	if err != nil {
		return nil, err
	}

	task := &store.Task{
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		CustomerID:  req.CustomerID,
		Title:       title,
		Assignee:    p.String("assignee", ""),
		Priority:    p.String("priority", "medium"),
		CreatedAt:   h.now().UTC(),
	}
	if dueIn > 0 {
		due := task.CreatedAt.Add(dueIn)
		task.DueAt = &due
	}

	saved, created, err := h.tasks.CreateTask(ctx, task)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "task_creation: failed to save task").WithCause(err)
	}

	return jsonResult(StepTypeTaskCreation, map[string]any{
		"task_id":  saved.ID,
		"created":  created,
		"assignee": saved.Assignee,
		"due_at":   saved.DueAt,
	})
}

var _ Handler = (*TaskHandler)(nil)

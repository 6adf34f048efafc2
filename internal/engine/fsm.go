package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// EventAppender is satisfied by the EventStore; used to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions lists the allowed moves of an execution. Nothing
// skips running and nothing leaves a terminal state.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning: {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
}

// ExecutionFSM validates execution status transitions and records them in the event log.
type ExecutionFSM struct {
	appender EventAppender
	logger   *slog.Logger
}

// NewExecutionFSM creates an FSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender, logger *slog.Logger) *ExecutionFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionFSM{appender: appender, logger: logger}
}

// Transition moves exec to status to. The caller persists the new state.
// Only an illegal move is an error; a failed event append is logged and the
// status still changes.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus, payload any) error {
	from := exec.Status
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	if f.appender != nil {
		event := &store.Event{ExecutionID: exec.ID, Type: executionEventType(to)}
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err == nil {
				event.Payload = raw
			}
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			f.logger.WarnContext(ctx, "append execution event failed",
				slog.String("execution_id", exec.ID),
				slog.String("event_type", event.Type),
				slog.Any("error", err))
		}
	}

	exec.Status = to
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	default:
		return schema.EventExecutionFailed
	}
}

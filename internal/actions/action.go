// Package actions maps step types to the handlers that perform them.
package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// Handler performs one step type. Implementations must tolerate being called
// more than once for the same execution step; side-effecting handlers
// deduplicate on ExecutionID + StepID.
type Handler interface {
	Type() string
	Schema() HandlerSchema
	Execute(ctx context.Context, req Request) (*Result, error)
}

// HandlerSchema describes the parameters a handler accepts.
type HandlerSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Request is a single handler invocation.
type Request struct {
	StepID      string            `json:"step_id"`
	StepType    string            `json:"step_type"`
	Parameters  schema.Parameters `json:"parameters,omitempty"`
	CustomerID  string            `json:"customer_id"`
	ExecutionID string            `json:"execution_id"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// IdempotencyKey identifies the step within its execution.
func (r Request) IdempotencyKey() string {
	return r.ExecutionID + ":" + r.StepID
}

// Result is a handler's output.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc adapts a function into a Handler without a parameter schema.
type HandlerFunc struct {
	StepType string
	Fn       func(ctx context.Context, req Request) (*Result, error)
}

func (f HandlerFunc) Type() string { return f.StepType }

func (f HandlerFunc) Schema() HandlerSchema { return HandlerSchema{} }

func (f HandlerFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// jsonResult marshals v into a Result.
func jsonResult(stepType string, v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to marshal output", stepType).WithCause(err)
	}
	return &Result{Output: data}, nil
}

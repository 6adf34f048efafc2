package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// StepTypeCondition gates downstream steps on a boolean expression.
const StepTypeCondition = "condition"

const conditionInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "language": {"type": "string", "enum": ["cel", "expr"], "default": "cel"},
    "data": {"type": "object"}
  },
  "required": ["expression"]
}`

// ConditionHandler fails the step with CONDITION_FAILED when the expression
// is false, so dependents are skipped. The failure is never retried.
type ConditionHandler struct {
	engines *expressions.Set
}

// NewConditionHandler creates a condition handler.
func NewConditionHandler(engines *expressions.Set) *ConditionHandler {
	return &ConditionHandler{engines: engines}
}

func (h *ConditionHandler) Type() string { return StepTypeCondition }

func (h *ConditionHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Evaluate a CEL or Expr guard over data and customer_id; false stops dependent steps.",
		InputSchema: json.RawMessage(conditionInputSchema),
	}
}

func (h *ConditionHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	p := req.Parameters
	expression := p.String("expression", "")
	language := p.String("language", "cel")

	data := p.Map("data")
	if data == nil {
		data = map[string]any{}
	}
	env := map[string]any{
		"data":        data,
		"params":      map[string]any(p),
		"customer_id": req.CustomerID,
	}

	ok, err := h.engines.EvaluateBool(ctx, language, expression, env)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConditionFailed, "condition %q evaluated to false", expression).
			WithDetails(map[string]any{"expression": expression, "language": language})
	}
	return jsonResult(StepTypeCondition, map[string]any{"result": true})
}

var _ Handler = (*ConditionHandler)(nil)

package actions

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// StepTypeDataCollection gathers account data inline or from an HTTP source.
const StepTypeDataCollection = "data_collection"

const collectInputSchema = `{
  "type": "object",
  "properties": {
    "data": {},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "transform": {"type": "string"},
    "compute": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "anyOf": [{"required": ["data"]}, {"required": ["url"]}]
}`

// DataCollectionHandler fetches or takes inline data, reshapes it with jq
// and derives fields with Expr.
type DataCollectionHandler struct {
	http    HTTPConfig
	jq      *expressions.GoJQEngine
	compute *expressions.ExprEngine
}

// NewDataCollectionHandler creates a data_collection handler.
func NewDataCollectionHandler(cfg HTTPConfig) *DataCollectionHandler {
	return &DataCollectionHandler{
		http:    cfg.withDefaults(),
		jq:      expressions.NewGoJQEngine(),
		compute: expressions.NewExprEngine(),
	}
}

func (h *DataCollectionHandler) Type() string { return StepTypeDataCollection }

func (h *DataCollectionHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Collect account data (inline or HTTP GET), optionally reshaped by a jq transform and enriched by computed fields.",
		InputSchema: json.RawMessage(collectInputSchema),
	}
}

func (h *DataCollectionHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	p := req.Parameters

	var data any
	source := "inline"
	if raw, ok := p["data"]; ok {
		data = raw
	} else {
		resp, err := h.http.do(ctx, StepTypeDataCollection, httpCall{
			method:         http.MethodGet,
			url:            p.String("url", ""),
			headers:        p.Map("headers"),
			idempotencyKey: req.IdempotencyKey(),
		})
		if err != nil {
			return nil, err
		}
		data = resp.Body
		source = "http"
	}

	if transform := p.String("transform", ""); transform != "" {
		out, err := h.jq.Transform(ctx, transform, data)
		if err != nil {
			return nil, err
		}
		data = out
	}

	computed := map[string]any{}
	if exprs := p.Map("compute"); len(exprs) > 0 {
		env := map[string]any{"data": data, "customer_id": req.CustomerID}
		for name, raw := range exprs {
			expression, ok := raw.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "data_collection: compute.%s must be a string", name)
			}
			v, err := h.compute.Evaluate(ctx, expression, env)
			if err != nil {
				return nil, err
			}
			computed[name] = v
		}
	}

	return jsonResult(StepTypeDataCollection, map[string]any{
		"source":   source,
		"data":     data,
		"computed": computed,
	})
}

var _ Handler = (*DataCollectionHandler)(nil)

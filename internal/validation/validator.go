// Package validation checks playbook definitions before they may become active.
package validation

import (
	"context"
	"encoding/json"

	"github.com/rendis/playbook/pkg/schema"
)

// Validator checks playbook definitions and step parameters.
type Validator interface {
	ValidateDefinition(ctx context.Context, def *schema.PlaybookDefinition) error
	ValidateParams(params map[string]any, paramSchema []byte) error
}

// HandlerLookup answers which step types can be dispatched. Satisfied by
// the action registry.
type HandlerLookup interface {
	Has(stepType string) bool
	ParamSchema(stepType string) json.RawMessage
}

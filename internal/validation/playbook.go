package validation

import (
	"context"

	"github.com/rendis/playbook/internal/graph"
	"github.com/rendis/playbook/pkg/schema"
)

// DefaultMaxRetries is the retry cap assumed when none is configured.
const DefaultMaxRetries = 5

// PlaybookValidator runs the activation pipeline:
// structural (JSON Schema) -> graph -> semantic.
// Graph and semantic stages are skipped when the document is malformed.
type PlaybookValidator struct {
	schemas    *JSONSchemaValidator
	lookup     HandlerLookup
	maxRetries int
}

// Option configures a PlaybookValidator.
type Option func(*PlaybookValidator)

// WithMaxRetries sets the retry cap used for retry_count warnings.
func WithMaxRetries(n int) Option {
	return func(v *PlaybookValidator) { v.maxRetries = n }
}

// NewPlaybookValidator builds a validator. lookup may be nil, in which
// case handler registration is not checked.
func NewPlaybookValidator(lookup HandlerLookup, opts ...Option) (*PlaybookValidator, error) {
	schemas, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	v := &PlaybookValidator{
		schemas:    schemas,
		lookup:     lookup,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate returns every issue found in def.
func (v *PlaybookValidator) Validate(ctx context.Context, def *schema.PlaybookDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.Fail("", "", schema.ErrCodeValidation, "playbook definition is nil")
		return result
	}

	if err := v.schemas.ValidateDocument(def); err != nil {
		result.Fail("", "", schema.ErrCodeValidation, err.Error())
		return result
	}
	if ctx.Err() != nil {
		result.Fail("", "", schema.ErrCodeCancelled, ctx.Err().Error())
		return result
	}

	if err := graph.Validate(def.Steps); err != nil {
		code := schema.CodeOf(err)
		if code == "" {
			code = schema.ErrCodeValidation
		}
		result.Fail("steps", schema.StepOf(err), code, err.Error())
	}

	result.Merge(validateSemantic(def, v.lookup, v.schemas, v.maxRetries))
	return result
}

// ValidateDefinition implements Validator. A dependency-graph failure is
// returned as-is so its details (such as the cycle path) survive.
func (v *PlaybookValidator) ValidateDefinition(ctx context.Context, def *schema.PlaybookDefinition) error {
	result := v.Validate(ctx, def)
	if result.Valid() {
		return nil
	}
	if result.Errors[0].Path == "steps" {
		if err := graph.Validate(def.Steps); err != nil {
			return err
		}
	}
	return result.Err()
}

// ValidateParams implements Validator.
func (v *PlaybookValidator) ValidateParams(params map[string]any, paramSchema []byte) error {
	return v.schemas.ValidateParams(params, paramSchema)
}

var _ Validator = (*PlaybookValidator)(nil)

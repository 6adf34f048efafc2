// Package expressions evaluates guard, compute and transform expressions
// inside step parameters.
package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/playbook/pkg/schema"
)

// Engine evaluates expressions against a data document.
// CEL is used for guards, Expr for computed fields, jq for transforms.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set holds the engines available to handlers, keyed by language name.
type Set struct {
	engines map[string]Engine
}

// NewSet creates a Set with the CEL, Expr and jq engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	s := &Set{engines: make(map[string]Engine, 3)}
	for _, e := range []Engine{celEngine, NewExprEngine(), NewGoJQEngine()} {
		s.engines[e.Name()] = e
	}
	return s, nil
}

// Get returns the engine for a language.
func (s *Set) Get(language string) (Engine, error) {
	e, ok := s.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported expression language %q", language)
	}
	return e, nil
}

// EvaluateBool evaluates an expression that must produce a boolean.
func (s *Set) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	e, err := s.Get(language)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("expression %q returned %T, want bool", expression, out)).
			WithDetails(map[string]any{"expression": expression, "language": language})
	}
	return b, nil
}

// compileError and evalError tag expression failures. Compile failures carry
// VALIDATION_ERROR and are never retried.
func compileError(language, expression string, err error) *schema.PlaybookError {
	return expressionError(schema.ErrCodeValidation, language, "compile", expression, err)
}

func evalError(language, expression string, err error) *schema.PlaybookError {
	return expressionError(schema.ErrCodeExecution, language, "evaluate", expression, err)
}

func expressionError(code, language, phase, expression string, err error) *schema.PlaybookError {
	return schema.NewErrorf(code, "%s: %s %q: %s", language, phase, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": language})
}

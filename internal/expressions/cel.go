package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/playbook/pkg/schema"
)

// celVariables are the top-level names a CEL guard may reference.
var celVariables = []string{"data", "params"}

// CELEngine evaluates guard expressions with Google's Common Expression Language.
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env   *cel.Env
	cache *codeCache[cel.Program]
}

// NewCELEngine creates a CEL engine exposing:
//
//	data        map(string, dyn)  collected or inline data
//	params      map(string, dyn)  the step parameters
//	customer_id string
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables)+1)
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	opts = append(opts, cel.Variable("customer_id", cel.StringType))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: newCodeCache[cel.Program](),
	}, nil
}

func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or reuses) a CEL program and runs it against data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.cache.getOrCompile(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError("cel", expression, err)
	}

	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("cel", expression, issues.Err())
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("cel", expression, err)
	}
	return prg, nil
}

// buildActivation fills absent variables with zero values so a guard that
// only reads customer_id does not fail on a missing data map.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables)+1)
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	customer, _ := data["customer_id"].(string)
	activation["customer_id"] = customer
	return activation
}

var _ Engine = (*CELEngine)(nil)

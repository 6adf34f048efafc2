package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/playbook/pkg/schema"
)

// ExprEngine evaluates computed fields with expr-lang/expr. Every key of the
// data map is a top-level variable. Compiled programs are cached.
type ExprEngine struct {
	cache *codeCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: newCodeCache[*vm.Program](),
	}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or reuses) an Expr program and runs it against data.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.cache.getOrCompile(expression, func(src string) (*vm.Program, error) {
		return compileExpr(src, env)
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}

	return out, nil
}

// compileExpr allows undefined variables so a cached program can be reused
// with differently shaped data.
func compileExpr(expression string, env map[string]any) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)

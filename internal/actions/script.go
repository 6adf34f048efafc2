package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/rendis/playbook/pkg/schema"
)

// StepTypeScript runs a small Lua program.
const StepTypeScript = "script"

const scriptInputSchema = `{
  "type": "object",
  "properties": {
    "source": {"type": "string", "minLength": 1},
    "input": {"type": "object"}
  },
  "required": ["source"]
}`

// sandboxLibs are the only Lua libraries opened for scripts.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// blockedGlobals are base library functions that reach the filesystem or
// load arbitrary code.
var blockedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"}

// ScriptHandler runs Lua source that defines run(params) and returns a table.
// Each call gets a fresh interpreter without io, os or package libraries.
type ScriptHandler struct {
	callStackSize int
	registrySize  int
}

// NewScriptHandler creates a script handler.
func NewScriptHandler() *ScriptHandler {
	return &ScriptHandler{callStackSize: 120, registrySize: 1024 * 20}
}

func (h *ScriptHandler) Type() string { return StepTypeScript }

func (h *ScriptHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Run sandboxed Lua defining run(params); the returned table becomes the step output.",
		InputSchema: json.RawMessage(scriptInputSchema),
	}
}

func (h *ScriptHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	source := req.Parameters.String("source", "")
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script: missing required param 'source'")
	}

	L := h.newState(ctx)
	defer L.Close()

	if err := L.DoString(source); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "script: load failed: %v", err).WithCause(err)
	}
	fn := L.GetGlobal("run")
	if fn.Type() != lua.LTFunction {
		return nil, schema.NewError(schema.ErrCodeValidation, "script: source must define function run(params)")
	}

	input := map[string]any{
		"input":        req.Parameters.Map("input"),
		"customer_id":  req.CustomerID,
		"execution_id": req.ExecutionID,
		"step_id":      req.StepID,
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, toLua(L, input)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script: run failed: %v", err).WithCause(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	out, err := fromLua(ret, make(map[*lua.LTable]bool), 0)
	if err != nil {
		return nil, err
	}
	return jsonResult(StepTypeScript, map[string]any{"result": out})
}

func (h *ScriptHandler) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: h.callStackSize,
		RegistrySize:  h.registrySize,
	})
	for _, lib := range sandboxLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	return L
}

// toLua converts JSON-shaped Go values into Lua values.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// maxResultDepth bounds the nesting of a script's returned table.
const maxResultDepth = 64

// fromLua converts a Lua value into a JSON-shaped Go value. Tables whose keys
// are exactly 1..n become arrays, all others become objects. open holds the
// tables on the current path; reaching one again is a reference cycle.
func fromLua(v lua.LValue, open map[*lua.LTable]bool, depth int) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		return float64(val), nil
	case *lua.LTable:
		if open[val] {
			return nil, schema.NewError(schema.ErrCodeExecution, "script: result table references itself")
		}
		if depth >= maxResultDepth {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "script: result nested deeper than %d tables", maxResultDepth)
		}
		open[val] = true
		defer delete(open, val)

		n := val.MaxN()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := fromLua(val.RawGetInt(i), open, depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}

		obj := make(map[string]any, count)
		var firstErr error
		val.ForEach(func(k, item lua.LValue) {
			if firstErr != nil {
				return
			}
			obj[k.String()], firstErr = fromLua(item, open, depth+1)
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return obj, nil
	default:
		return v.String(), nil
	}
}

var _ Handler = (*ScriptHandler)(nil)

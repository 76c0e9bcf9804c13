package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Transform runs config.script in a sandboxed Lua state. The script must
// define transform(input) and return the node output.
func Transform(ctx context.Context, input, config json.RawMessage) (json.RawMessage, error) {
	var cfg struct {
		Script string `json:"script"`
	}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Script == "" {
		return nil, Permanent(errors.New("transform node requires config.script"))
	}
	var in any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, Permanent(fmt.Errorf("decode input: %w", err))
		}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		slog.Debug("transform log", "message", L.CheckString(1))
		return 0
	}))

	if err := L.DoString(cfg.Script); err != nil {
		return nil, scriptError(ctx, "load script", err)
	}
	fn := L.GetGlobal("transform")
	if fn.Type() != lua.LTFunction {
		return nil, Permanent(errors.New("script must define a transform function"))
	}
	L.Push(fn)
	L.Push(goToLua(L, in))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, scriptError(ctx, "run script", err)
	}
	out, err := luaToGo(L.Get(-1))
	L.Pop(1)
	if err != nil {
		return nil, Permanent(err)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode output: %w", err))
	}
	return b, nil
}

// scriptError keeps cancellations retryable; script errors are permanent.
func scriptError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return Permanent(fmt.Errorf("%s: %w", op, err))
}

// openSafeLibs loads base, table, string and math without file access,
// dynamic loading, printing or randomness.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// maxOutputDepth bounds table nesting in script results.
const maxOutputDepth = 64

var errOutputShape = errors.New("output table is cyclic or too deep")

// luaToGo converts tables with keys 1..n into arrays and every other table
// into an object. A table may appear more than once, but not inside itself.
func luaToGo(v lua.LValue) (any, error) {
	return convertLua(v, map[*lua.LTable]bool{}, 0)
}

func convertLua(v lua.LValue, open map[*lua.LTable]bool, depth int) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, nil
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if open[val] || depth >= maxOutputDepth {
			return nil, errOutputShape
		}
		open[val] = true
		defer delete(open, val)

		n := val.MaxN()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := convertLua(val.RawGetInt(i), open, depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}
		obj := make(map[string]any, count)
		var err error
		val.ForEach(func(k, item lua.LValue) {
			if err != nil {
				return
			}
			obj[k.String()], err = convertLua(item, open, depth+1)
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return v.String(), nil
	}
}

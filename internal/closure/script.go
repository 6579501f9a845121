package closure

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// ScriptSourceKey is the env key holding the JavaScript source of a script
// closure.
const ScriptSourceKey = "source"

// Script evaluates JavaScript. Data values of the environment become
// globals, nested closures become callable functions, invocation arguments
// are exposed as `args`, and the completion value is the result.
var Script = Define("dcf.script", runScript)

// NewScript binds source and env to the script function.
func NewScript(source string, env map[string]any) *Closure {
	c := Script.Bind(env)
	c.Set(ScriptSourceKey, source)
	return c
}

func runScript(ctx context.Context, env *Env, args ...any) (any, error) {
	source, err := Value[string](env, ScriptSourceKey)
	if err != nil {
		return nil, fmt.Errorf("script source: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for _, key := range env.Keys() {
		if key == ScriptSourceKey {
			continue
		}
		if env.IsClosure(key) {
			nested, _ := env.Closure(key)
			if err := vm.Set(key, scriptCallable(ctx, vm, nested)); err != nil {
				return nil, fmt.Errorf("script global %q: %w", key, err)
			}
			continue
		}
		var v any
		if err := env.Decode(key, &v); err != nil {
			return nil, err
		}
		if err := vm.Set(key, v); err != nil {
			return nil, fmt.Errorf("script global %q: %w", key, err)
		}
	}
	if args == nil {
		args = []any{}
	}
	if err := vm.Set("args", args); err != nil {
		return nil, fmt.Errorf("script args: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunString(source)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

func scriptCallable(ctx context.Context, vm *goja.Runtime, c *Closure) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		callArgs := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			callArgs[i] = a.Export()
		}
		result, err := c.Invoke(ctx, callArgs...)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(result)
	}
}

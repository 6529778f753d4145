// Package command compiles and executes each device's per-command scripts
// (the protocolScript plus every command's script) per spec §9, and
// implements protocol.CommandExecutor so internal/protocol can drive
// periodic/starting/stopping/on-demand execution without depending on this
// package.
package command

import (
	"fmt"

	"github.com/dop251/goja"
)

// Evaluator is the narrow scripting surface a Runtime needs: compile a
// device's combined script source once, then repeatedly call named
// functions it defines. Kept as an interface so tests can substitute a
// fake without spinning up a real goja VM.
type Evaluator interface {
	Compile(source string) error
	Call(fnName string, args ...any) (any, error)
	HasFunc(fnName string) bool
	// Arity reports fnName's declared parameter count and whether it is a
	// defined, callable function at all. Used to validate control
	// functions' required 2/3-arg arity per spec §4.F.
	Arity(fnName string) (int, bool)
}

// gojaEvaluator runs one device's compiled script in its own VM; goja.Runtime
// is not safe for concurrent use, so callers serialize access (Runtime's
// per-device lock does this).
type gojaEvaluator struct {
	vm *goja.Runtime
}

// NewEvaluator builds an Evaluator backed by an embedded ECMAScript VM, one
// per device, per spec §9's "each device's script runs in its own isolated
// evaluation context".
func NewEvaluator() Evaluator {
	return &gojaEvaluator{vm: goja.New()}
}

func (g *gojaEvaluator) Compile(source string) error {
	if _, err := g.vm.RunString(source); err != nil {
		return fmt.Errorf("compile script: %w", err)
	}
	return nil
}

func (g *gojaEvaluator) HasFunc(fnName string) bool {
	v := g.vm.Get(fnName)
	if v == nil || goja.IsUndefined(v) {
		return false
	}
	_, ok := goja.AssertFunction(v)
	return ok
}

func (g *gojaEvaluator) Arity(fnName string) (int, bool) {
	v := g.vm.Get(fnName)
	if v == nil || goja.IsUndefined(v) {
		return 0, false
	}
	if _, ok := goja.AssertFunction(v); !ok {
		return 0, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return 0, false
	}
	length := obj.Get("length")
	if length == nil {
		return 0, false
	}
	return int(length.ToInteger()), true
}

func (g *gojaEvaluator) Call(fnName string, args ...any) (any, error) {
	v := g.vm.Get(fnName)
	if v == nil || goja.IsUndefined(v) {
		return nil, fmt.Errorf("script function %q is not defined", fnName)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("script value %q is not callable", fnName)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = g.vm.ToValue(a)
	}
	result, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, fmt.Errorf("call %q: %w", fnName, err)
	}
	return result.Export(), nil
}

// Package script evaluates rule scripts in an embedded JavaScript engine.
package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
)

// Runtime evaluates each script in a fresh goja VM
type Runtime struct {
	logger  *zap.Logger
	globals map[string]any
}

// NewRuntime creates a new runtime. globals are exposed to every script.
func NewRuntime(logger *zap.Logger, globals map[string]any) *Runtime {
	return &Runtime{
		logger:  logger.Named("script"),
		globals: globals,
	}
}

// Normalize strips the "@js:" prefix or "<js>...</js>" wrapper a rule
// script may carry.
func Normalize(source string) string {
	s := strings.TrimSpace(source)
	switch {
	case len(s) >= 4 && strings.EqualFold(s[:4], "@js:"):
		s = s[4:]
	case len(s) >= 9 && strings.EqualFold(s[:4], "<js>") && strings.EqualFold(s[len(s)-5:], "</js>"):
		s = s[4 : len(s)-5]
	}
	return strings.TrimSpace(s)
}

// Evaluate runs source and returns the exported value of its last
// expression; undefined and null become nil. A thrown exception becomes a
// *model.ScriptError. Cancelling ctx interrupts the script.
func (r *Runtime) Evaluate(ctx context.Context, source string) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for name, value := range r.globals {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to set global %s: %w", name, err)
		}
	}
	if err := vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		r.logger.Info(strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("failed to set log: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunString(Normalize(source))
	if err != nil {
		return nil, toScriptError(err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func toScriptError(err error) error {
	switch e := err.(type) {
	case *goja.Exception:
		return &model.ScriptError{Message: exceptionMessage(e), Stack: e.String()}
	case *goja.InterruptedError:
		return &model.ScriptError{Message: fmt.Sprintf("interrupted: %v", e.Value())}
	case *goja.CompilerSyntaxError:
		return &model.ScriptError{Message: e.Error()}
	default:
		return &model.ScriptError{Message: err.Error()}
	}
}

func exceptionMessage(e *goja.Exception) string {
	if obj, ok := e.Value().(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	if v := e.Value(); v != nil {
		return v.String()
	}
	return e.Error()
}

// Package expr evaluates workflow expressions, guards and command
// placeholders using a JavaScript runtime (goja).
package expr

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// OutputContext enables the output-section builtins (stdout, stderr, glob
// and read_*). Paths are host paths.
type OutputContext struct {
	WorkDir string
	Stdout  string
	Stderr  string
}

// Evaluator evaluates expressions. It holds no VM; every evaluation builds a
// fresh runtime, so one Evaluator is safe for concurrent use.
type Evaluator struct {
	output *OutputContext
}

// NewEvaluator creates an evaluator without output builtins.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// ForOutputs returns an evaluator that also provides the output builtins,
// resolving relative paths against oc.WorkDir.
func (e *Evaluator) ForOutputs(oc OutputContext) *Evaluator {
	return &Evaluator{output: &oc}
}

// setupVM creates a runtime with the builtins and env installed.
func (e *Evaluator) setupVM(env Env) (*goja.Runtime, error) {
	vm := goja.New()
	installBuiltins(vm, e.output)
	for _, name := range env.Names() {
		v, _ := env.Get(name)
		if err := vm.Set(name, value.Export(v)); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return vm, nil
}

// Eval evaluates x in env and coerces the result to want.
func (e *Evaluator) Eval(x wdl.Expr, env Env, want value.Type) (value.Value, error) {
	raw, err := e.run(x.Src, env)
	if err != nil {
		return nil, err
	}
	v, err := value.Import(raw, want)
	if err != nil {
		return nil, model.NewError(model.ErrEvaluation, err, "expression %q", x.Src)
	}
	return v, nil
}

// EvalBool evaluates a guard.
func (e *Evaluator) EvalBool(x wdl.Expr, env Env) (bool, error) {
	v, err := e.Eval(x, env, value.BooleanType)
	if err != nil {
		return false, err
	}
	return bool(v.(value.Boolean)), nil
}

func (e *Evaluator) run(src string, env Env) (any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, model.NewError(model.ErrEvaluation, nil, "empty expression")
	}
	vm, err := e.setupVM(env)
	if err != nil {
		return nil, model.NewError(model.ErrEvaluation, err, "expression %q", src)
	}
	// Parentheses let object literals evaluate as expressions.
	val, err := vm.RunString("(" + src + "\n)")
	if err != nil {
		return nil, model.NewError(model.ErrEvaluation, err, "expression %q", src)
	}
	if goja.IsUndefined(val) {
		return nil, model.NewError(model.ErrEvaluation, nil, "expression %q returned undefined (invalid reference or member)", src)
	}
	return val.Export(), nil
}

// Interpolate renders every ~{expr} and ${expr} placeholder of tmpl. A
// value renders as its String form; an absent value renders as the empty
// string. A backslash before the sigil keeps the placeholder literal.
func (e *Evaluator) Interpolate(tmpl string, env Env) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		if c == '\\' && i+2 < len(tmpl) && (tmpl[i+1] == '~' || tmpl[i+1] == '$') && tmpl[i+2] == '{' {
			b.WriteByte(tmpl[i+1])
			i += 2
			continue
		}
		if (c == '~' || c == '$') && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := wdl.MatchBrace(tmpl, i+1)
			if end < 0 {
				return "", model.NewError(model.ErrEvaluation, nil, "unterminated placeholder at offset %d", i)
			}
			src := tmpl[i+2 : end]
			v, err := e.Eval(wdl.Expr{Src: src}, env, value.OptionalOf(value.AnyType))
			if err != nil {
				return "", err
			}
			b.WriteString(v.String())
			i = end + 1
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), nil
}

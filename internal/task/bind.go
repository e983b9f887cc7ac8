package task

import (
	"sort"
	"strings"

	"github.com/me/gowdl/internal/expr"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// bind resolves the inputs of t from supplied values, evaluates defaults and
// private declarations in dependency order, and returns the resolved inputs
// together with the full declaration environment.
//
// A supplied absent value for an input with a default takes the default.
func bind(ev *expr.Evaluator, t *wdl.Task, supplied map[string]value.Value) (map[string]value.Value, expr.Env, error) {
	for name := range supplied {
		if _, ok := t.Input(name); !ok {
			return nil, expr.Env{}, model.NewValidationError("task %s has no input %q", t.Name, name)
		}
	}

	vals := make(map[string]value.Value, len(t.Inputs)+len(t.Decls))
	var pending []*wdl.Decl
	for _, d := range t.Inputs {
		v, ok := supplied[d.Name]
		switch {
		case ok && !value.IsNull(v):
			cv, err := value.Coerce(v, d.Type)
			if err != nil {
				return nil, expr.Env{}, model.NewValidationError("task %s input %s: %v", t.Name, d.Name, err)
			}
			vals[d.Name] = cv
		case d.Expr != nil:
			pending = append(pending, d)
		case d.Type.Optional:
			vals[d.Name] = value.NullOf(d.Type)
		default:
			return nil, expr.Env{}, model.NewValidationError("task %s: missing required input %q", t.Name, d.Name)
		}
	}
	for _, d := range t.Decls {
		if d.Expr == nil {
			if !d.Type.Optional {
				return nil, expr.Env{}, model.NewValidationError("task %s: declaration %q has no value", t.Name, d.Name)
			}
			vals[d.Name] = value.NullOf(d.Type)
			continue
		}
		pending = append(pending, d)
	}

	if err := evalDecls(ev, t.Name, pending, vals); err != nil {
		return nil, expr.Env{}, err
	}

	inputs := make(map[string]value.Value, len(t.Inputs))
	for _, d := range t.Inputs {
		inputs[d.Name] = vals[d.Name]
	}
	return inputs, expr.NewEnv(vals), nil
}

// evalDecls evaluates decls once every declaration they reference among
// decls is available, adding results to vals. A dependency cycle is a
// VALIDATION_ERROR.
func evalDecls(ev *expr.Evaluator, owner string, decls []*wdl.Decl, vals map[string]value.Value) error {
	waiting := make(map[string]*wdl.Decl, len(decls))
	for _, d := range decls {
		waiting[d.Name] = d
	}
	for len(waiting) > 0 {
		var ready []*wdl.Decl
		for _, d := range waiting {
			blocked := false
			for _, r := range d.Expr.Refs {
				if _, ok := waiting[r]; ok && r != d.Name {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = append(ready, d)
			}
		}
		if len(ready) == 0 {
			names := make([]string, 0, len(waiting))
			for n := range waiting {
				names = append(names, n)
			}
			sort.Strings(names)
			return model.NewValidationError("%s: declarations form a cycle: %s", owner, strings.Join(names, ", "))
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })

		env := expr.NewEnv(vals)
		for _, d := range ready {
			v, err := ev.Eval(*d.Expr, env, d.Type)
			if err != nil {
				return model.NewError(model.ErrEvaluation, err, "%s.%s", owner, d.Name)
			}
			vals[d.Name] = v
			delete(waiting, d.Name)
		}
	}
	return nil
}

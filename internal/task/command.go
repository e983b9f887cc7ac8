package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/gowdl/internal/backend"
	"github.com/me/gowdl/internal/cache"
	"github.com/me/gowdl/internal/expr"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// dedent removes the indentation common to every non-blank line, and a
// leading and trailing blank line.
func dedent(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "" {
		lines = lines[:n-1]
	}

	indent := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	for i, l := range lines {
		if len(l) >= indent && indent > 0 {
			lines[i] = l[indent:]
		} else if strings.TrimSpace(l) == "" {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// mapEnv rewrites every path bound in env with fn.
func mapEnv(env expr.Env, fn func(string) string) (expr.Env, error) {
	out := make(map[string]value.Value, env.Len())
	for name, v := range env.Map() {
		mv, err := value.MapPaths(v, func(_ value.Kind, p string) (string, error) {
			return fn(p), nil
		})
		if err != nil {
			return expr.Env{}, err
		}
		out[name] = mv
	}
	return expr.NewEnv(out), nil
}

// renderCommand interpolates t's command against the guest view of env and
// writes it to the attempt's command file.
func renderCommand(ev *expr.Evaluator, t *wdl.Task, guest expr.Env, path string) (string, error) {
	cmd, err := ev.Interpolate(dedent(t.Command), guest)
	if err != nil {
		return "", model.NewError(model.ErrEvaluation, err, "task %s command", t.Name)
	}
	if err := os.WriteFile(path, []byte(cmd), 0o644); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	return cmd, nil
}

// inputPaths lists the local paths referenced by env, for mounting.
func inputPaths(env expr.Env) []string {
	var out []string
	for _, name := range env.Names() {
		v, _ := env.Get(name)
		for _, p := range value.Paths(v) {
			if !value.IsRemote(p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// evalOutputs evaluates t's outputs against a finished attempt. Outputs are
// evaluated in order and may reference earlier outputs. Paths produced by
// the command are translated back to host paths and resolved against the
// working directory.
func evalOutputs(ev *expr.Evaluator, t *wdl.Task, env expr.Env, oc expr.OutputContext, mapper backend.PathMapper) (cache.Outputs, error) {
	oev := ev.ForOutputs(oc)
	out := make(cache.Outputs, len(t.Outputs))
	for _, d := range t.Outputs {
		if d.Expr == nil {
			return nil, model.NewValidationError("task %s output %s has no expression", t.Name, d.Name)
		}
		v, err := oev.Eval(*d.Expr, env, d.Type)
		if err != nil {
			return nil, model.NewError(model.ErrEvaluation, err, "task %s output %s", t.Name, d.Name)
		}
		v, err = value.MapPaths(v, func(_ value.Kind, p string) (string, error) {
			if value.IsRemote(p) {
				return p, nil
			}
			_, p = value.ParseLocation(p)
			p = mapper.ToHost(p)
			if !filepath.IsAbs(p) {
				p = filepath.Join(oc.WorkDir, p)
			}
			return p, nil
		})
		if err != nil {
			return nil, err
		}
		if err := checkOutputPaths(v); err != nil {
			if _, single := v.(value.File); single && d.Type.Optional {
				v = value.NullOf(d.Type)
				out[d.Name] = v
				env = env.With(d.Name, v)
				continue
			}
			return nil, model.NewError(model.ErrTaskExecution, err, "task %s output %s", t.Name, d.Name)
		}
		out[d.Name] = v
		env = env.With(d.Name, v)
	}
	return out, nil
}

func checkOutputPaths(v value.Value) error {
	return value.Walk(v, func(_ value.Kind, p string) error {
		if value.IsRemote(p) {
			return nil
		}
		if _, err := os.Stat(p); err != nil {
			return err
		}
		return nil
	})
}

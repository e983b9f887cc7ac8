package task

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/me/gowdl/internal/expr"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// Defaults for runtime keys a task leaves unset.
const (
	defaultCPU    = 1
	defaultMemory = 2 << 30
)

// Runtime is the evaluated runtime section of one attempt.
type Runtime struct {
	Resources   model.ResourceSpec
	MaxRetries  int
	ReturnCodes []int64 // nil means {0}
	AnyCode     bool
}

// Allows reports whether exit code counts as success.
func (r *Runtime) Allows(code int) bool {
	if r.AnyCode {
		return true
	}
	if r.ReturnCodes == nil {
		return code == 0
	}
	for _, c := range r.ReturnCodes {
		if int64(code) == c {
			return true
		}
	}
	return false
}

// runtimeAliases maps accepted spellings to the canonical key.
var runtimeAliases = map[string]string{
	"cpu":          "cpu",
	"memory":       "memory",
	"gpu":          "gpu",
	"gpuCount":     "gpu",
	"disks":        "disks",
	"disk":         "disks",
	"container":    "container",
	"docker":       "container",
	"maxRetries":   "maxRetries",
	"max_retries":  "maxRetries",
	"returnCodes":  "returnCodes",
	"return_codes": "returnCodes",
}

// taskObject is the "task" binding visible to runtime expressions and the
// command: the attempt number and the previous attempt's allocation.
func taskObject(name string, attempt int, prev *model.TaskExecutionRecord) value.Value {
	m := map[string]any{
		"name":     name,
		"attempt":  int64(attempt),
		"previous": nil,
	}
	if prev != nil {
		p := map[string]any{
			"cpu":       prev.Resources.CPU,
			"memory":    prev.Resources.Memory,
			"gpu":       prev.Resources.GPU,
			"disk":      prev.Resources.Disk,
			"status":    string(prev.State),
			"exit_code": nil,
		}
		if prev.ExitCode != nil {
			p["exit_code"] = int64(*prev.ExitCode)
		}
		m["previous"] = p
	}
	v, _ := value.Import(m, value.AnyType)
	return v
}

// evalRuntime evaluates t's runtime section in env. Errors are
// EVALUATION_ERRORs.
func evalRuntime(ev *expr.Evaluator, t *wdl.Task, env expr.Env, defaultRetries int) (*Runtime, error) {
	rt := &Runtime{
		Resources:  model.ResourceSpec{CPU: defaultCPU, Memory: defaultMemory},
		MaxRetries: defaultRetries,
	}

	keys := make([]string, 0, len(t.Runtime))
	for k := range t.Runtime {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		canon, ok := runtimeAliases[k]
		if !ok {
			continue
		}
		v, err := ev.Eval(t.Runtime[k], env, value.OptionalOf(value.AnyType))
		if err != nil {
			return nil, model.NewError(model.ErrEvaluation, err, "task %s runtime %s", t.Name, k)
		}
		if value.IsNull(v) {
			continue
		}
		if err := rt.set(canon, v); err != nil {
			return nil, model.NewError(model.ErrEvaluation, err, "task %s runtime %s", t.Name, k)
		}
	}
	return rt, nil
}

func (rt *Runtime) set(key string, v value.Value) error {
	switch key {
	case "cpu":
		n, err := number(v)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("cpu must be positive, got %v", n)
		}
		rt.Resources.CPU = int64(math.Ceil(n))
	case "memory":
		b, err := bytesOf(v, 1)
		if err != nil {
			return err
		}
		rt.Resources.Memory = b
	case "gpu":
		switch x := v.(type) {
		case value.Boolean:
			if x {
				rt.Resources.GPU = 1
			}
		default:
			n, err := number(v)
			if err != nil {
				return err
			}
			rt.Resources.GPU = int64(n)
		}
	case "disks":
		b, err := diskBytes(v)
		if err != nil {
			return err
		}
		rt.Resources.Disk = b
	case "container":
		switch x := v.(type) {
		case value.String:
			rt.Resources.Container = string(x)
		case *value.Array:
			if x.Len() > 0 {
				rt.Resources.Container = x.Index(0).String()
			}
		default:
			return fmt.Errorf("container must be a String or Array[String], got %s", v.Type())
		}
	case "maxRetries":
		n, err := number(v)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("maxRetries must not be negative")
		}
		rt.MaxRetries = int(n)
	case "returnCodes":
		switch x := v.(type) {
		case value.String:
			if string(x) != "*" {
				return fmt.Errorf(`returnCodes string must be "*", got %q`, string(x))
			}
			rt.AnyCode = true
		case value.Int:
			rt.ReturnCodes = []int64{int64(x)}
		case *value.Array:
			codes := make([]int64, 0, x.Len())
			for _, e := range x.Elems() {
				n, ok := e.(value.Int)
				if !ok {
					return fmt.Errorf("returnCodes element %s is not an Int", e)
				}
				codes = append(codes, int64(n))
			}
			rt.ReturnCodes = codes
		default:
			return fmt.Errorf("returnCodes must be Int, Array[Int] or \"*\"")
		}
	}
	return nil
}

func number(v value.Value) (float64, error) {
	switch x := v.(type) {
	case value.Int:
		return float64(x), nil
	case value.Float:
		return float64(x), nil
	case value.String:
		return strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
	}
	return 0, fmt.Errorf("expected a number, got %s", v.Type())
}

// bytesOf reads a size: numbers are multiplied by unit, strings are parsed
// with their unit suffix ("4 GiB", "500M").
func bytesOf(v value.Value, unit int64) (int64, error) {
	if s, ok := v.(value.String); ok {
		b, err := humanize.ParseBytes(strings.TrimSpace(string(s)))
		if err != nil {
			return 0, fmt.Errorf("size %q: %w", string(s), err)
		}
		return int64(b), nil
	}
	n, err := number(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("size must not be negative")
	}
	return int64(n * float64(unit)), nil
}

// diskBytes accepts an Int of GiB, a size string, or the
// "local-disk <GiB> <type>" mount form.
func diskBytes(v value.Value) (int64, error) {
	s, ok := v.(value.String)
	if !ok {
		return bytesOf(v, 1<<30)
	}
	fields := strings.Fields(string(s))
	if len(fields) >= 2 && (fields[0] == "local-disk" || strings.HasPrefix(fields[0], "/")) {
		n, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("disks %q: %w", string(s), err)
		}
		return int64(n * (1 << 30)), nil
	}
	if len(fields) == 1 {
		if n, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return int64(n * (1 << 30)), nil
		}
	}
	return bytesOf(v, 1)
}

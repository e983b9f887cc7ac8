package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/dustin/go-humanize"
)

// installBuiltins registers the standard library functions. Output builtins
// are registered only when oc is non-nil.
func installBuiltins(vm *goja.Runtime, oc *OutputContext) {
	set := func(name string, fn any) {
		_ = vm.Set(name, fn)
	}

	set("defined", func(x any) bool { return x != nil })
	set("select_first", selectFirst)
	set("select_all", selectAll)
	set("length", length)
	set("basename", basename)
	set("sub", sub)
	set("range", rangeN)
	set("sep", sep)
	set("flatten", flatten)
	set("prefix", func(p string, xs []any) []any { return affix(p, "", xs) })
	set("suffix", func(s string, xs []any) []any { return affix("", s, xs) })
	set("quote", func(xs []any) []any { return affix(`"`, `"`, xs) })
	set("squote", func(xs []any) []any { return affix("'", "'", xs) })
	set("size", func(p any, unit ...string) (float64, error) {
		return size(resolver(oc), p, unit...)
	})

	if oc == nil {
		return
	}
	resolve := resolver(oc)
	set("stdout", func() string { return oc.Stdout })
	set("stderr", func() string { return oc.Stderr })
	set("glob", func(pattern string) ([]any, error) { return glob(oc.WorkDir, pattern) })
	set("read_string", func(p string) (string, error) { return readString(resolve(p)) })
	set("read_lines", func(p string) ([]any, error) { return readLines(resolve(p)) })
	set("read_int", func(p string) (int64, error) { return readInt(resolve(p)) })
	set("read_float", func(p string) (float64, error) { return readFloat(resolve(p)) })
	set("read_boolean", func(p string) (bool, error) { return readBoolean(resolve(p)) })
	set("read_json", func(p string) (any, error) { return readJSON(resolve(p)) })
}

func resolver(oc *OutputContext) func(string) string {
	return func(p string) string {
		if oc == nil || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(oc.WorkDir, p)
	}
}

func selectFirst(xs []any) (any, error) {
	for _, x := range xs {
		if x != nil {
			return x, nil
		}
	}
	return nil, errors.New("select_first: all values are undefined")
}

func selectAll(xs []any) []any {
	out := make([]any, 0, len(xs))
	for _, x := range xs {
		if x != nil {
			out = append(out, x)
		}
	}
	return out
}

func length(x any) (int64, error) {
	switch v := x.(type) {
	case []any:
		return int64(len(v)), nil
	case string:
		return int64(len(v)), nil
	case map[string]any:
		return int64(len(v)), nil
	case nil:
		return 0, errors.New("length: undefined value")
	}
	return 0, fmt.Errorf("length: unsupported value %T", x)
}

func basename(p string, suffix ...string) string {
	b := path.Base(p)
	if len(suffix) > 0 && suffix[0] != "" {
		b = strings.TrimSuffix(b, suffix[0])
	}
	return b
}

func sub(s, pattern, repl string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("sub: %w", err)
	}
	return re.ReplaceAllString(s, repl), nil
}

func rangeN(n int64) ([]any, error) {
	if n < 0 {
		return nil, fmt.Errorf("range: negative length %d", n)
	}
	out := make([]any, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out, nil
}

func sep(s string, xs []any) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = toString(x)
	}
	return strings.Join(parts, s)
}

func flatten(xs []any) ([]any, error) {
	var out []any
	for i, x := range xs {
		inner, ok := x.([]any)
		if !ok {
			return nil, fmt.Errorf("flatten: element %d is not an array", i)
		}
		out = append(out, inner...)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func affix(pre, post string, xs []any) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = pre + toString(x) + post
	}
	return out
}

// size returns the total size of the files in p (a path or an array of
// paths) in the given unit. Absent values count as zero.
func size(resolve func(string) string, p any, unit ...string) (float64, error) {
	var total int64
	var walk func(x any) error
	walk = func(x any) error {
		switch v := x.(type) {
		case nil:
			return nil
		case string:
			info, err := os.Stat(resolve(v))
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}
			if !info.IsDir() {
				total += info.Size()
				return nil
			}
			return filepath.Walk(resolve(v), func(_ string, fi os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !fi.IsDir() {
					total += fi.Size()
				}
				return nil
			})
		case []any:
			for _, e := range v {
				if err := walk(e); err != nil {
					return err
				}
			}
			return nil
		}
		return fmt.Errorf("size: unsupported value %T", x)
	}
	if err := walk(p); err != nil {
		return 0, err
	}
	div := float64(1)
	if len(unit) > 0 && unit[0] != "" && unit[0] != "B" {
		n, err := humanize.ParseBytes("1 " + unit[0])
		if err != nil {
			return 0, fmt.Errorf("size: unit %q: %w", unit[0], err)
		}
		div = float64(n)
	}
	return float64(total) / div, nil
}

func glob(dir, pattern string) ([]any, error) {
	p := pattern
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	matches, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	out := make([]any, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func readString(p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read_string: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func readLines(p string) ([]any, error) {
	s, err := readString(p)
	if err != nil {
		return nil, err
	}
	out := []any{}
	if s == "" {
		return out, nil
	}
	for _, line := range strings.Split(s, "\n") {
		out = append(out, strings.TrimSuffix(line, "\r"))
	}
	return out, nil
}

func readInt(p string) (int64, error) {
	s, err := readString(p)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read_int: %w", err)
	}
	return n, nil
}

func readFloat(p string) (float64, error) {
	s, err := readString(p)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("read_float: %w", err)
	}
	return f, nil
}

func readBoolean(p string) (bool, error) {
	s, err := readString(p)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("read_boolean: %q is not a boolean", s)
}

func readJSON(p string) (any, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read_json: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("read_json: %w", err)
	}
	return out, nil
}

// toString converts an exported JS value to its placeholder rendering.
func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}

package expr

import (
	"sort"

	"github.com/me/gowdl/pkg/value"
)

// Env is an immutable name to value binding. With returns a new Env and
// never modifies the receiver, so an Env may be shared across goroutines.
type Env struct {
	vars map[string]value.Value
}

// NewEnv creates an Env from m. The map is copied.
func NewEnv(m map[string]value.Value) Env {
	vars := make(map[string]value.Value, len(m))
	for k, v := range m {
		vars[k] = v
	}
	return Env{vars: vars}
}

// Get returns the value bound to name.
func (e Env) Get(name string) (value.Value, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Has reports whether name is bound.
func (e Env) Has(name string) bool {
	_, ok := e.vars[name]
	return ok
}

// With returns a copy of e with name bound to v.
func (e Env) With(name string, v value.Value) Env {
	vars := make(map[string]value.Value, len(e.vars)+1)
	for k, x := range e.vars {
		vars[k] = x
	}
	vars[name] = v
	return Env{vars: vars}
}

// Merge returns a copy of e with every binding of o added, overriding
// bindings of the same name.
func (e Env) Merge(o Env) Env {
	vars := make(map[string]value.Value, len(e.vars)+len(o.vars))
	for k, x := range e.vars {
		vars[k] = x
	}
	for k, x := range o.vars {
		vars[k] = x
	}
	return Env{vars: vars}
}

// Names returns the bound names, sorted.
func (e Env) Names() []string {
	names := make([]string, 0, len(e.vars))
	for k := range e.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bindings.
func (e Env) Len() int {
	return len(e.vars)
}

// Map returns a copy of the bindings.
func (e Env) Map() map[string]value.Value {
	out := make(map[string]value.Value, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Export converts every binding to plain data, for inputs.json and
// outputs.json.
func (e Env) Export() map[string]any {
	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = value.Export(v)
	}
	return out
}

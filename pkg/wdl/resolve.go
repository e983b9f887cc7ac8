package wdl

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
)

// Resolve parses every type string, derives missing expression references,
// assigns node IDs, links calls to their callees and computes task digests.
// Errors are VALIDATION_ERROR EngineErrors.
func (d *Document) Resolve() error {
	if d.resolved {
		return nil
	}
	if err := d.resolveStructs(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, t := range d.Tasks {
		if t.Name == "" {
			return model.NewValidationError("task without a name")
		}
		if seen[t.Name] {
			return model.NewValidationError("duplicate task %q", t.Name)
		}
		seen[t.Name] = true
		if err := d.resolveTask(t); err != nil {
			return err
		}
	}

	wfs := d.Workflows
	if d.Workflow != nil {
		wfs = append([]*Workflow{d.Workflow}, wfs...)
	}
	for _, w := range wfs {
		if w.Name == "" {
			return model.NewValidationError("workflow without a name")
		}
		if seen[w.Name] {
			return model.NewValidationError("duplicate callable %q", w.Name)
		}
		seen[w.Name] = true
	}
	for _, w := range wfs {
		if err := d.resolveWorkflow(w); err != nil {
			return err
		}
	}
	if err := d.checkRecursion(wfs); err != nil {
		return err
	}
	d.resolved = true
	return nil
}

func (d *Document) resolveStructs() error {
	d.structTypes = make(map[string]value.Type, len(d.Structs))
	for _, s := range d.Structs {
		if _, dup := d.structTypes[s.Name]; dup {
			return model.NewValidationError("duplicate struct %q", s.Name)
		}
		members := make([]value.Member, len(s.Members))
		for i, m := range s.Members {
			t, err := value.ParseType(m.TypeSrc, d.structTypes)
			if err != nil {
				return model.NewValidationError("struct %s member %s: %v", s.Name, m.Name, err)
			}
			m.Type = t
			members[i] = value.Member{Name: m.Name, Type: t}
		}
		d.structTypes[s.Name] = value.StructOf(s.Name, members...)
	}
	return nil
}

func (d *Document) resolveDecls(owner string, decls ...[]*Decl) error {
	for _, group := range decls {
		for _, decl := range group {
			if decl.Name == "" {
				return model.NewValidationError("%s: declaration without a name", owner)
			}
			t, err := value.ParseType(decl.TypeSrc, d.structTypes)
			if err != nil {
				return model.NewValidationError("%s.%s: %v", owner, decl.Name, err)
			}
			decl.Type = t
			fillRefs(decl.Expr)
		}
	}
	return nil
}

func (d *Document) resolveTask(t *Task) error {
	if err := d.resolveDecls(t.Name, t.Inputs, t.Decls, t.Outputs); err != nil {
		return err
	}
	names := make(map[string]bool)
	for _, decl := range append(append([]*Decl(nil), t.Inputs...), t.Decls...) {
		if names[decl.Name] {
			return model.NewValidationError("task %s: duplicate declaration %q", t.Name, decl.Name)
		}
		names[decl.Name] = true
	}
	for k, e := range t.Runtime {
		fillRefs(&e)
		t.Runtime[k] = e
	}
	for k, e := range t.Hints {
		fillRefs(&e)
		t.Hints[k] = e
	}
	if t.Digest == "" {
		digest, err := taskDigest(t)
		if err != nil {
			return model.NewValidationError("task %s: digest: %v", t.Name, err)
		}
		t.Digest = digest
	}
	return nil
}

func (d *Document) resolveWorkflow(w *Workflow) error {
	if err := d.resolveDecls(w.Name, w.Inputs, w.Outputs); err != nil {
		return err
	}
	bound := make(map[string]string)
	for _, in := range w.Inputs {
		if _, dup := bound[in.Name]; dup {
			return model.NewValidationError("workflow %s: duplicate input %q", w.Name, in.Name)
		}
		bound[in.Name] = "input"
	}
	return d.resolveBody(w, w.Body, bound)
}

func (d *Document) resolveBody(w *Workflow, body []*Node, bound map[string]string) error {
	for i, n := range body {
		set := 0
		for _, p := range []bool{n.Decl != nil, n.Call != nil, n.Scatter != nil, n.If != nil} {
			if p {
				set++
			}
		}
		if set != 1 {
			return model.NewValidationError("workflow %s: body node %d must have exactly one of decl, call, scatter, if", w.Name, i)
		}

		switch {
		case n.Decl != nil:
			if err := d.resolveDecls(w.Name, []*Decl{n.Decl}); err != nil {
				return err
			}
			if n.Decl.Expr == nil {
				return model.NewValidationError("workflow %s: declaration %q has no expression", w.Name, n.Decl.Name)
			}
			n.id = n.Decl.Name
		case n.Call != nil:
			c := n.Call
			if t, ok := d.Task(c.Callee); ok {
				c.Task = t
			} else if sub, ok := d.Lookup(c.Callee); ok {
				c.Workflow = sub
			} else {
				return model.NewValidationError("workflow %s: call to unknown task or workflow %q", w.Name, c.Callee)
			}
			for k, e := range c.Inputs {
				fillRefs(&e)
				c.Inputs[k] = e
			}
			for name := range c.Inputs {
				if !hasDecl(c.CalleeInputs(), name) {
					return model.NewValidationError("call %s: %s has no input %q", c.Alias(), c.Callee, name)
				}
			}
			for _, name := range c.Abbrev {
				if !hasDecl(c.CalleeInputs(), name) {
					return model.NewValidationError("call %s: %s has no input %q", c.Alias(), c.Callee, name)
				}
			}
			n.id = c.Alias()
		case n.Scatter != nil:
			if n.Scatter.Var == "" {
				return model.NewValidationError("workflow %s: scatter without a variable", w.Name)
			}
			if _, dup := bound[n.Scatter.Var]; dup {
				return model.NewValidationError("workflow %s: scatter variable %q shadows an existing name", w.Name, n.Scatter.Var)
			}
			fillRefs(&n.Scatter.Expr)
			n.id = "scatter-" + n.Scatter.Var
			inner := copyBound(bound)
			inner[n.Scatter.Var] = n.id
			if err := d.resolveBody(w, n.Scatter.Body, inner); err != nil {
				return err
			}
		case n.If != nil:
			if len(n.If.Branches) == 0 {
				return model.NewValidationError("workflow %s: conditional without branches", w.Name)
			}
			for bi, b := range n.If.Branches {
				if b.Guard == nil && bi != len(n.If.Branches)-1 {
					return model.NewValidationError("workflow %s: only the last branch may omit its guard", w.Name)
				}
				fillRefs(b.Guard)
				if err := d.resolveBody(w, b.Body, copyBound(bound)); err != nil {
					return err
				}
			}
			n.id = fmt.Sprintf("if-%d", i)
		}

		for _, name := range n.Bindings() {
			if prev, dup := bound[name]; dup {
				return model.NewValidationError("workflow %s: %q is bound twice (%s, %s)", w.Name, name, prev, n.id)
			}
			bound[name] = n.id
		}
	}
	return nil
}

// checkRecursion rejects workflows that call themselves directly or
// indirectly.
func (d *Document) checkRecursion(wfs []*Workflow) error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[*Workflow]int)
	var visit func(w *Workflow) error
	visit = func(w *Workflow) error {
		switch state[w] {
		case visiting:
			return model.NewValidationError("workflow %s calls itself", w.Name)
		case done:
			return nil
		}
		state[w] = visiting
		var err error
		walkCalls(w.Body, func(c *Call) {
			if err == nil && c.Workflow != nil {
				err = visit(c.Workflow)
			}
		})
		state[w] = done
		return err
	}
	for _, w := range wfs {
		if err := visit(w); err != nil {
			return err
		}
	}
	return nil
}

func walkCalls(body []*Node, fn func(*Call)) {
	for _, n := range body {
		switch {
		case n.Call != nil:
			fn(n.Call)
		case n.Scatter != nil:
			walkCalls(n.Scatter.Body, fn)
		case n.If != nil:
			for _, b := range n.If.Branches {
				walkCalls(b.Body, fn)
			}
		}
	}
}

// ID returns the node's identifier within its body: the declaration name,
// the call alias, "scatter-<var>" or "if-<index>".
func (n *Node) ID() string {
	return n.id
}

// Bindings returns the names the node introduces into the enclosing scope.
// Names bound inside a scatter or conditional body are visible outside it
// as arrays or optionals.
func (n *Node) Bindings() []string {
	switch {
	case n.Decl != nil:
		return []string{n.Decl.Name}
	case n.Call != nil:
		return []string{n.Call.Alias()}
	case n.Scatter != nil:
		return bodyBindings(n.Scatter.Body)
	case n.If != nil:
		seen := make(map[string]bool)
		var out []string
		for _, b := range n.If.Branches {
			for _, name := range bodyBindings(b.Body) {
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
		return out
	}
	return nil
}

// Refs returns the names the node references from its enclosing scope,
// sorted. References to names bound inside a nested body are excluded.
func (n *Node) Refs() []string {
	refs := make(map[string]bool)
	switch {
	case n.Decl != nil:
		addRefs(refs, n.Decl.Expr)
	case n.Call != nil:
		for _, e := range n.Call.Inputs {
			addRefs(refs, &e)
		}
		for _, name := range n.Call.Abbrev {
			refs[name] = true
		}
	case n.Scatter != nil:
		addRefs(refs, &n.Scatter.Expr)
		inner := bodyRefs(n.Scatter.Body)
		delete(inner, n.Scatter.Var)
		for r := range inner {
			refs[r] = true
		}
	case n.If != nil:
		for _, b := range n.If.Branches {
			addRefs(refs, b.Guard)
			for r := range bodyRefs(b.Body) {
				refs[r] = true
			}
		}
	}
	out := make([]string, 0, len(refs))
	for r := range refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func bodyBindings(body []*Node) []string {
	var out []string
	for _, n := range body {
		out = append(out, n.Bindings()...)
	}
	return out
}

// bodyRefs returns the free references of a body: everything its nodes
// reference minus what the body binds itself.
func bodyRefs(body []*Node) map[string]bool {
	refs := make(map[string]bool)
	for _, n := range body {
		for _, r := range n.Refs() {
			refs[r] = true
		}
	}
	for _, name := range bodyBindings(body) {
		delete(refs, name)
	}
	return refs
}

func addRefs(set map[string]bool, e *Expr) {
	if e == nil {
		return
	}
	refs := e.Refs
	if refs == nil {
		refs = DeriveRefs(e.Src)
	}
	for _, r := range refs {
		set[r] = true
	}
}

func fillRefs(e *Expr) {
	if e != nil && e.Refs == nil {
		e.Refs = DeriveRefs(e.Src)
	}
}

func hasDecl(decls []*Decl, name string) bool {
	_, ok := findDecl(decls, name)
	return ok
}

func copyBound(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// taskDigest hashes the canonical JSON form of the task body. Map keys are
// sorted by encoding/json, so equal tasks hash equally.
func taskDigest(t *Task) (string, error) {
	cp := *t
	cp.Digest = ""
	cp.Pos = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

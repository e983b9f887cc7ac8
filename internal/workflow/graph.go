package workflow

import (
	"sort"
	"strings"

	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/wdl"
)

// Node is one vertex of a body graph: a workflow input or a body element.
type Node struct {
	ID    string
	Input *wdl.Decl
	Body  *wdl.Node
}

// Graph is the dependency structure of one workflow body.
type Graph struct {
	Nodes map[string]*Node
	// Deps maps each node ID to the IDs it depends on (upstream).
	Deps map[string][]string
	// Dependents maps each node ID to the IDs that depend on it.
	Dependents map[string][]string
	// Order is a topological order of the node IDs.
	Order []string
}

// Build constructs the graph of body. inputs are the workflow input
// declarations of the enclosing scope; they are nil for nested bodies, whose
// enclosing inputs are already bound.
//
// An edge runs from A to B when B references a name A binds, when B is a
// call listing A in its after clause, and from every input to every node
// containing a call. A cycle is a VALIDATION_ERROR.
func Build(body []*wdl.Node, inputs []*wdl.Decl) (*Graph, error) {
	g := &Graph{
		Nodes:      make(map[string]*Node, len(body)+len(inputs)),
		Deps:       make(map[string][]string),
		Dependents: make(map[string][]string),
	}
	binder := make(map[string]string)
	for _, in := range inputs {
		g.Nodes[in.Name] = &Node{ID: in.Name, Input: in}
		binder[in.Name] = in.Name
	}
	for _, n := range body {
		id := n.ID()
		if _, dup := g.Nodes[id]; dup {
			return nil, model.NewValidationError("duplicate node %q", id)
		}
		g.Nodes[id] = &Node{ID: id, Body: n}
		for _, name := range n.Bindings() {
			binder[name] = id
		}
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	addEdge := func(from, to string) {
		for _, d := range g.Deps[to] {
			if d == from {
				return
			}
		}
		g.Deps[to] = append(g.Deps[to], from)
		g.Dependents[from] = append(g.Dependents[from], to)
		inDegree[to]++
	}

	for _, in := range inputs {
		if in.Expr == nil {
			continue
		}
		for _, r := range in.Expr.Refs {
			if dep, ok := binder[r]; ok {
				if dep == in.Name {
					return nil, model.NewValidationError("input %q references itself", in.Name)
				}
				addEdge(dep, in.Name)
			}
		}
	}
	for _, n := range body {
		id := n.ID()
		// Refs of an unknown name are left to the enclosing scope or are
		// expression-local (lambda parameters, member names).
		for _, r := range n.Refs() {
			dep, ok := binder[r]
			if !ok {
				continue
			}
			if dep == id {
				return nil, model.NewValidationError("workflow contains a cycle involving: %s", id)
			}
			addEdge(dep, id)
		}
		if n.Call != nil {
			for _, a := range n.Call.After {
				dep, ok := binder[a]
				if !ok {
					return nil, model.NewValidationError("call %s: after %q names no call in scope", id, a)
				}
				if dep == id {
					return nil, model.NewValidationError("call %s waits on itself", id)
				}
				addEdge(dep, id)
			}
		}
		if containsCall(n) {
			for _, in := range inputs {
				addEdge(in.Name, id)
			}
		}
	}
	for id := range g.Deps {
		sort.Strings(g.Deps[id])
	}
	for id := range g.Dependents {
		sort.Strings(g.Dependents[id])
	}

	// Kahn's algorithm.
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.Order = append(g.Order, id)
		for _, succ := range g.Dependents[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}
	if len(g.Order) != len(g.Nodes) {
		var cycle []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, model.NewValidationError("workflow contains a cycle involving: %s", strings.Join(cycle, ", "))
	}
	return g, nil
}

func containsCall(n *wdl.Node) bool {
	switch {
	case n.Call != nil:
		return true
	case n.Scatter != nil:
		for _, c := range n.Scatter.Body {
			if containsCall(c) {
				return true
			}
		}
	case n.If != nil:
		for _, b := range n.If.Branches {
			for _, c := range b.Body {
				if containsCall(c) {
					return true
				}
			}
		}
	}
	return false
}

// Check builds the graph of wf and of every nested body and sub-workflow,
// reporting the first structural error.
func Check(wf *wdl.Workflow) error {
	return check(wf, make(map[*wdl.Workflow]bool))
}

func check(wf *wdl.Workflow, seen map[*wdl.Workflow]bool) error {
	if seen[wf] {
		return nil
	}
	seen[wf] = true
	if _, err := Build(wf.Body, wf.Inputs); err != nil {
		return model.WithFrame(err, model.Frame{Kind: "workflow", Name: wf.Name, Pos: wf.Pos})
	}
	return checkBody(wf, wf.Body, seen)
}

func checkBody(wf *wdl.Workflow, body []*wdl.Node, seen map[*wdl.Workflow]bool) error {
	for _, n := range body {
		var nested [][]*wdl.Node
		switch {
		case n.Call != nil && n.Call.Workflow != nil:
			if err := check(n.Call.Workflow, seen); err != nil {
				return model.WithFrame(err, model.Frame{Kind: "call", Name: n.Call.Alias(), Pos: n.Call.Pos})
			}
		case n.Scatter != nil:
			nested = append(nested, n.Scatter.Body)
		case n.If != nil:
			for _, b := range n.If.Branches {
				nested = append(nested, b.Body)
			}
		}
		for _, b := range nested {
			if _, err := Build(b, nil); err != nil {
				return model.WithFrame(err, model.Frame{Kind: "workflow", Name: wf.Name, Pos: wf.Pos})
			}
			if err := checkBody(wf, b, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

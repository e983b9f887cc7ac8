// Package workflow evaluates workflow bodies as dependency graphs: nodes run
// concurrently as soon as the values they reference are available.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/me/gowdl/internal/controller"
	"github.com/me/gowdl/internal/expr"
	"github.com/me/gowdl/internal/rundir"
	"github.com/me/gowdl/internal/task"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// TaskRunner executes one task call.
type TaskRunner interface {
	Run(ctx context.Context, call *task.Call) (*task.Result, error)
}

// Evaluator evaluates the workflows of one run.
type Evaluator struct {
	tasks  TaskRunner
	ctl    *controller.Controller
	ev     *expr.Evaluator
	logger *slog.Logger
}

// New creates an Evaluator dispatching calls to tasks under ctl.
func New(tasks TaskRunner, ctl *controller.Controller, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		tasks:  tasks,
		ctl:    ctl,
		ev:     expr.NewEvaluator(),
		logger: logger.With("component", "workflow"),
	}
}

// level is one workflow invocation: the top-level workflow or a
// sub-workflow call.
type level struct {
	wf       *wdl.Workflow
	name     string
	scope    *rundir.Scope
	supplied map[string]value.Value
	// overrides are dotted call input values relative to wf, e.g.
	// "align.threads".
	overrides map[string]any
}

// bodyCtx locates a body evaluation: its workflow level and the indexes of
// the scatter elements enclosing it.
type bodyCtx struct {
	*level
	indexes []int
}

func (bc bodyCtx) element(i int) bodyCtx {
	idx := make([]int, len(bc.indexes), len(bc.indexes)+1)
	copy(idx, bc.indexes)
	return bodyCtx{level: bc.level, indexes: append(idx, i)}
}

// qualify names a call for events and logs: "sub.align[2]".
func (bc bodyCtx) qualify(alias string) string {
	var b strings.Builder
	if bc.name != "" {
		b.WriteString(bc.name)
		b.WriteByte('.')
	}
	b.WriteString(alias)
	for _, i := range bc.indexes {
		fmt.Fprintf(&b, "[%d]", i)
	}
	return b.String()
}

// Run evaluates wf with the caller-supplied inputs. Keys of inputs are
// workflow input names or, when wf allows nested inputs, dotted call input
// overrides ("align.threads"). Outputs are evaluated after the body. Call
// directories are created under scope, which must not be nil.
func (e *Evaluator) Run(ctx context.Context, wf *wdl.Workflow, inputs map[string]any, scope *rundir.Scope) (map[string]value.Value, error) {
	if scope == nil {
		return nil, fmt.Errorf("workflow %s: run without a directory scope", wf.Name)
	}
	supplied := make(map[string]value.Value)
	overrides := make(map[string]any)
	calls := callAliases(wf.Body)
	for key, raw := range inputs {
		if alias, _, nested := strings.Cut(key, "."); nested {
			if !wf.AllowNestedInputs {
				return nil, model.NewValidationError("workflow %s does not allow nested inputs; got %q", wf.Name, key)
			}
			if !calls[alias] {
				return nil, model.NewValidationError("input %q: workflow %s has no call %q", key, wf.Name, alias)
			}
			overrides[key] = raw
			continue
		}
		d, ok := wf.Input(key)
		if !ok {
			return nil, model.NewValidationError("workflow %s has no input %q", wf.Name, key)
		}
		v, err := value.Import(raw, d.Type)
		if err != nil {
			return nil, model.NewValidationError("input %s: %v", key, err)
		}
		supplied[key] = v
	}
	for _, d := range wf.Inputs {
		if d.Required() {
			if v, ok := supplied[d.Name]; !ok || value.IsNull(v) {
				return nil, model.NewValidationError("workflow %s: missing required input %q", wf.Name, d.Name)
			}
		}
	}
	return e.run(ctx, &level{wf: wf, scope: scope, supplied: supplied, overrides: overrides})
}

func (e *Evaluator) run(ctx context.Context, lv *level) (map[string]value.Value, error) {
	wf := lv.wf
	frame := model.Frame{Kind: "workflow", Name: wf.Name, Pos: wf.Pos}
	if err := e.validateCalls(wf, wf.Body, lv.overrides); err != nil {
		return nil, model.WithFrame(err, frame)
	}
	g, err := Build(wf.Body, wf.Inputs)
	if err != nil {
		return nil, model.WithFrame(err, frame)
	}
	if err := rundir.WriteJSON(lv.scope.Dir(), rundir.InputsFile, exportAll(lv.supplied)); err != nil {
		e.logger.Warn("write inputs.json failed", "workflow", wf.Name, "error", err)
	}

	env, err := e.runBody(ctx, bodyCtx{level: lv}, g, expr.NewEnv(nil))
	if err != nil {
		return nil, model.WithFrame(err, frame)
	}

	out := make(map[string]value.Value, len(wf.Outputs))
	for _, d := range wf.Outputs {
		if d.Expr == nil {
			return nil, model.WithFrame(model.NewValidationError("output %s has no expression", d.Name), frame)
		}
		v, err := e.ev.Eval(*d.Expr, env, d.Type)
		if err != nil {
			return nil, model.WithFrame(model.NewError(model.ErrEvaluation, err, "workflow %s output %s", wf.Name, d.Name), frame)
		}
		out[d.Name] = v
		env = env.With(d.Name, v)
	}
	if err := rundir.WriteJSON(lv.scope.Dir(), rundir.OutputsFile, exportAll(out)); err != nil {
		e.logger.Warn("write outputs.json failed", "workflow", wf.Name, "error", err)
	}
	return out, nil
}

// validateCalls rejects calls whose required inputs are bound neither in
// the call nor by an override. Workflows allowing nested inputs only get a
// diagnostic; the value may still arrive through the callee's own default
// handling or fail at the callee.
func (e *Evaluator) validateCalls(wf *wdl.Workflow, body []*wdl.Node, overrides map[string]any) error {
	var err error
	walkCalls(body, func(c *wdl.Call) {
		if err != nil {
			return
		}
		for _, d := range c.CalleeInputs() {
			if !d.Required() || bound(c, d.Name) {
				continue
			}
			key := c.Alias() + "." + d.Name
			if _, ok := overrides[key]; ok {
				continue
			}
			if wf.AllowNestedInputs {
				e.logger.Warn("required call input not bound; expecting a nested input", "workflow", wf.Name, "call", c.Alias(), "input", d.Name)
				continue
			}
			err = model.WithFrame(
				model.NewValidationError("call %s: required input %q is not bound", c.Alias(), d.Name),
				model.Frame{Kind: "call", Name: c.Alias(), Pos: c.Pos})
		}
	})
	return err
}

func bound(c *wdl.Call, name string) bool {
	if _, ok := c.Inputs[name]; ok {
		return true
	}
	for _, a := range c.Abbrev {
		if a == name {
			return true
		}
	}
	return false
}

type nodeResult struct {
	id       string
	bindings map[string]value.Value
	err      error
}

// runBody evaluates every node of g, starting each node once all its
// dependencies are complete. Each node sees an immutable snapshot of the
// environment taken when it starts. After the first failure no further node
// starts and the nodes depending on the failed one are canceled; running
// nodes are left to the controller's failure mode.
func (e *Evaluator) runBody(ctx context.Context, bc bodyCtx, g *Graph, env expr.Env) (expr.Env, error) {
	states := make(map[string]model.NodeState, len(g.Nodes))
	pending := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		states[id] = model.NodeStatePending
		pending[id] = len(g.Deps[id])
	}
	results := make(chan nodeResult, len(g.Nodes))
	inFlight := 0
	stopped := false
	var firstErr error

	record := func(err error) {
		if firstErr == nil || (model.IsCanceled(firstErr) && !model.IsCanceled(err)) {
			firstErr = err
		}
		stopped = true
	}
	move := func(id string, next model.NodeState) {
		if !states[id].CanTransitionTo(next) {
			e.logger.Debug("ignoring node transition", "node", id, "from", states[id], "to", next)
			return
		}
		states[id] = next
	}
	launch := func(id string) {
		move(id, model.NodeStateReady)
		if err := e.admit(ctx); err != nil {
			record(err)
			return
		}
		move(id, model.NodeStateRunning)
		snapshot := env
		node := g.Nodes[id]
		inFlight++
		go func() {
			b, err := e.evalNode(ctx, bc, node, snapshot)
			results <- nodeResult{id: id, bindings: b, err: err}
		}()
	}

	for _, id := range g.Order {
		if stopped {
			break
		}
		if pending[id] == 0 {
			launch(id)
		}
	}

	for inFlight > 0 {
		r := <-results
		inFlight--
		if r.err != nil {
			if model.IsCanceled(r.err) {
				move(r.id, model.NodeStateCanceled)
			} else {
				move(r.id, model.NodeStateFailed)
				e.logger.Error("node failed", "workflow", bc.wf.Name, "node", r.id, "error", r.err)
				if e.ctl != nil {
					e.ctl.Fail(r.err)
				}
			}
			record(r.err)
			e.cancelDependents(g, states, r.id, move)
			continue
		}
		move(r.id, model.NodeStateComplete)
		for _, name := range sortedKeys(r.bindings) {
			env = env.With(name, r.bindings[name])
		}
		if stopped {
			continue
		}
		for _, dep := range g.Dependents[r.id] {
			pending[dep]--
			if pending[dep] == 0 && states[dep] == model.NodeStatePending {
				launch(dep)
			}
		}
	}

	if firstErr != nil {
		for id, s := range states {
			if !s.IsTerminal() {
				move(id, model.NodeStateCanceled)
			}
		}
		return expr.Env{}, firstErr
	}
	return env, nil
}

// cancelDependents marks every node downstream of id as canceled.
func (e *Evaluator) cancelDependents(g *Graph, states map[string]model.NodeState, id string, move func(string, model.NodeState)) {
	for _, dep := range g.Dependents[id] {
		if states[dep] == model.NodeStatePending {
			move(dep, model.NodeStateCanceled)
			e.cancelDependents(g, states, dep, move)
		}
	}
}

func (e *Evaluator) admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.NewCanceledError(err)
	}
	if e.ctl != nil {
		return e.ctl.Admit()
	}
	return nil
}

// evalNode evaluates one node and returns the names it binds.
func (e *Evaluator) evalNode(ctx context.Context, bc bodyCtx, n *Node, env expr.Env) (map[string]value.Value, error) {
	switch {
	case n.Input != nil:
		v, err := e.evalInput(bc, n.Input, env)
		if err != nil {
			return nil, err
		}
		return map[string]value.Value{n.Input.Name: v}, nil
	case n.Body.Decl != nil:
		d := n.Body.Decl
		v, err := e.ev.Eval(*d.Expr, env, d.Type)
		if err != nil {
			return nil, model.NewError(model.ErrEvaluation, err, "%s.%s", bc.wf.Name, d.Name)
		}
		return map[string]value.Value{d.Name: v}, nil
	case n.Body.Call != nil:
		c := n.Body.Call
		v, err := e.runCall(ctx, bc, c, env)
		if err != nil {
			return nil, model.WithFrame(err, model.Frame{Kind: "call", Name: bc.qualify(c.Alias()), Pos: c.Pos})
		}
		return map[string]value.Value{c.Alias(): v}, nil
	case n.Body.Scatter != nil:
		return e.runScatter(ctx, bc, n.Body.Scatter, env)
	case n.Body.If != nil:
		return e.runConditional(ctx, bc, n.Body.If, env)
	}
	return nil, model.NewValidationError("empty node %q", n.ID)
}

// evalInput binds a workflow input. A supplied absent value takes the
// default.
func (e *Evaluator) evalInput(bc bodyCtx, d *wdl.Decl, env expr.Env) (value.Value, error) {
	if v, ok := bc.supplied[d.Name]; ok && !value.IsNull(v) {
		cv, err := value.Coerce(v, d.Type)
		if err != nil {
			return nil, model.NewValidationError("%s input %s: %v", bc.wf.Name, d.Name, err)
		}
		return cv, nil
	}
	if d.Expr != nil {
		v, err := e.ev.Eval(*d.Expr, env, d.Type)
		if err != nil {
			return nil, model.NewError(model.ErrEvaluation, err, "%s input %s default", bc.wf.Name, d.Name)
		}
		return v, nil
	}
	if d.Type.Optional {
		return value.NullOf(d.Type), nil
	}
	return nil, model.NewValidationError("%s: missing required input %q", bc.wf.Name, d.Name)
}

// callInputs resolves the inputs of c: explicit bindings first, then
// abbreviated same-name lookups, then dotted overrides. Inputs left unbound
// fall back to the callee's defaults.
func (e *Evaluator) callInputs(bc bodyCtx, c *wdl.Call, env expr.Env) (map[string]value.Value, error) {
	alias := c.Alias()
	abbrev := make(map[string]bool, len(c.Abbrev))
	for _, a := range c.Abbrev {
		abbrev[a] = true
	}
	inputs := make(map[string]value.Value)
	for _, d := range c.CalleeInputs() {
		if x, ok := c.Inputs[d.Name]; ok {
			v, err := e.ev.Eval(x, env, d.Type)
			if err != nil {
				return nil, model.NewError(model.ErrEvaluation, err, "call %s input %s", alias, d.Name)
			}
			inputs[d.Name] = v
			continue
		}
		if abbrev[d.Name] {
			v, ok := env.Get(d.Name)
			if !ok {
				return nil, model.NewValidationError("call %s: no %q in scope for abbreviated input", alias, d.Name)
			}
			cv, err := value.Coerce(v, d.Type)
			if err != nil {
				return nil, model.NewValidationError("call %s input %s: %v", alias, d.Name, err)
			}
			inputs[d.Name] = cv
			continue
		}
		if raw, ok := bc.overrides[alias+"."+d.Name]; ok {
			v, err := value.Import(raw, d.Type)
			if err != nil {
				return nil, model.NewValidationError("input %s.%s: %v", alias, d.Name, err)
			}
			inputs[d.Name] = v
		}
	}
	return inputs, nil
}

func (e *Evaluator) runCall(ctx context.Context, bc bodyCtx, c *wdl.Call, env expr.Env) (value.Value, error) {
	inputs, err := e.callInputs(bc, c, env)
	if err != nil {
		return nil, err
	}
	alias := c.Alias()
	scope := bc.scope.Call(alias, bc.indexes...)

	if c.Workflow != nil {
		prefix := alias + "."
		nested := make(map[string]any)
		for k, v := range bc.overrides {
			if rest, ok := strings.CutPrefix(k, prefix); ok && strings.Contains(rest, ".") {
				nested[rest] = v
			}
		}
		out, err := e.run(ctx, &level{
			wf:        c.Workflow,
			name:      bc.qualify(alias),
			scope:     scope,
			supplied:  inputs,
			overrides: nested,
		})
		if err != nil {
			return nil, err
		}
		return callValue(c, out), nil
	}

	res, err := e.tasks.Run(ctx, &task.Call{
		Name:   bc.qualify(alias),
		Task:   c.Task,
		Inputs: inputs,
		Scope:  scope,
	})
	if err != nil {
		return nil, err
	}
	return callValue(c, res.Outputs), nil
}

// runScatter evaluates the body once per element of the source array and
// gathers every binding into an array aligned with the source. In fast
// mode the first element failure cancels its siblings; in slow mode they
// run to completion.
func (e *Evaluator) runScatter(ctx context.Context, bc bodyCtx, s *wdl.Scatter, env expr.Env) (map[string]value.Value, error) {
	frame := model.Frame{Kind: "scatter", Name: s.Var, Pos: s.Pos}
	src, err := e.scatterSource(s, env)
	if err != nil {
		return nil, model.WithFrame(err, frame)
	}
	g, err := Build(s.Body, nil)
	if err != nil {
		return nil, model.WithFrame(err, frame)
	}

	n := src.Len()
	results := make([]expr.Env, n)
	grp, gctx := &errgroup.Group{}, ctx
	if e.ctl == nil || e.ctl.Mode() == model.FailFast {
		grp, gctx = errgroup.WithContext(ctx)
	}
	for i := 0; i < n; i++ {
		grp.Go(func() error {
			out, err := e.runBody(gctx, bc.element(i), g, env.With(s.Var, src.Index(i)))
			if err != nil {
				return model.WithFrame(err, model.Frame{Kind: "scatter", Name: fmt.Sprintf("%s[%d]", s.Var, i), Pos: s.Pos})
			}
			results[i] = out
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	types := bindingTypes(s.Body)
	out := make(map[string]value.Value, len(types))
	for name, t := range types {
		elems := make([]value.Value, n)
		for i := range results {
			v, ok := results[i].Get(name)
			if !ok {
				v = value.NullOf(value.OptionalOf(t))
			}
			elems[i] = v
		}
		out[name] = value.NewArray(t, elems)
	}
	return out, nil
}

// scatterSource evaluates the array a scatter iterates over. A bare
// reference to an array in scope keeps its element type.
func (e *Evaluator) scatterSource(s *wdl.Scatter, env expr.Env) (*value.Array, error) {
	if v, ok := env.Get(strings.TrimSpace(s.Expr.Src)); ok {
		if arr, ok := v.(*value.Array); ok {
			return arr, nil
		}
	}
	v, err := e.ev.Eval(s.Expr, env, value.ArrayOf(value.AnyType))
	if err != nil {
		return nil, model.NewError(model.ErrEvaluation, err, "scatter %s source", s.Var)
	}
	arr, ok := v.(*value.Array)
	if !ok {
		return nil, model.NewError(model.ErrEvaluation, nil, "scatter %s source is %s, not an array", s.Var, v.Type())
	}
	return arr, nil
}

// runConditional evaluates the first branch whose guard holds, or the
// guardless else branch. Every name bound by any branch is optional; names
// the selected branch does not bind are absent.
func (e *Evaluator) runConditional(ctx context.Context, bc bodyCtx, c *wdl.Conditional, env expr.Env) (map[string]value.Value, error) {
	types := make(map[string]value.Type)
	for _, b := range c.Branches {
		for name, t := range bindingTypes(b.Body) {
			types[name] = value.OptionalOf(t)
		}
	}
	out := make(map[string]value.Value, len(types))
	for name, t := range types {
		out[name] = value.NullOf(t)
	}

	for i, b := range c.Branches {
		frame := model.Frame{Kind: "if", Name: fmt.Sprintf("branch %d", i), Pos: c.Pos}
		if b.Guard != nil {
			ok, err := e.ev.EvalBool(*b.Guard, env)
			if err != nil {
				return nil, model.WithFrame(model.NewError(model.ErrEvaluation, err, "guard %q", b.Guard.Src), frame)
			}
			if !ok {
				continue
			}
		}
		g, err := Build(b.Body, nil)
		if err != nil {
			return nil, model.WithFrame(err, frame)
		}
		res, err := e.runBody(ctx, bc, g, env)
		if err != nil {
			return nil, model.WithFrame(err, frame)
		}
		for name := range bindingTypes(b.Body) {
			if v, ok := res.Get(name); ok {
				out[name] = v
			}
		}
		break
	}
	return out, nil
}

func walkCalls(body []*wdl.Node, fn func(*wdl.Call)) {
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

func callAliases(body []*wdl.Node) map[string]bool {
	out := make(map[string]bool)
	walkCalls(body, func(c *wdl.Call) { out[c.Alias()] = true })
	return out
}

func sortedKeys(m map[string]value.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func exportAll(vals map[string]value.Value) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		out[k] = value.Export(v)
	}
	return out
}

// Package wdl defines the analyzed workflow documents the engine executes:
// tasks, workflows, body nodes and expressions with their references. The
// documents are produced by an external analysis step and decoded here from
// YAML or JSON.
package wdl

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/me/gowdl/pkg/value"
	"gopkg.in/yaml.v3"
)

// Decl is a typed declaration: a task or workflow input, a private
// declaration, or an output.
type Decl struct {
	Name    string `yaml:"name" json:"name"`
	TypeSrc string `yaml:"type" json:"type"`
	Expr    *Expr  `yaml:"expr,omitempty" json:"expr,omitempty"`
	Pos     string `yaml:"pos,omitempty" json:"pos,omitempty"`

	Type value.Type `yaml:"-" json:"-"`
}

// Required reports whether an input must be supplied by the caller.
func (d *Decl) Required() bool {
	return d.Expr == nil && !d.Type.Optional
}

// StructDef declares a struct type.
type StructDef struct {
	Name    string  `yaml:"name" json:"name"`
	Members []*Decl `yaml:"members" json:"members"`
}

// Task is an executable unit: inputs, private declarations, a command
// template, runtime requirements and outputs.
type Task struct {
	Name    string          `yaml:"name" json:"name"`
	Digest  string          `yaml:"digest,omitempty" json:"digest,omitempty"`
	Inputs  []*Decl         `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Decls   []*Decl         `yaml:"decls,omitempty" json:"decls,omitempty"`
	Command string          `yaml:"command" json:"command"`
	Runtime map[string]Expr `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Hints   map[string]Expr `yaml:"hints,omitempty" json:"hints,omitempty"`
	Outputs []*Decl         `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Pos     string          `yaml:"pos,omitempty" json:"pos,omitempty"`
}

// Input returns the named input declaration.
func (t *Task) Input(name string) (*Decl, bool) {
	return findDecl(t.Inputs, name)
}

// Workflow is a graph of calls, declarations, scatters and conditionals.
type Workflow struct {
	Name              string  `yaml:"name" json:"name"`
	AllowNestedInputs bool    `yaml:"allow_nested_inputs,omitempty" json:"allow_nested_inputs,omitempty"`
	Inputs            []*Decl `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Body              []*Node `yaml:"body,omitempty" json:"body,omitempty"`
	Outputs           []*Decl `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Pos               string  `yaml:"pos,omitempty" json:"pos,omitempty"`
}

// Input returns the named input declaration.
func (w *Workflow) Input(name string) (*Decl, bool) {
	return findDecl(w.Inputs, name)
}

// Node is one element of a workflow body. Exactly one field is set.
type Node struct {
	Decl    *Decl        `yaml:"decl,omitempty" json:"decl,omitempty"`
	Call    *Call        `yaml:"call,omitempty" json:"call,omitempty"`
	Scatter *Scatter     `yaml:"scatter,omitempty" json:"scatter,omitempty"`
	If      *Conditional `yaml:"if,omitempty" json:"if,omitempty"`

	id string
}

// Call invokes a task or a sub-workflow.
type Call struct {
	Callee string          `yaml:"callee" json:"callee"`
	As     string          `yaml:"as,omitempty" json:"as,omitempty"`
	Inputs map[string]Expr `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Abbrev []string        `yaml:"abbrev,omitempty" json:"abbrev,omitempty"`
	After  []string        `yaml:"after,omitempty" json:"after,omitempty"`
	Pos    string          `yaml:"pos,omitempty" json:"pos,omitempty"`

	// Set by Resolve; exactly one is non-nil.
	Task     *Task     `yaml:"-" json:"-"`
	Workflow *Workflow `yaml:"-" json:"-"`
}

// Alias returns the name the call's outputs are bound to.
func (c *Call) Alias() string {
	if c.As != "" {
		return c.As
	}
	return c.Callee
}

// CalleeInputs returns the input declarations of the resolved callee.
func (c *Call) CalleeInputs() []*Decl {
	if c.Task != nil {
		return c.Task.Inputs
	}
	if c.Workflow != nil {
		return c.Workflow.Inputs
	}
	return nil
}

// CalleeOutputs returns the output declarations of the resolved callee.
func (c *Call) CalleeOutputs() []*Decl {
	if c.Task != nil {
		return c.Task.Outputs
	}
	if c.Workflow != nil {
		return c.Workflow.Outputs
	}
	return nil
}

// Scatter evaluates its body once per element of an array.
type Scatter struct {
	Var  string  `yaml:"var" json:"var"`
	Expr Expr    `yaml:"expr" json:"expr"`
	Body []*Node `yaml:"body" json:"body"`
	Pos  string  `yaml:"pos,omitempty" json:"pos,omitempty"`
}

// Conditional is an if / else if / else chain. A branch without a guard is
// the final else.
type Conditional struct {
	Branches []*Branch `yaml:"branches" json:"branches"`
	Pos      string    `yaml:"pos,omitempty" json:"pos,omitempty"`
}

// Branch is one arm of a Conditional.
type Branch struct {
	Guard *Expr   `yaml:"guard,omitempty" json:"guard,omitempty"`
	Body  []*Node `yaml:"body" json:"body"`
}

// Document is a complete analyzed document.
type Document struct {
	Version   string       `yaml:"version" json:"version"`
	Structs   []*StructDef `yaml:"structs,omitempty" json:"structs,omitempty"`
	Tasks     []*Task      `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Workflow  *Workflow    `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Workflows []*Workflow  `yaml:"workflows,omitempty" json:"workflows,omitempty"`

	// Source is the path the document was read from, if any.
	Source string `yaml:"-" json:"-"`

	structTypes map[string]value.Type
	resolved    bool
}

// Decode reads a YAML or JSON document and resolves it.
func Decode(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if err := doc.Resolve(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DecodeFile reads and resolves the document at path.
func DecodeFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	doc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	doc.Source = path
	return doc, nil
}

// Task returns the named task.
func (d *Document) Task(name string) (*Task, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Lookup returns the named workflow, searching the main workflow first.
func (d *Document) Lookup(name string) (*Workflow, bool) {
	if d.Workflow != nil && d.Workflow.Name == name {
		return d.Workflow, true
	}
	for _, w := range d.Workflows {
		if w.Name == name {
			return w, true
		}
	}
	return nil, false
}

// StructType returns the named struct type.
func (d *Document) StructType(name string) (value.Type, bool) {
	t, ok := d.structTypes[name]
	return t, ok
}

// Entrypoint returns the workflow to run. A document without a workflow but
// with exactly one task is wrapped in a synthetic single-call workflow that
// forwards every task input and exposes every task output.
func (d *Document) Entrypoint() (*Workflow, error) {
	if d.Workflow != nil {
		return d.Workflow, nil
	}
	if len(d.Tasks) != 1 {
		return nil, fmt.Errorf("document has no workflow and %d tasks; cannot pick an entrypoint", len(d.Tasks))
	}
	return syntheticWorkflow(d.Tasks[0]), nil
}

func syntheticWorkflow(t *Task) *Workflow {
	call := &Call{Callee: t.Name, Task: t, Pos: t.Pos}
	wf := &Workflow{Name: t.Name, Pos: t.Pos}
	for _, in := range t.Inputs {
		cp := *in
		wf.Inputs = append(wf.Inputs, &cp)
		call.Abbrev = append(call.Abbrev, in.Name)
	}
	for _, out := range t.Outputs {
		e := NewExpr(t.Name + "." + out.Name)
		wf.Outputs = append(wf.Outputs, &Decl{Name: out.Name, TypeSrc: out.TypeSrc, Type: out.Type, Expr: &e})
	}
	wf.Body = []*Node{{Call: call, id: t.Name}}
	return wf
}

func findDecl(decls []*Decl, name string) (*Decl, bool) {
	for _, d := range decls {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Package rundir lays out the per-run directory on disk.
//
//	<root>/<timestamp>_<run_id>/
//	  .gowdl_ignore
//	  events.jsonl
//	  inputs.json, outputs.json
//	  call-<alias>[-<index>...]/
//	    inputs/                  staged remote inputs
//	    attempt-<n>/
//	      command, stdout.txt, stderr.txt, work/
//	    inputs.json, outputs.json
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// IgnoreMarker tells other tooling to skip the run directory.
	IgnoreMarker = ".gowdl_ignore"
	EventsFile   = "events.jsonl"
	InputsFile   = "inputs.json"
	OutputsFile  = "outputs.json"

	stagingDir = "inputs"
	workDir    = "work"
	timeLayout = "20060102_150405"
)

// Run is the directory of one run.
type Run struct {
	ID  string
	Dir string
}

// Create makes a new run directory under root.
func Create(root, runID string) (*Run, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve run root: %w", err)
	}
	dir := filepath.Join(abs, time.Now().Format(timeLayout)+"_"+runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, IgnoreMarker), nil, 0o644); err != nil {
		return nil, fmt.Errorf("write ignore marker: %w", err)
	}
	return &Run{ID: runID, Dir: dir}, nil
}

// EventsPath returns the path of the run's event log.
func (r *Run) EventsPath() string {
	return filepath.Join(r.Dir, EventsFile)
}

// Root returns the top-level scope.
func (r *Run) Root() *Scope {
	return &Scope{dir: r.Dir}
}

// Scope is the directory of one evaluated unit: the run itself, a call, or a
// call inside a scatter element or sub-workflow.
type Scope struct {
	dir string
}

// NewScope wraps an existing directory.
func NewScope(dir string) *Scope {
	return &Scope{dir: dir}
}

func (s *Scope) Dir() string {
	return s.dir
}

// Call returns the scope of call alias, qualified by the scatter indexes
// enclosing it. The directory is created on first use.
func (s *Scope) Call(alias string, indexes ...int) *Scope {
	parts := []string{"call-" + alias}
	for _, i := range indexes {
		parts = append(parts, strconv.Itoa(i))
	}
	return &Scope{dir: filepath.Join(s.dir, strings.Join(parts, "-"))}
}

// StagingDir returns the directory remote inputs of this scope are staged
// into, creating it.
func (s *Scope) StagingDir() (string, error) {
	dir := filepath.Join(s.dir, stagingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	return dir, nil
}

// Attempt is the directory of one task attempt.
type Attempt struct {
	N       int
	Dir     string
	WorkDir string
	Command string
	Stdout  string
	Stderr  string
}

// Attempt creates the directory of attempt n (1-based). A leftover directory
// from an earlier process is replaced.
func (s *Scope) Attempt(n int) (*Attempt, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("attempt-%d", n))
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear attempt directory: %w", err)
	}
	a := &Attempt{
		N:       n,
		Dir:     dir,
		WorkDir: filepath.Join(dir, workDir),
		Command: filepath.Join(dir, "command"),
		Stdout:  filepath.Join(dir, "stdout.txt"),
		Stderr:  filepath.Join(dir, "stderr.txt"),
	}
	if err := os.MkdirAll(a.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attempt directory: %w", err)
	}
	return a, nil
}

// WriteJSON writes v as indented JSON to dir/name, replacing the file
// atomically.
func WriteJSON(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ReadJSON decodes dir/name into v.
func ReadJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

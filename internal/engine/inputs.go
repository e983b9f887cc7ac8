package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// LoadInputs loads and parses a YAML or JSON inputs file. An empty path
// yields no inputs.
func LoadInputs(path string) (map[string]any, error) {
	if path == "" {
		return make(map[string]any), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs file: %w", err)
	}

	var inputs map[string]any
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse inputs file: %w", err)
	}
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return inputs, nil
}

// ResolvePaths returns a copy of inputs in which every relative local File
// and Directory path of a declared workflow input is made absolute against
// base, or against the working directory when base is empty. Values that do
// not import against their declared type are left for input validation to
// report, and dotted call overrides are passed through unchanged.
func ResolvePaths(wf *wdl.Workflow, inputs map[string]any, base string) (map[string]any, error) {
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve input paths: %w", err)
		}
		base = wd
	}
	out := make(map[string]any, len(inputs))
	for key, raw := range inputs {
		out[key] = raw
		if strings.Contains(key, ".") {
			continue
		}
		d, ok := wf.Input(key)
		if !ok || !containsPaths(d.Type) {
			continue
		}
		v, err := value.Import(raw, d.Type)
		if err != nil {
			continue
		}
		v, err = value.MapPaths(v, func(_ value.Kind, p string) (string, error) {
			if scheme, _ := value.ParseLocation(p); scheme != "" || filepath.IsAbs(p) {
				return p, nil
			}
			return filepath.Join(base, p), nil
		})
		if err != nil {
			return nil, err
		}
		out[key] = value.Export(v)
	}
	return out, nil
}

func containsPaths(t value.Type) bool {
	if t.IsPath() {
		return true
	}
	switch t.Kind {
	case value.KindArray:
		return containsPaths(*t.Item)
	case value.KindMap:
		return containsPaths(*t.Key) || containsPaths(*t.Elem)
	case value.KindPair:
		return containsPaths(*t.Left) || containsPaths(*t.Right)
	case value.KindStruct:
		for _, m := range t.Members {
			if containsPaths(m.Type) {
				return true
			}
		}
	}
	return false
}

package wdl

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Expr is an expression as produced by Analysis: its source text and the
// names it references in the enclosing scope.
type Expr struct {
	Src  string   `yaml:"src" json:"src"`
	Refs []string `yaml:"refs,omitempty" json:"refs,omitempty"`
}

// NewExpr returns an Expr with references derived from src.
func NewExpr(src string) Expr {
	return Expr{Src: src, Refs: DeriveRefs(src)}
}

// UnmarshalYAML accepts either a bare scalar ("x + 1") or a mapping with
// explicit src and refs.
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Src = node.Value
		e.Refs = nil
		return nil
	case yaml.MappingNode:
		var raw struct {
			Src  string   `yaml:"src"`
			Refs []string `yaml:"refs"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		e.Src, e.Refs = raw.Src, raw.Refs
		return nil
	}
	return fmt.Errorf("line %d: expression must be a string or {src, refs}", node.Line)
}

var jsKeywords = map[string]bool{
	"break": true, "case": true, "catch": true, "const": true, "continue": true,
	"default": true, "delete": true, "do": true, "else": true, "false": true,
	"finally": true, "for": true, "function": true, "if": true, "in": true,
	"instanceof": true, "let": true, "new": true, "null": true, "of": true,
	"return": true, "switch": true, "this": true, "throw": true, "true": true,
	"try": true, "typeof": true, "undefined": true, "var": true, "void": true,
	"while": true, "Math": true, "JSON": true, "String": true, "Number": true,
	"Array": true, "Object": true, "parseInt": true, "parseFloat": true,
}

// DeriveRefs scans src for identifiers that may name bindings in scope.
// String literals, property names after '.', object keys, function names
// and JavaScript keywords are skipped. The result is sorted and de-duplicated.
func DeriveRefs(src string) []string {
	seen := make(map[string]bool)
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			i = skipString(src, i)
		case c == '`':
			i = skipTemplate(src, i, seen)
		case c >= '0' && c <= '9':
			for i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
				i++
			}
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			name := src[start:i]
			if prevNonSpace(src, start) == '.' || jsKeywords[name] || objectKey(src, start, i) || nextNonSpace(src, i) == '(' {
				continue
			}
			seen[name] = true
		default:
			i++
		}
	}
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs
}

// TemplateRefs returns the references of every ~{} and ${} placeholder in a
// command template.
func TemplateRefs(tmpl string) []string {
	seen := make(map[string]bool)
	for _, p := range Placeholders(tmpl) {
		for _, r := range DeriveRefs(p) {
			seen[r] = true
		}
	}
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs
}

// Placeholders returns the expression sources of the ~{} and ${} placeholders
// of tmpl, in order.
func Placeholders(tmpl string) []string {
	var out []string
	for i := 0; i+1 < len(tmpl); i++ {
		if (tmpl[i] == '~' || tmpl[i] == '$') && tmpl[i+1] == '{' {
			end := MatchBrace(tmpl, i+1)
			if end < 0 {
				return out
			}
			out = append(out, tmpl[i+2:end])
			i = end
		}
	}
	return out
}

// MatchBrace returns the index of the '}' closing the '{' at open, honoring
// nesting and string literals, or -1.
func MatchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		case '\'', '"':
			i = skipString(s, i) - 1
		}
	}
	return -1
}

func skipString(s string, i int) int {
	q := s[i]
	i++
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
			continue
		case q:
			return i + 1
		}
		i++
	}
	return i
}

func skipTemplate(s string, i int, seen map[string]bool) int {
	i++
	for i < len(s) {
		switch {
		case s[i] == '\\':
			i += 2
			continue
		case s[i] == '`':
			return i + 1
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			end := MatchBrace(s, i+1)
			if end < 0 {
				return len(s)
			}
			for _, r := range DeriveRefs(s[i+2 : end]) {
				seen[r] = true
			}
			i = end + 1
			continue
		}
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func prevNonSpace(s string, i int) byte {
	for i--; i >= 0; i-- {
		if s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
			return s[i]
		}
	}
	return 0
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
			return s[i]
		}
	}
	return 0
}

// objectKey reports whether the identifier s[start:end] is a key of an
// object literal.
func objectKey(s string, start, end int) bool {
	if nextNonSpace(s, end) != ':' {
		return false
	}
	p := prevNonSpace(s, start)
	return p == '{' || p == ','
}

package value

import "strings"

// Supported URI schemes for File and Directory locations.
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeS3    = "s3"
)

// ParseLocation extracts the scheme from a location URI.
// Returns ("s3", "bucket/key") for "s3://bucket/key" and ("file", "/data/x")
// for "file:///data/x". Bare paths return ("", raw).
func ParseLocation(location string) (scheme, path string) {
	if i := strings.Index(location, "://"); i > 0 {
		scheme = strings.ToLower(location[:i])
		path = location[i+3:]
		if scheme == SchemeFile {
			path = "/" + strings.TrimLeft(path, "/")
		}
		return scheme, path
	}
	return "", location
}

// IsRemote reports whether location must be downloaded before use.
func IsRemote(location string) bool {
	scheme, _ := ParseLocation(location)
	return scheme != "" && scheme != SchemeFile
}

// Walk calls fn for every File and Directory reachable from v, in value order.
// Absent values are skipped.
func Walk(v Value, fn func(kind Kind, path string) error) error {
	switch x := v.(type) {
	case File:
		return fn(KindFile, string(x))
	case Directory:
		return fn(KindDirectory, string(x))
	case *Array:
		for _, e := range x.elems {
			if err := Walk(e, fn); err != nil {
				return err
			}
		}
	case *Map:
		for _, e := range x.entries {
			if err := Walk(e.Key, fn); err != nil {
				return err
			}
			if err := Walk(e.Value, fn); err != nil {
				return err
			}
		}
	case *Pair:
		if err := Walk(x.Left, fn); err != nil {
			return err
		}
		return Walk(x.Right, fn)
	case *Struct:
		for _, f := range x.fields {
			if err := Walk(f.Value, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// MapPaths returns a copy of v with every File and Directory path replaced by
// fn's result. Values without paths are returned as is.
func MapPaths(v Value, fn func(kind Kind, path string) (string, error)) (Value, error) {
	switch x := v.(type) {
	case File:
		p, err := fn(KindFile, string(x))
		return File(p), err
	case Directory:
		p, err := fn(KindDirectory, string(x))
		return Directory(p), err
	case *Array:
		elems := make([]Value, len(x.elems))
		for i, e := range x.elems {
			m, err := MapPaths(e, fn)
			if err != nil {
				return nil, err
			}
			elems[i] = m
		}
		return NewArray(x.item, elems), nil
	case *Map:
		entries := make([]MapEntry, len(x.entries))
		for i, e := range x.entries {
			k, err := MapPaths(e.Key, fn)
			if err != nil {
				return nil, err
			}
			val, err := MapPaths(e.Value, fn)
			if err != nil {
				return nil, err
			}
			entries[i] = MapEntry{Key: k, Value: val}
		}
		return NewMap(x.key, x.elem, entries), nil
	case *Pair:
		l, err := MapPaths(x.Left, fn)
		if err != nil {
			return nil, err
		}
		r, err := MapPaths(x.Right, fn)
		if err != nil {
			return nil, err
		}
		return NewPair(x.left, x.right, l, r), nil
	case *Struct:
		fields := make([]Field, len(x.fields))
		for i, f := range x.fields {
			m, err := MapPaths(f.Value, fn)
			if err != nil {
				return nil, err
			}
			fields[i] = Field{Name: f.Name, Value: m}
		}
		return NewStruct(x.typ, fields), nil
	}
	return v, nil
}

// Paths returns every File and Directory path in v.
func Paths(v Value) []string {
	var out []string
	_ = Walk(v, func(_ Kind, p string) error {
		out = append(out, p)
		return nil
	})
	return out
}

// Equal reports deep equality of two values, including their types for
// absent values.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Null:
		y, ok := b.(Null)
		return ok && x.T.Equal(y.T)
	case *Array:
		y, ok := b.(*Array)
		if !ok || len(x.elems) != len(y.elems) {
			return false
		}
		for i := range x.elems {
			if !Equal(x.elems[i], y.elems[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		if !ok || len(x.entries) != len(y.entries) {
			return false
		}
		for i := range x.entries {
			if !Equal(x.entries[i].Key, y.entries[i].Key) || !Equal(x.entries[i].Value, y.entries[i].Value) {
				return false
			}
		}
		return true
	case *Pair:
		y, ok := b.(*Pair)
		return ok && Equal(x.Left, y.Left) && Equal(x.Right, y.Right)
	case *Struct:
		y, ok := b.(*Struct)
		if !ok || len(x.fields) != len(y.fields) {
			return false
		}
		for i := range x.fields {
			if x.fields[i].Name != y.fields[i].Name || !Equal(x.fields[i].Value, y.fields[i].Value) {
				return false
			}
		}
		return true
	}
	return a == b
}

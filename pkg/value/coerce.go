package value

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Coerce converts v to type t, applying the implicit conversions allowed by
// the language: Int to Float, String to File or Directory, File or Directory
// to String, T to T?, and object literals to structs or maps.
func Coerce(v Value, t Type) (Value, error) {
	if v == nil {
		v = Null{T: OptionalOf(AnyType)}
	}
	if t.Kind == KindAny {
		if n, ok := v.(Null); ok && t.Optional {
			return n, nil
		}
		return v, nil
	}
	if _, ok := v.(Null); ok {
		if !t.Optional {
			return nil, fmt.Errorf("missing value for non-optional type %s", t)
		}
		return Null{T: t}, nil
	}

	want := t.Required()
	switch want.Kind {
	case KindBoolean:
		if b, ok := v.(Boolean); ok {
			return b, nil
		}
	case KindInt:
		if i, ok := v.(Int); ok {
			return i, nil
		}
	case KindFloat:
		switch n := v.(type) {
		case Float:
			return n, nil
		case Int:
			return Float(n), nil
		}
	case KindString:
		switch s := v.(type) {
		case String:
			return s, nil
		case File:
			return String(s), nil
		case Directory:
			return String(s), nil
		}
	case KindFile:
		switch s := v.(type) {
		case File:
			return s, nil
		case String:
			return File(s), nil
		}
	case KindDirectory:
		switch s := v.(type) {
		case Directory:
			return s, nil
		case String:
			return Directory(s), nil
		}
	case KindArray:
		a, ok := v.(*Array)
		if !ok {
			break
		}
		if want.NonEmpty && a.Len() == 0 {
			return nil, fmt.Errorf("empty array for non-empty type %s", want)
		}
		if a.item.Equal(*want.Item) {
			return a, nil
		}
		elems := make([]Value, a.Len())
		for i, e := range a.elems {
			c, err := Coerce(e, *want.Item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = c
		}
		return NewArray(*want.Item, elems), nil
	case KindMap:
		switch m := v.(type) {
		case *Map:
			entries := make([]MapEntry, len(m.entries))
			for i, e := range m.entries {
				k, err := Coerce(e.Key, *want.Key)
				if err != nil {
					return nil, fmt.Errorf("map key: %w", err)
				}
				val, err := Coerce(e.Value, *want.Elem)
				if err != nil {
					return nil, fmt.Errorf("map value %s: %w", e.Key, err)
				}
				entries[i] = MapEntry{Key: k, Value: val}
			}
			return NewMap(*want.Key, *want.Elem, entries), nil
		case *Struct:
			entries := make([]MapEntry, 0, len(m.fields))
			for _, f := range m.fields {
				k, err := Coerce(String(f.Name), *want.Key)
				if err != nil {
					return nil, fmt.Errorf("map key: %w", err)
				}
				val, err := Coerce(f.Value, *want.Elem)
				if err != nil {
					return nil, fmt.Errorf("map value %s: %w", f.Name, err)
				}
				entries = append(entries, MapEntry{Key: k, Value: val})
			}
			return NewMap(*want.Key, *want.Elem, entries), nil
		}
	case KindPair:
		switch p := v.(type) {
		case *Pair:
			l, err := Coerce(p.Left, *want.Left)
			if err != nil {
				return nil, fmt.Errorf("pair left: %w", err)
			}
			r, err := Coerce(p.Right, *want.Right)
			if err != nil {
				return nil, fmt.Errorf("pair right: %w", err)
			}
			return NewPair(*want.Left, *want.Right, l, r), nil
		case *Struct:
			l, lok := p.Get("left")
			r, rok := p.Get("right")
			if lok && rok {
				return Coerce(NewPair(AnyType, AnyType, l, r), want)
			}
		}
	case KindStruct:
		switch s := v.(type) {
		case *Struct:
			if len(want.Members) == 0 {
				return s, nil
			}
			return coerceStruct(want, s.Get, func() []string {
				names := make([]string, len(s.fields))
				for i, f := range s.fields {
					names[i] = f.Name
				}
				return names
			})
		case *Map:
			return coerceStruct(want, s.Get, func() []string {
				names := make([]string, len(s.entries))
				for i, e := range s.entries {
					names[i] = e.Key.String()
				}
				return names
			})
		}
	}
	return nil, fmt.Errorf("cannot coerce %s to %s", v.Type(), t)
}

func coerceStruct(want Type, get func(string) (Value, bool), names func() []string) (Value, error) {
	for _, n := range names() {
		if _, ok := want.Member(n); !ok {
			return nil, fmt.Errorf("%s has no member %q", want.Name, n)
		}
	}
	fields := make([]Field, len(want.Members))
	for i, m := range want.Members {
		raw, ok := get(m.Name)
		if !ok {
			raw = Null{T: OptionalOf(m.Type)}
		}
		c, err := Coerce(raw, m.Type)
		if err != nil {
			return nil, fmt.Errorf("member %s.%s: %w", want.Name, m.Name, err)
		}
		fields[i] = Field{Name: m.Name, Value: c}
	}
	return NewStruct(want.Required(), fields), nil
}

// Export converts v to plain Go data (bool, int64, float64, string, []any,
// map[string]any, nil) suitable for JSON encoding and for the JavaScript VM.
func Export(v Value) any {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case Boolean:
		return bool(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case String:
		return string(x)
	case File:
		return string(x)
	case Directory:
		return string(x)
	case *Array:
		out := make([]any, len(x.elems))
		for i, e := range x.elems {
			out[i] = Export(e)
		}
		return out
	case *Map:
		out := make(map[string]any, len(x.entries))
		for _, e := range x.entries {
			out[e.Key.String()] = Export(e.Value)
		}
		return out
	case *Pair:
		return map[string]any{"left": Export(x.Left), "right": Export(x.Right)}
	case *Struct:
		out := make(map[string]any, len(x.fields))
		for _, f := range x.fields {
			out[f.Name] = Export(f.Value)
		}
		return out
	}
	return nil
}

// Import converts plain Go data (as produced by encoding/json, yaml.v3 or the
// JavaScript VM) into a Value of type t.
func Import(x any, t Type) (Value, error) {
	if x == nil {
		if t.Optional || t.Kind == KindAny {
			return Null{T: OptionalOf(t)}, nil
		}
		return nil, fmt.Errorf("missing value for non-optional type %s", t)
	}
	if v, ok := x.(Value); ok {
		return Coerce(v, t)
	}

	want := t.Required()
	switch want.Kind {
	case KindAny:
		return infer(x)
	case KindBoolean:
		if b, ok := x.(bool); ok {
			return Boolean(b), nil
		}
	case KindInt:
		if i, ok := toInt(x); ok {
			return Int(i), nil
		}
	case KindFloat:
		if f, ok := toFloat(x); ok {
			return Float(f), nil
		}
	case KindString:
		if s, ok := x.(string); ok {
			return String(s), nil
		}
	case KindFile:
		if s, ok := x.(string); ok {
			return File(s), nil
		}
	case KindDirectory:
		if s, ok := x.(string); ok {
			return Directory(s), nil
		}
	case KindArray:
		items, ok := toSlice(x)
		if !ok {
			break
		}
		if want.NonEmpty && len(items) == 0 {
			return nil, fmt.Errorf("empty array for non-empty type %s", want)
		}
		elems := make([]Value, len(items))
		for i, it := range items {
			e, err := Import(it, *want.Item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = e
		}
		return NewArray(*want.Item, elems), nil
	case KindMap:
		m, ok := toObject(x)
		if !ok {
			break
		}
		entries := make([]MapEntry, 0, len(m))
		for _, k := range sortedKeys(m) {
			kv, err := Import(k, *want.Key)
			if err != nil {
				if want.Key.Kind == KindInt {
					var n json.Number = json.Number(k)
					if i, ierr := n.Int64(); ierr == nil {
						kv, err = Int(i), nil
					}
				}
				if err != nil {
					return nil, fmt.Errorf("map key %q: %w", k, err)
				}
			}
			ev, err := Import(m[k], *want.Elem)
			if err != nil {
				return nil, fmt.Errorf("map value %q: %w", k, err)
			}
			entries = append(entries, MapEntry{Key: kv, Value: ev})
		}
		return NewMap(*want.Key, *want.Elem, entries), nil
	case KindPair:
		m, ok := toObject(x)
		if !ok {
			break
		}
		l, err := Import(m["left"], *want.Left)
		if err != nil {
			return nil, fmt.Errorf("pair left: %w", err)
		}
		r, err := Import(m["right"], *want.Right)
		if err != nil {
			return nil, fmt.Errorf("pair right: %w", err)
		}
		return NewPair(*want.Left, *want.Right, l, r), nil
	case KindStruct:
		m, ok := toObject(x)
		if !ok {
			break
		}
		if len(want.Members) == 0 {
			return infer(m)
		}
		for k := range m {
			if _, ok := want.Member(k); !ok {
				return nil, fmt.Errorf("%s has no member %q", want.Name, k)
			}
		}
		fields := make([]Field, len(want.Members))
		for i, mem := range want.Members {
			fv, err := Import(m[mem.Name], mem.Type)
			if err != nil {
				return nil, fmt.Errorf("member %s.%s: %w", want.Name, mem.Name, err)
			}
			fields[i] = Field{Name: mem.Name, Value: fv}
		}
		return NewStruct(want, fields), nil
	}
	return nil, fmt.Errorf("cannot convert %T to %s", x, t)
}

func infer(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null{T: OptionalOf(AnyType)}, nil
	case bool:
		return Boolean(v), nil
	case string:
		return String(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return Int(int64(v)), nil
		}
		return Float(v), nil
	case float32:
		return Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	}
	if i, ok := toInt(x); ok {
		return Int(i), nil
	}
	if items, ok := toSlice(x); ok {
		elems := make([]Value, len(items))
		for i, it := range items {
			e, err := infer(it)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return NewArray(AnyType, elems), nil
	}
	if m, ok := toObject(x); ok {
		keys := sortedKeys(m)
		fields := make([]Field, len(keys))
		members := make([]Member, len(keys))
		for i, k := range keys {
			e, err := infer(m[k])
			if err != nil {
				return nil, err
			}
			fields[i] = Field{Name: k, Value: e}
			members[i] = Member{Name: k, Type: e.Type()}
		}
		return NewStruct(StructOf("", members...), fields), nil
	}
	return nil, fmt.Errorf("unsupported value %T", x)
}

func toInt(x any) (int64, bool) {
	switch n := x.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(x); ok {
		return float64(i), true
	}
	return 0, false
}

func toSlice(x any) ([]any, bool) {
	switch s := x.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, true
	}
	return nil, false
}

func toObject(x any) (map[string]any, bool) {
	switch m := x.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

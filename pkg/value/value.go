package value

import (
	"strconv"
	"strings"
)

// Value is an immutable runtime value. Values are shared by reference across
// concurrent readers and must never be modified after construction.
type Value interface {
	// Type returns the value's static type.
	Type() Type

	// String renders the value as it appears in command placeholders.
	String() string

	isValue()
}

// Boolean is a Boolean value.
type Boolean bool

func (Boolean) Type() Type { return BooleanType }
func (b Boolean) String() string {
	return strconv.FormatBool(bool(b))
}
func (Boolean) isValue() {}

// Int is an Int value.
type Int int64

func (Int) Type() Type { return IntType }
func (i Int) String() string {
	return strconv.FormatInt(int64(i), 10)
}
func (Int) isValue() {}

// Float is a Float value.
type Float float64

func (Float) Type() Type { return FloatType }
func (f Float) String() string {
	return strconv.FormatFloat(float64(f), 'f', 6, 64)
}
func (Float) isValue() {}

// String is a String value.
type String string

func (String) Type() Type       { return StringType }
func (s String) String() string { return string(s) }
func (String) isValue()         {}

// File references a file by path or URI.
type File string

func (File) Type() Type       { return FileType }
func (f File) String() string { return string(f) }
func (File) isValue()         {}

// Directory references a directory by path or URI.
type Directory string

func (Directory) Type() Type       { return DirectoryType }
func (d Directory) String() string { return string(d) }
func (Directory) isValue()         {}

// Null is the absent value of an Optional type. It carries the static type it
// was produced for, so absent outputs stay correctly typed.
type Null struct {
	T Type
}

// NullOf returns the absent value of t?.
func NullOf(t Type) Null {
	return Null{T: OptionalOf(t)}
}

func (n Null) Type() Type   { return n.T }
func (Null) String() string { return "" }
func (Null) isValue()       {}

// Array is an ordered sequence of values of one item type.
type Array struct {
	item  Type
	elems []Value
}

// NewArray builds an Array; elems is retained and must not be modified afterwards.
func NewArray(item Type, elems []Value) *Array {
	return &Array{item: item, elems: elems}
}

func (a *Array) Type() Type { return ArrayOf(a.item) }

// ItemType returns the declared item type.
func (a *Array) ItemType() Type { return a.item }

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.elems) }

// Index returns element i.
func (a *Array) Index(i int) Value { return a.elems[i] }

// Elems returns the backing slice. Callers must treat it as read-only.
func (a *Array) Elems() []Value { return a.elems }

func (a *Array) String() string {
	parts := make([]string, len(a.elems))
	for i, e := range a.elems {
		parts[i] = e.String()
	}
	return strings.Join(parts, " ")
}
func (*Array) isValue() {}

// MapEntry is one key/value association of a Map.
type MapEntry struct {
	Key   Value
	Value Value
}

// Map is an insertion-ordered association list.
type Map struct {
	key, elem Type
	entries   []MapEntry
}

// NewMap builds a Map; entries is retained and must not be modified afterwards.
func NewMap(key, elem Type, entries []MapEntry) *Map {
	return &Map{key: key, elem: elem, entries: entries}
}

func (m *Map) Type() Type { return MapOf(m.key, m.elem) }

// Entries returns the backing slice. Callers must treat it as read-only.
func (m *Map) Entries() []MapEntry { return m.entries }

// Get looks up key by its rendered string.
func (m *Map) Get(key string) (Value, bool) {
	for _, e := range m.entries {
		if e.Key.String() == key {
			return e.Value, true
		}
	}
	return nil, false
}

func (m *Map) String() string {
	parts := make([]string, len(m.entries))
	for i, e := range m.entries {
		parts[i] = e.Key.String() + "=" + e.Value.String()
	}
	return strings.Join(parts, " ")
}
func (*Map) isValue() {}

// Pair holds two values.
type Pair struct {
	left, right Type
	Left, Right Value
}

// NewPair builds a Pair with explicit member types.
func NewPair(lt, rt Type, left, right Value) *Pair {
	return &Pair{left: lt, right: rt, Left: left, Right: right}
}

func (p *Pair) Type() Type { return PairOf(p.left, p.right) }
func (p *Pair) String() string {
	return "(" + p.Left.String() + ", " + p.Right.String() + ")"
}
func (*Pair) isValue() {}

// Field is a named member value of a Struct.
type Field struct {
	Name  string
	Value Value
}

// Struct is a record value. Fields follow the member order of its type.
type Struct struct {
	typ    Type
	fields []Field
}

// NewStruct builds a Struct; fields is retained and must not be modified afterwards.
func NewStruct(t Type, fields []Field) *Struct {
	return &Struct{typ: t, fields: fields}
}

func (s *Struct) Type() Type { return s.typ }

// Fields returns the backing slice. Callers must treat it as read-only.
func (s *Struct) Fields() []Field { return s.fields }

// Get returns the named member.
func (s *Struct) Get(name string) (Value, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (s *Struct) String() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name + "=" + f.Value.String()
	}
	return s.typ.Name + "{" + strings.Join(parts, ", ") + "}"
}
func (*Struct) isValue() {}

// IsNull reports whether v is absent.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

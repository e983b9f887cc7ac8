// Package value implements the runtime value model shared by the workflow
// and task evaluators: statically typed, immutable values produced by
// upstream analysis and by task outputs.
package value

import (
	"fmt"
	"strings"
)

// Kind identifies the shape of a Type.
type Kind int

const (
	KindAny Kind = iota
	KindBoolean
	KindInt
	KindFloat
	KindString
	KindFile
	KindDirectory
	KindArray
	KindMap
	KindPair
	KindStruct
)

var kindNames = map[Kind]string{
	KindAny:       "Any",
	KindBoolean:   "Boolean",
	KindInt:       "Int",
	KindFloat:     "Float",
	KindString:    "String",
	KindFile:      "File",
	KindDirectory: "Directory",
	KindArray:     "Array",
	KindMap:       "Map",
	KindPair:      "Pair",
	KindStruct:    "Struct",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type is a static type. Compound types reference their parameters by pointer;
// a Type is never mutated after construction.
type Type struct {
	Kind     Kind
	Optional bool
	NonEmpty bool // Array[T]+

	Item  *Type // Array
	Key   *Type // Map
	Elem  *Type // Map
	Left  *Type // Pair
	Right *Type // Pair

	Name    string   // Struct
	Members []Member // Struct, declaration order
}

// Member is a named struct member.
type Member struct {
	Name string
	Type Type
}

// Primitive types.
var (
	AnyType       = Type{Kind: KindAny}
	BooleanType   = Type{Kind: KindBoolean}
	IntType       = Type{Kind: KindInt}
	FloatType     = Type{Kind: KindFloat}
	StringType    = Type{Kind: KindString}
	FileType      = Type{Kind: KindFile}
	DirectoryType = Type{Kind: KindDirectory}
)

// ArrayOf returns Array[item].
func ArrayOf(item Type) Type {
	return Type{Kind: KindArray, Item: &item}
}

// MapOf returns Map[key,elem].
func MapOf(key, elem Type) Type {
	return Type{Kind: KindMap, Key: &key, Elem: &elem}
}

// PairOf returns Pair[left,right].
func PairOf(left, right Type) Type {
	return Type{Kind: KindPair, Left: &left, Right: &right}
}

// StructOf returns a struct type with the given members.
func StructOf(name string, members ...Member) Type {
	return Type{Kind: KindStruct, Name: name, Members: members}
}

// OptionalOf returns t?.
func OptionalOf(t Type) Type {
	t.Optional = true
	return t
}

// Required returns t without the optional quantifier.
func (t Type) Required() Type {
	t.Optional = false
	return t
}

// Member returns the type of the named struct member.
func (t Type) Member(name string) (Type, bool) {
	for _, m := range t.Members {
		if m.Name == name {
			return m.Type, true
		}
	}
	return Type{}, false
}

// IsPath reports whether values of t are File or Directory references.
func (t Type) IsPath() bool {
	return t.Kind == KindFile || t.Kind == KindDirectory
}

func (t Type) String() string {
	var b strings.Builder
	switch t.Kind {
	case KindArray:
		b.WriteString("Array[")
		b.WriteString(t.Item.String())
		b.WriteString("]")
		if t.NonEmpty {
			b.WriteString("+")
		}
	case KindMap:
		fmt.Fprintf(&b, "Map[%s,%s]", t.Key, t.Elem)
	case KindPair:
		fmt.Fprintf(&b, "Pair[%s,%s]", t.Left, t.Right)
	case KindStruct:
		if t.Name != "" {
			b.WriteString(t.Name)
		} else {
			b.WriteString("Object")
		}
	default:
		b.WriteString(t.Kind.String())
	}
	if t.Optional {
		b.WriteString("?")
	}
	return b.String()
}

// Equal reports whether two types are structurally identical.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Optional != o.Optional || t.NonEmpty != o.NonEmpty {
		return false
	}
	switch t.Kind {
	case KindArray:
		return t.Item.Equal(*o.Item)
	case KindMap:
		return t.Key.Equal(*o.Key) && t.Elem.Equal(*o.Elem)
	case KindPair:
		return t.Left.Equal(*o.Left) && t.Right.Equal(*o.Right)
	case KindStruct:
		if t.Name != o.Name || len(t.Members) != len(o.Members) {
			return false
		}
		for i := range t.Members {
			if t.Members[i].Name != o.Members[i].Name || !t.Members[i].Type.Equal(o.Members[i].Type) {
				return false
			}
		}
	}
	return true
}

// ParseType parses a type string such as "Array[Pair[String,File?]]+?".
// Struct names are looked up in structs; an unknown name is an error.
func ParseType(src string, structs map[string]Type) (Type, error) {
	p := &typeParser{src: src, structs: structs}
	t, err := p.parse()
	if err != nil {
		return Type{}, fmt.Errorf("parse type %q: %w", src, err)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Type{}, fmt.Errorf("parse type %q: unexpected %q", src, p.src[p.pos:])
	}
	return t, nil
}

type typeParser struct {
	src     string
	pos     int
	structs map[string]Type
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *typeParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *typeParser) accept(c byte) bool {
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *typeParser) parse() (Type, error) {
	name := p.ident()
	if name == "" {
		return Type{}, fmt.Errorf("expected type name at offset %d", p.pos)
	}

	var t Type
	switch name {
	case "Boolean":
		t = BooleanType
	case "Int":
		t = IntType
	case "Float":
		t = FloatType
	case "String":
		t = StringType
	case "File":
		t = FileType
	case "Directory":
		t = DirectoryType
	case "Any", "Object":
		t = AnyType
	case "Array":
		if err := p.expect('['); err != nil {
			return Type{}, err
		}
		item, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(']'); err != nil {
			return Type{}, err
		}
		t = ArrayOf(item)
		if p.accept('+') {
			t.NonEmpty = true
		}
	case "Map", "Pair":
		if err := p.expect('['); err != nil {
			return Type{}, err
		}
		a, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(','); err != nil {
			return Type{}, err
		}
		b, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(']'); err != nil {
			return Type{}, err
		}
		if name == "Map" {
			t = MapOf(a, b)
		} else {
			t = PairOf(a, b)
		}
	default:
		st, ok := p.structs[name]
		if !ok {
			return Type{}, fmt.Errorf("unknown type %q", name)
		}
		t = st
	}

	if p.accept('?') {
		t.Optional = true
	}
	return t, nil
}

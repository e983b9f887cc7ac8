package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	sample := StructOf("Sample", Member{Name: "id", Type: StringType}, Member{Name: "reads", Type: FileType})
	structs := map[string]Type{"Sample": sample}

	tests := []struct {
		src  string
		want string
	}{
		{"Int", "Int"},
		{"String?", "String?"},
		{"Array[File]+", "Array[File]+"},
		{"Array[Pair[String, File?]]+?", "Array[Pair[String,File?]]+?"},
		{"Map[String,Array[Int]]", "Map[String,Array[Int]]"},
		{"Sample?", "Sample?"},
		{"Object", "Any"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := ParseType(tt.src, structs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseTypeErrors(t *testing.T) {
	for _, src := range []string{"", "Array[", "Map[Int]", "Unknown", "Int]"} {
		t.Run(src, func(t *testing.T) {
			_, err := ParseType(src, nil)
			assert.Error(t, err)
		})
	}
}

func TestCoerce(t *testing.T) {
	t.Run("int to float", func(t *testing.T) {
		v, err := Coerce(Int(3), FloatType)
		require.NoError(t, err)
		assert.Equal(t, Float(3), v)
	})

	t.Run("string to file", func(t *testing.T) {
		v, err := Coerce(String("/data/a.bam"), FileType)
		require.NoError(t, err)
		assert.Equal(t, File("/data/a.bam"), v)
	})

	t.Run("value to optional", func(t *testing.T) {
		v, err := Coerce(Int(1), OptionalOf(IntType))
		require.NoError(t, err)
		assert.Equal(t, Int(1), v)
	})

	t.Run("null to required fails", func(t *testing.T) {
		_, err := Coerce(NullOf(IntType), IntType)
		assert.Error(t, err)
	})

	t.Run("null keeps target type", func(t *testing.T) {
		v, err := Coerce(NullOf(AnyType), OptionalOf(FileType))
		require.NoError(t, err)
		assert.True(t, v.Type().Equal(OptionalOf(FileType)))
	})

	t.Run("array items", func(t *testing.T) {
		a := NewArray(IntType, []Value{Int(1), Int(2)})
		v, err := Coerce(a, ArrayOf(FloatType))
		require.NoError(t, err)
		assert.Equal(t, "Array[Float]", v.Type().String())
		assert.Equal(t, Float(2), v.(*Array).Index(1))
	})

	t.Run("non-empty array", func(t *testing.T) {
		nonEmpty := ArrayOf(IntType)
		nonEmpty.NonEmpty = true
		_, err := Coerce(NewArray(IntType, nil), nonEmpty)
		assert.Error(t, err)
	})

	t.Run("object to struct", func(t *testing.T) {
		st := StructOf("Sample", Member{Name: "id", Type: StringType}, Member{Name: "n", Type: OptionalOf(IntType)})
		obj, err := Import(map[string]any{"id": "s1"}, AnyType)
		require.NoError(t, err)
		v, err := Coerce(obj, st)
		require.NoError(t, err)
		id, ok := v.(*Struct).Get("id")
		require.True(t, ok)
		assert.Equal(t, String("s1"), id)
		n, _ := v.(*Struct).Get("n")
		assert.True(t, IsNull(n))
	})

	t.Run("mismatch", func(t *testing.T) {
		_, err := Coerce(String("x"), IntType)
		assert.Error(t, err)
	})
}

func TestImportExport(t *testing.T) {
	typ := ArrayOf(PairOf(StringType, OptionalOf(FileType)))
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`[{"left":"a","right":"/x"},{"left":"b","right":null}]`), &raw))

	v, err := Import(raw, typ)
	require.NoError(t, err)
	arr := v.(*Array)
	require.Equal(t, 2, arr.Len())
	assert.Equal(t, File("/x"), arr.Index(0).(*Pair).Right)
	assert.True(t, IsNull(arr.Index(1).(*Pair).Right))

	out, err := json.Marshal(Export(v))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"left":"a","right":"/x"},{"left":"b","right":null}]`, string(out))
}

func TestImportInfersIntegers(t *testing.T) {
	v, err := Import(float64(4), AnyType)
	require.NoError(t, err)
	assert.Equal(t, Int(4), v)

	v, err = Import(1.5, AnyType)
	require.NoError(t, err)
	assert.Equal(t, Float(1.5), v)

	v, err = Import(float64(7), IntType)
	require.NoError(t, err)
	assert.Equal(t, Int(7), v)

	_, err = Import(7.5, IntType)
	assert.Error(t, err)
}

func TestImportStructRejectsUnknownMember(t *testing.T) {
	st := StructOf("S", Member{Name: "a", Type: IntType})
	_, err := Import(map[string]any{"a": 1, "b": 2}, st)
	assert.Error(t, err)
}

func TestMapPaths(t *testing.T) {
	st := StructOf("S", Member{Name: "f", Type: FileType}, Member{Name: "n", Type: IntType})
	v := NewArray(st, []Value{
		NewStruct(st, []Field{{Name: "f", Value: File("/in/a")}, {Name: "n", Value: Int(1)}}),
		NewStruct(st, []Field{{Name: "f", Value: File("/in/b")}, {Name: "n", Value: Int(2)}}),
	})

	mapped, err := MapPaths(v, func(_ Kind, p string) (string, error) {
		return "/mnt" + p, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/mnt/in/a", "/mnt/in/b"}, Paths(mapped))
	assert.Equal(t, []string{"/in/a", "/in/b"}, Paths(v), "original must be unchanged")
	assert.False(t, Equal(v, mapped))
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		loc, scheme, path string
		remote            bool
	}{
		{"s3://bucket/key.bam", "s3", "bucket/key.bam", true},
		{"https://example.org/x", "https", "example.org/x", true},
		{"file:///data/x", "file", "/data/x", false},
		{"/data/x", "", "/data/x", false},
	}
	for _, tt := range tests {
		scheme, path := ParseLocation(tt.loc)
		assert.Equal(t, tt.scheme, scheme, tt.loc)
		assert.Equal(t, tt.path, path, tt.loc)
		assert.Equal(t, tt.remote, IsRemote(tt.loc), tt.loc)
	}
}

func TestEqual(t *testing.T) {
	a := NewArray(IntType, []Value{Int(1), NullOf(IntType)})
	b := NewArray(IntType, []Value{Int(1), NullOf(IntType)})
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(Int(1), Float(1)))
	assert.False(t, Equal(NullOf(IntType), NullOf(StringType)))
}

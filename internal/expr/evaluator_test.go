package expr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

func testEnv() Env {
	sample := value.StructOf("Sample",
		value.Member{Name: "id", Type: value.StringType},
		value.Member{Name: "reads", Type: value.FileType},
	)
	return NewEnv(map[string]value.Value{
		"name":    value.String("sample1"),
		"count":   value.Int(42),
		"ratio":   value.Float(0.5),
		"missing": value.NullOf(value.StringType),
		"files":   value.NewArray(value.FileType, []value.Value{value.File("/data/a.fq"), value.File("/data/b.fq")}),
		"sample": value.NewStruct(sample, []value.Field{
			{Name: "id", Value: value.String("s1")},
			{Name: "reads", Value: value.File("/data/s1.fq")},
		}),
	})
}

func TestEvaluator_Eval(t *testing.T) {
	eval := NewEvaluator()
	env := testEnv()

	tests := []struct {
		name    string
		src     string
		want    value.Type
		expect  value.Value
		wantErr bool
	}{
		{name: "string reference", src: "name", want: value.StringType, expect: value.String("sample1")},
		{name: "arithmetic", src: "count * 2", want: value.IntType, expect: value.Int(84)},
		{name: "int to float", src: "count", want: value.FloatType, expect: value.Float(42)},
		{name: "struct member", src: "sample.id + '.bam'", want: value.StringType, expect: value.String("s1.bam")},
		{name: "basename", src: "basename(sample.reads, '.fq')", want: value.StringType, expect: value.String("s1")},
		{name: "defined", src: "defined(missing)", want: value.BooleanType, expect: value.Boolean(false)},
		{name: "select_first", src: "select_first([missing, 'fallback'])", want: value.StringType, expect: value.String("fallback")},
		{name: "length", src: "length(files)", want: value.IntType, expect: value.Int(2)},
		{name: "sep", src: "sep(',', files)", want: value.StringType, expect: value.String("/data/a.fq,/data/b.fq")},
		{name: "sub", src: "sub(name, '[0-9]+$', '_x')", want: value.StringType, expect: value.String("sample_x")},
		{name: "object literal", src: "{left: 1, right: 'a'}", want: value.PairOf(value.IntType, value.StringType)},
		{name: "absent optional", src: "missing", want: value.OptionalOf(value.StringType), expect: value.NullOf(value.StringType)},
		{name: "absent required", src: "missing", want: value.StringType, wantErr: true},
		{name: "undefined member", src: "sample.nope", want: value.StringType, wantErr: true},
		{name: "unknown name", src: "nope + 1", want: value.IntType, wantErr: true},
		{name: "select_first all absent", src: "select_first([missing])", want: value.StringType, wantErr: true},
		{name: "type mismatch", src: "name", want: value.IntType, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Eval(wdl.Expr{Src: tt.src}, env, tt.want)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Eval(%q) = %v, want error", tt.src, got)
				}
				if model.CodeOf(err) != model.ErrEvaluation {
					t.Errorf("CodeOf = %q, want %q", model.CodeOf(err), model.ErrEvaluation)
				}
				return
			}
			if err != nil {
				t.Fatalf("Eval(%q): %v", tt.src, err)
			}
			if tt.expect != nil && !value.Equal(got, tt.expect) {
				t.Errorf("Eval(%q) = %v, want %v", tt.src, got, tt.expect)
			}
			if !got.Type().Equal(tt.want.Required()) && !value.IsNull(got) {
				t.Errorf("type = %s, want %s", got.Type(), tt.want)
			}
		})
	}
}

func TestEvaluator_EvalBool(t *testing.T) {
	eval := NewEvaluator()
	ok, err := eval.EvalBool(wdl.Expr{Src: "count > 10 && defined(name)"}, testEnv())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("EvalBool = false, want true")
	}
}

func TestEvaluator_Interpolate(t *testing.T) {
	eval := NewEvaluator()
	env := testEnv()

	tests := []struct {
		tmpl string
		want string
	}{
		{"echo ~{name}", "echo sample1"},
		{"cat ~{sep(' ', files)} | wc -l", "cat /data/a.fq /data/b.fq | wc -l"},
		{"tool ${count + 1} ~{ratio}", "tool 43 0.500000"},
		{"opt=~{missing}", "opt="},
		{"echo ~{files}", "echo /data/a.fq /data/b.fq"},
		{`literal \~{name}`, "literal ~{name}"},
		{"awk '{print $1}'", "awk '{print $1}'"},
	}
	for _, tt := range tests {
		got, err := eval.Interpolate(tt.tmpl, env)
		if err != nil {
			t.Errorf("Interpolate(%q): %v", tt.tmpl, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestEvaluator_OutputBuiltins(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	stdout := write("stdout.txt", "hello world\n")
	write("count.txt", "7\n")
	write("lines.txt", "a\nb\nc\n")
	write("data.json", `{"k": [1, 2]}`)
	write("part-1.csv", "x")
	write("part-2.csv", "y")

	eval := NewEvaluator().ForOutputs(OutputContext{WorkDir: dir, Stdout: stdout, Stderr: filepath.Join(dir, "stderr.txt")})
	env := NewEnv(nil)

	tests := []struct {
		src    string
		want   value.Type
		expect value.Value
	}{
		{"read_string(stdout())", value.StringType, value.String("hello world")},
		{"read_int('count.txt')", value.IntType, value.Int(7)},
		{"read_lines('lines.txt').length", value.IntType, value.Int(3)},
		{"read_json('data.json').k[1]", value.IntType, value.Int(2)},
		{"glob('part-*.csv').length", value.IntType, value.Int(2)},
		{"basename(glob('part-*.csv')[0])", value.StringType, value.String("part-1.csv")},
	}
	for _, tt := range tests {
		got, err := eval.Eval(wdl.Expr{Src: tt.src}, env, tt.want)
		if err != nil {
			t.Errorf("Eval(%q): %v", tt.src, err)
			continue
		}
		if !value.Equal(got, tt.expect) {
			t.Errorf("Eval(%q) = %v, want %v", tt.src, got, tt.expect)
		}
	}

	if _, err := NewEvaluator().Eval(wdl.Expr{Src: "stdout()"}, env, value.FileType); err == nil {
		t.Error("stdout() should be unavailable outside output evaluation")
	}
}

func TestEnvIsImmutable(t *testing.T) {
	base := NewEnv(map[string]value.Value{"a": value.Int(1)})
	next := base.With("b", value.Int(2))
	if base.Has("b") {
		t.Error("With modified the receiver")
	}
	if !next.Has("a") || !next.Has("b") {
		t.Errorf("next names = %v, want [a b]", next.Names())
	}
	merged := base.Merge(NewEnv(map[string]value.Value{"a": value.Int(9)}))
	if v, _ := merged.Get("a"); v != value.Int(9) {
		t.Errorf("merged a = %v, want 9", v)
	}
}

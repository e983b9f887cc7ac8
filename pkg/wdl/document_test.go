package wdl

import (
	"strings"
	"testing"

	"github.com/me/gowdl/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alignDoc = `
version: "1.1"
structs:
  - name: Sample
    members:
      - {name: id, type: String}
      - {name: reads, type: File}
tasks:
  - name: align
    inputs:
      - {name: sample, type: Sample}
      - {name: threads, type: Int, expr: "4"}
    decls:
      - {name: out_name, type: String, expr: "sample.id + '.bam'"}
    command: "bwa mem -t ~{threads} ~{sample.reads} > ~{out_name}"
    runtime:
      cpu: threads
      memory: '"4 GiB"'
      docker: '"biocontainers/bwa:0.7.17"'
    outputs:
      - {name: bam, type: File, expr: out_name}
workflow:
  name: main
  inputs:
    - {name: samples, type: "Array[Sample]"}
    - {name: run_qc, type: Boolean, expr: "false"}
  body:
    - scatter:
        var: s
        expr: samples
        body:
          - call: {callee: align, inputs: {sample: s}}
    - if:
        branches:
          - guard: run_qc
            body:
              - decl: {name: qc_count, type: Int, expr: "length(align)"}
  outputs:
    - {name: bams, type: "Array[File]", expr: "align.map(a => a.bam)"}
    - {name: qc, type: "Int?", expr: qc_count}
`

func TestDecode(t *testing.T) {
	doc, err := Decode(strings.NewReader(alignDoc))
	require.NoError(t, err)

	task, ok := doc.Task("align")
	require.True(t, ok)
	assert.Len(t, task.Digest, 64)
	assert.Equal(t, "Sample", task.Inputs[0].Type.String())
	assert.Equal(t, []string{"threads"}, task.Runtime["cpu"].Refs)
	assert.Equal(t, []string{"sample"}, task.Decls[0].Expr.Refs)

	wf, err := doc.Entrypoint()
	require.NoError(t, err)
	require.Len(t, wf.Body, 2)

	sc := wf.Body[0]
	assert.Equal(t, "scatter-s", sc.ID())
	assert.Equal(t, []string{"align"}, sc.Bindings())
	assert.Equal(t, []string{"samples"}, sc.Refs(), "scatter variable must not leak as a reference")
	assert.NotNil(t, sc.Scatter.Body[0].Call.Task)

	cond := wf.Body[1]
	assert.Equal(t, "if-1", cond.ID())
	assert.Equal(t, []string{"qc_count"}, cond.Bindings())
	assert.Equal(t, []string{"align", "run_qc"}, cond.Refs())
}

func TestDecodeDigestStable(t *testing.T) {
	a, err := Decode(strings.NewReader(alignDoc))
	require.NoError(t, err)
	b, err := Decode(strings.NewReader(alignDoc))
	require.NoError(t, err)
	ta, _ := a.Task("align")
	tb, _ := b.Task("align")
	assert.Equal(t, ta.Digest, tb.Digest)

	changed := strings.Replace(alignDoc, "bwa mem", "bwa mem -M", 1)
	c, err := Decode(strings.NewReader(changed))
	require.NoError(t, err)
	tc, _ := c.Task("align")
	assert.NotEqual(t, ta.Digest, tc.Digest)
}

func TestDecodeValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown callee", `
version: "1.1"
workflow:
  name: w
  body:
    - call: {callee: nope}
`},
		{"unknown input", `
version: "1.1"
tasks:
  - {name: t, command: "true"}
workflow:
  name: w
  body:
    - call: {callee: t, inputs: {x: "1"}}
`},
		{"duplicate binding", `
version: "1.1"
workflow:
  name: w
  inputs:
    - {name: x, type: Int}
  body:
    - decl: {name: x, type: Int, expr: "1"}
`},
		{"bad type", `
version: "1.1"
workflow:
  name: w
  inputs:
    - {name: x, type: "Array[Int"}
`},
		{"recursive workflow", `
version: "1.1"
workflow:
  name: w
  body:
    - call: {callee: sub}
workflows:
  - name: sub
    body:
      - call: {callee: sub, as: again}
`},
		{"else not last", `
version: "1.1"
workflow:
  name: w
  body:
    - if:
        branches:
          - body: []
          - guard: "true"
            body: []
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Equal(t, model.ErrValidation, model.CodeOf(err))
		})
	}
}

func TestEntrypointSingleTask(t *testing.T) {
	doc, err := Decode(strings.NewReader(`
version: "1.1"
tasks:
  - name: hello
    inputs:
      - {name: who, type: String}
    command: "echo hello ~{who}"
    outputs:
      - {name: greeting, type: String, expr: "read_string(stdout())"}
`))
	require.NoError(t, err)

	wf, err := doc.Entrypoint()
	require.NoError(t, err)
	assert.Equal(t, "hello", wf.Name)
	require.Len(t, wf.Body, 1)
	assert.Equal(t, []string{"who"}, wf.Body[0].Call.Abbrev)
	assert.Equal(t, "hello.greeting", wf.Outputs[0].Expr.Src)
}

func TestDeriveRefs(t *testing.T) {
	tests := []struct {
		src  string
		want []string
	}{
		{"x + 1", []string{"x"}},
		{"align.bam", []string{"align"}},
		{"'literal x' + y", []string{"y"}},
		{"{left: a, right: b}", []string{"a", "b"}},
		{"c ? d + e : f", []string{"c", "d", "e", "f"}},
		{"`${prefix}_${n}.txt`", []string{"n", "prefix"}},
		{"select_first([maybe, 1e5])", []string{"maybe"}},
		{"xs.map(x => x * 2)", []string{"x", "xs"}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRefs(tt.src))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("echo ~{a} ${b + '}'} ~{ {k: c}.k }")
	assert.Equal(t, []string{"a", "b + '}'", " {k: c}.k "}, got)
	assert.Equal(t, []string{"a", "b", "c"}, TemplateRefs("echo ~{a} ${b + '}'} ~{ {k: c}.k }"))
}

package workflow

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/gowdl/internal/controller"
	"github.com/me/gowdl/internal/expr"
	"github.com/me/gowdl/internal/rundir"
	"github.com/me/gowdl/internal/task"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTasks answers task calls in-process.
type fakeTasks struct {
	mu    sync.Mutex
	calls []*task.Call
	fn    func(ctx context.Context, call *task.Call) (map[string]value.Value, error)
}

func (f *fakeTasks) Run(ctx context.Context, call *task.Call) (*task.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	out, err := f.fn(ctx, call)
	if err != nil {
		return nil, err
	}
	return &task.Result{Outputs: out}, nil
}

func (f *fakeTasks) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Name
	}
	return out
}

// identity echoes input x as output out.
func identity(_ context.Context, call *task.Call) (map[string]value.Value, error) {
	return map[string]value.Value{"out": call.Inputs["x"]}, nil
}

func decode(t *testing.T, src string) *wdl.Workflow {
	t.Helper()
	doc, err := wdl.Decode(strings.NewReader(src))
	require.NoError(t, err)
	wf, err := doc.Entrypoint()
	require.NoError(t, err)
	return wf
}

func run(t *testing.T, mode model.FailureMode, tasks TaskRunner, wf *wdl.Workflow, inputs map[string]any) (map[string]value.Value, error) {
	t.Helper()
	ctl := controller.New(context.Background(), mode)
	defer ctl.Close()
	ev := New(tasks, ctl, testLogger())
	return ev.Run(ctl.Context(), wf, inputs, rundir.NewScope(t.TempDir()))
}

const identityTask = `
version: "1.1"
tasks:
  - name: identity
    inputs:
      - {name: x, type: String}
    command: "echo ~{x}"
    outputs:
      - {name: out, type: String, expr: x}
`

func TestBuild(t *testing.T) {
	wf := decode(t, identityTask+`
workflow:
  name: main
  inputs:
    - {name: n, type: Int, expr: "2"}
  body:
    - decl: {name: label, type: String, expr: "'x' + n"}
    - call: {callee: identity, as: first, inputs: {x: label}}
    - call: {callee: identity, as: second, inputs: {x: "'b'"}, after: [first]}
    - call: {callee: identity, as: third, inputs: {x: "'c'"}}
`)
	g, err := Build(wf.Body, wf.Inputs)
	require.NoError(t, err)

	assert.Equal(t, []string{"n"}, g.Deps["label"])
	assert.Equal(t, []string{"label", "n"}, g.Deps["first"])
	assert.Equal(t, []string{"first", "n"}, g.Deps["second"])
	assert.Equal(t, []string{"n"}, g.Deps["third"], "calls depend on every input declaration")
	assert.Equal(t, "n", g.Order[0])
	assert.Len(t, g.Order, 5)
}

func TestBuild_Cycle(t *testing.T) {
	doc, err := wdl.Decode(strings.NewReader(`
version: "1.1"
workflow:
  name: main
  body:
    - decl: {name: a, type: Int, expr: "b + 1"}
    - decl: {name: b, type: Int, expr: "a + 1"}
`))
	require.NoError(t, err)
	_, err = Build(doc.Workflow.Body, nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrValidation, model.CodeOf(err))
	assert.Contains(t, err.Error(), "a, b")

	assert.Equal(t, model.ErrValidation, model.CodeOf(Check(doc.Workflow)))
}

func TestScatter_PreservesSourceOrder(t *testing.T) {
	delays := map[string]time.Duration{"a": 40 * time.Millisecond, "b": 0, "c": 20 * time.Millisecond}
	var mu sync.Mutex
	var finished []string
	tasks := &fakeTasks{fn: func(ctx context.Context, call *task.Call) (map[string]value.Value, error) {
		x := string(call.Inputs["x"].(value.String))
		time.Sleep(delays[x])
		mu.Lock()
		finished = append(finished, x)
		mu.Unlock()
		return identity(ctx, call)
	}}
	wf := decode(t, identityTask+`
workflow:
  name: main
  inputs:
    - {name: xs, type: "Array[String]"}
  body:
    - scatter:
        var: s
        expr: xs
        body:
          - call: {callee: identity, inputs: {x: s}}
  outputs:
    - {name: results, type: "Array[String]", expr: "identity.map(c => c.out)"}
`)

	out, err := run(t, model.FailFast, tasks, wf, map[string]any{"xs": []any{"a", "b", "c"}})
	require.NoError(t, err)

	assert.Equal(t, "b", finished[0], "b should finish first")
	results := out["results"].(*value.Array)
	require.Equal(t, 3, results.Len())
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, value.String(want), results.Index(i))
	}
	assert.ElementsMatch(t, []string{"identity[0]", "identity[1]", "identity[2]"}, tasks.names())
}

func TestScatter_EmptySource(t *testing.T) {
	tasks := &fakeTasks{fn: identity}
	wf := decode(t, identityTask+`
workflow:
  name: main
  inputs:
    - {name: xs, type: "Array[String]"}
  body:
    - scatter:
        var: s
        expr: xs
        body:
          - call: {callee: identity, inputs: {x: s}}
          - decl: {name: upper, type: String, expr: "s.toUpperCase()"}
  outputs:
    - {name: n, type: Int, expr: "identity.length + upper.length"}
`)
	out, err := run(t, model.FailFast, tasks, wf, map[string]any{"xs": []any{}})
	require.NoError(t, err)
	assert.Equal(t, value.Int(0), out["n"])
	assert.Empty(t, tasks.names())
}

const conditionalDoc = identityTask + `
workflow:
  name: main
  inputs:
    - {name: mode, type: String}
  body:
    - if:
        branches:
          - guard: "mode == 'fast'"
            body:
              - call: {callee: identity, as: quick, inputs: {x: "'q'"}}
          - guard: "mode == 'slow'"
            body:
              - call: {callee: identity, as: careful, inputs: {x: "'c'"}}
          - body:
              - decl: {name: fallback, type: String, expr: "'none'"}
  outputs:
    - {name: quick_out, type: String?, expr: "quick ? quick.out : null"}
    - {name: careful_out, type: String?, expr: "careful ? careful.out : null"}
    - {name: fallback_out, type: String?, expr: fallback}
`

func TestConditional(t *testing.T) {
	tests := []struct {
		mode  string
		calls []string
		want  map[string]string
	}{
		{"fast", []string{"quick"}, map[string]string{"quick_out": "q"}},
		{"slow", []string{"careful"}, map[string]string{"careful_out": "c"}},
		{"other", nil, map[string]string{"fallback_out": "none"}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			tasks := &fakeTasks{fn: identity}
			out, err := run(t, model.FailFast, tasks, decode(t, conditionalDoc), map[string]any{"mode": tt.mode})
			require.NoError(t, err)

			assert.Equal(t, tt.calls, nilIfEmpty(tasks.names()), "exactly one branch runs")
			for _, name := range []string{"quick_out", "careful_out", "fallback_out"} {
				if want, ok := tt.want[name]; ok {
					assert.Equal(t, value.String(want), out[name])
				} else {
					assert.True(t, value.IsNull(out[name]), "%s should be absent", name)
				}
			}
		})
	}
}

func TestConditional_FalseGuardYieldsTypedAbsent(t *testing.T) {
	tasks := &fakeTasks{fn: identity}
	wf := decode(t, identityTask+`
workflow:
  name: main
  body:
    - if:
        branches:
          - guard: "false"
            body:
              - call: {callee: identity, inputs: {x: "'never'"}}
              - decl: {name: count, type: Int, expr: "3"}
`)
	ev := New(tasks, nil, testLogger())
	bc := bodyCtx{level: &level{wf: wf, scope: rundir.NewScope(t.TempDir())}}
	out, err := ev.runConditional(context.Background(), bc, wf.Body[0].If, expr.NewEnv(nil))
	require.NoError(t, err)

	assert.Empty(t, tasks.names())
	count, ok := out["count"].(value.Null)
	require.True(t, ok)
	assert.Equal(t, value.OptionalOf(value.IntType), count.Type())
	call, ok := out["identity"].(value.Null)
	require.True(t, ok)
	assert.Equal(t, value.KindStruct, call.Type().Kind)
	assert.True(t, call.Type().Optional)
}

func TestCall_FailureCancelsDependents(t *testing.T) {
	tasks := &fakeTasks{fn: func(ctx context.Context, call *task.Call) (map[string]value.Value, error) {
		if call.Name == "first" {
			return nil, model.NewError(model.ErrTaskExecution, nil, "exit 1")
		}
		return identity(ctx, call)
	}}
	wf := decode(t, identityTask+`
workflow:
  name: main
  body:
    - call: {callee: identity, as: first, inputs: {x: "'a'"}}
    - call: {callee: identity, as: second, inputs: {x: first.out}}
`)
	_, err := run(t, model.FailSlow, tasks, wf, nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrTaskExecution, model.CodeOf(err))
	assert.Equal(t, []string{"first"}, tasks.names())

	frames := model.FramesOf(err)
	require.Len(t, frames, 2)
	assert.Equal(t, model.Frame{Kind: "call", Name: "first"}, frames[0])
	assert.Equal(t, "workflow", frames[1].Kind)
}

const siblingsDoc = identityTask + `
workflow:
  name: main
  body:
    - call: {callee: identity, as: bad, inputs: {x: "'bad'"}}
    - call: {callee: identity, as: slow, inputs: {x: "'slow'"}}
`

func TestFailureModes(t *testing.T) {
	tests := []struct {
		mode         model.FailureMode
		slowFinishes bool
	}{
		{model.FailFast, false},
		{model.FailSlow, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			var finished sync.Map
			tasks := &fakeTasks{fn: func(ctx context.Context, call *task.Call) (map[string]value.Value, error) {
				if call.Name == "bad" {
					time.Sleep(10 * time.Millisecond)
					return nil, model.NewError(model.ErrTaskExecution, nil, "exit 1")
				}
				select {
				case <-time.After(100 * time.Millisecond):
					finished.Store(call.Name, true)
					return identity(ctx, call)
				case <-ctx.Done():
					return nil, model.NewCanceledError(ctx.Err())
				}
			}}
			_, err := run(t, tt.mode, tasks, decode(t, siblingsDoc), nil)
			require.Error(t, err)
			assert.Equal(t, model.ErrTaskExecution, model.CodeOf(err), "the task failure is reported, not the sibling's cancellation")
			_, done := finished.Load("slow")
			assert.Equal(t, tt.slowFinishes, done)
		})
	}
}

func TestScatter_ElementFailureCarriesIndex(t *testing.T) {
	tasks := &fakeTasks{fn: func(ctx context.Context, call *task.Call) (map[string]value.Value, error) {
		if call.Inputs["x"] == value.String("b") {
			return nil, model.NewError(model.ErrTaskExecution, nil, "exit 2")
		}
		return identity(ctx, call)
	}}
	wf := decode(t, identityTask+`
workflow:
  name: main
  inputs:
    - {name: xs, type: "Array[String]"}
  body:
    - scatter:
        var: s
        expr: xs
        body:
          - call: {callee: identity, inputs: {x: s}}
`)
	_, err := run(t, model.FailSlow, tasks, wf, map[string]any{"xs": []any{"a", "b", "c"}})
	require.Error(t, err)
	frames := model.FramesOf(err)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "identity[1]", frames[0].Name)
	assert.Equal(t, model.Frame{Kind: "scatter", Name: "s[1]"}, frames[1])
	assert.Contains(t, err.Error(), "at call identity[1]")
}

func TestInputs(t *testing.T) {
	wf := decode(t, identityTask+`
workflow:
  name: main
  inputs:
    - {name: who, type: String}
    - {name: greeting, type: String, expr: "'hi ' + who"}
  body:
    - call: {callee: identity, inputs: {x: greeting}}
  outputs:
    - {name: out, type: String, expr: identity.out}
`)
	tests := []struct {
		name    string
		inputs  map[string]any
		want    string
		wantErr model.ErrorCode
	}{
		{"default from other input", map[string]any{"who": "ann"}, "hi ann", ""},
		{"explicit overrides default", map[string]any{"who": "ann", "greeting": "yo"}, "yo", ""},
		{"null takes default", map[string]any{"who": "ann", "greeting": nil}, "hi ann", ""},
		{"missing required", map[string]any{}, "", model.ErrValidation},
		{"unknown input", map[string]any{"who": "ann", "whom": "bob"}, "", model.ErrValidation},
		{"type mismatch", map[string]any{"who": []any{1}}, "", model.ErrValidation},
		{"nested not allowed", map[string]any{"who": "ann", "identity.x": "z"}, "", model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &fakeTasks{fn: identity}
			out, err := run(t, model.FailFast, tasks, wf, tt.inputs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, model.CodeOf(err))
				assert.Empty(t, tasks.names())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, value.String(tt.want), out["out"])
		})
	}
}

const nestedDoc = `
version: "1.1"
tasks:
  - name: greet
    inputs:
      - {name: who, type: String}
      - {name: punct, type: String, expr: "'.'"}
    command: "echo"
    outputs:
      - {name: out, type: String, expr: "'hello ' + who + punct"}
workflows:
  - name: inner
    inputs:
      - {name: name, type: String}
    body:
      - call: {callee: greet, inputs: {who: name}}
    outputs:
      - {name: text, type: String, expr: greet.out}
workflow:
  name: main
  allow_nested_inputs: true
  inputs:
    - {name: who, type: String}
  body:
    - call: {callee: greet, as: direct, abbrev: [who]}
    - call: {callee: inner, as: sub, inputs: {name: "who + '!'"}}
    - call: {callee: greet, as: unbound}
  outputs:
    - {name: direct_out, type: String, expr: direct.out}
    - {name: sub_out, type: String, expr: sub.text}
    - {name: unbound_out, type: String, expr: unbound.out}
`

func TestCallResolution(t *testing.T) {
	tasks := &fakeTasks{fn: func(_ context.Context, call *task.Call) (map[string]value.Value, error) {
		punct := value.String(".")
		if p, ok := call.Inputs["punct"]; ok {
			punct = p.(value.String)
		}
		who := call.Inputs["who"].(value.String)
		return map[string]value.Value{"out": value.String("hello " + string(who) + string(punct))}, nil
	}}
	out, err := run(t, model.FailFast, tasks, decode(t, nestedDoc), map[string]any{
		"who":          "ann",
		"direct.punct": "?",
		"unbound.who":  "bob",
	})
	require.NoError(t, err)

	assert.Equal(t, value.String("hello ann?"), out["direct_out"], "abbreviated input plus dotted override")
	assert.Equal(t, value.String("hello ann!."), out["sub_out"], "sub-workflow call")
	assert.Equal(t, value.String("hello bob."), out["unbound_out"], "required input from nested override")
	assert.ElementsMatch(t, []string{"direct", "sub.greet", "unbound"}, tasks.names())
}

func TestCallResolution_UnboundRequiredInput(t *testing.T) {
	tasks := &fakeTasks{fn: identity}
	wf := decode(t, identityTask+`
workflow:
  name: main
  body:
    - call: {callee: identity}
`)
	_, err := run(t, model.FailFast, tasks, wf, nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrValidation, model.CodeOf(err))
	assert.Empty(t, tasks.names(), "validation happens before any dispatch")
}

func TestRun_RequiresScope(t *testing.T) {
	tasks := &fakeTasks{fn: identity}
	wf := decode(t, identityTask+`
workflow:
  name: main
  body:
    - call: {callee: identity, inputs: {x: "'a'"}}
`)
	ctl := controller.New(context.Background(), model.FailFast)
	defer ctl.Close()
	_, err := New(tasks, ctl, testLogger()).Run(ctl.Context(), wf, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope")
	assert.Empty(t, tasks.names())
}

func TestRun_ExternalCancel(t *testing.T) {
	started := make(chan struct{})
	tasks := &fakeTasks{fn: func(ctx context.Context, call *task.Call) (map[string]value.Value, error) {
		close(started)
		<-ctx.Done()
		return nil, model.NewCanceledError(ctx.Err())
	}}
	wf := decode(t, identityTask+`
workflow:
  name: main
  body:
    - call: {callee: identity, inputs: {x: "'a'"}}
    - call: {callee: identity, as: later, inputs: {x: identity.out}}
`)
	parent, cancel := context.WithCancel(context.Background())
	ctl := controller.New(parent, model.FailFast)
	defer ctl.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := New(tasks, ctl, testLogger()).Run(ctl.Context(), wf, nil, rundir.NewScope(t.TempDir()))
		errc <- err
	}()
	<-started
	cancel()

	err := <-errc
	assert.True(t, model.IsCanceled(err))
	state, _ := ctl.Terminal(err)
	assert.Equal(t, model.RunStateCanceled, state)
	assert.Equal(t, []string{"identity"}, tasks.names())
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

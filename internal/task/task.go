// Package task runs one task call: input binding, runtime evaluation,
// localization, call caching, resource admission, backend dispatch with
// polling, output collection and retries.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/me/gowdl/internal/backend"
	"github.com/me/gowdl/internal/cache"
	"github.com/me/gowdl/internal/controller"
	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/internal/expr"
	"github.com/me/gowdl/internal/localize"
	"github.com/me/gowdl/internal/metrics"
	"github.com/me/gowdl/internal/rundir"
	"github.com/me/gowdl/internal/scheduler"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// Config holds the per-run settings of the evaluator.
type Config struct {
	RunID             string
	DefaultImage      string
	MaxRetries        int
	RetrySubmitErrors bool
	PollInitial       time.Duration
	PollMax           time.Duration
}

// Deps are the shared services a task evaluation uses.
type Deps struct {
	Backend    backend.Backend
	Scheduler  *scheduler.Scheduler
	Cache      *cache.Cache
	Localizer  *localize.Localizer
	Controller *controller.Controller
	Events     events.Emitter
}

// Evaluator runs task calls. One Evaluator serves a whole run and is safe
// for concurrent use.
type Evaluator struct {
	cfg  Config
	deps Deps
	ev   *expr.Evaluator

	images   singleflight.Group
	mu       sync.Mutex
	prepared map[string]string

	logger *slog.Logger
}

// New creates an Evaluator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Evaluator {
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = time.Second
	}
	if cfg.PollMax < cfg.PollInitial {
		cfg.PollMax = 30 * time.Second
		if cfg.PollMax < cfg.PollInitial {
			cfg.PollMax = cfg.PollInitial
		}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.Disabled(logger)
	}
	return &Evaluator{
		cfg:      cfg,
		deps:     deps,
		ev:       expr.NewEvaluator(),
		prepared: make(map[string]string),
		logger:   logger.With("component", "task", "run_id", cfg.RunID),
	}
}

// Call is one task invocation.
type Call struct {
	// Name identifies the call in events and logs, qualified by enclosing
	// scatter indexes and sub-workflow calls.
	Name   string
	Task   *wdl.Task
	Inputs map[string]value.Value
	Scope  *rundir.Scope
}

// Result is the outcome of a successful call.
type Result struct {
	Outputs  cache.Outputs
	Attempts []*model.TaskExecutionRecord
	Cached   bool
}

// Run evaluates call. Errors are EngineErrors; a canceled run yields a
// CANCELED error.
func (e *Evaluator) Run(ctx context.Context, call *Call) (*Result, error) {
	t := call.Task
	log := e.logger.With("call", call.Name, "task", t.Name)

	if err := e.admit(ctx); err != nil {
		return nil, err
	}
	inputs, env, err := bind(e.ev, t, call.Inputs)
	if err != nil {
		return nil, err
	}
	if err := rundir.WriteJSON(call.Scope.Dir(), rundir.InputsFile, exportAll(inputs)); err != nil {
		log.Warn("write inputs.json failed", "error", err)
	}

	// The first attempt's image identifies the execution environment for
	// caching.
	first, err := evalRuntime(e.ev, t, env.With("task", taskObject(t.Name, 1, nil)), e.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	execute := func(ctx context.Context, key string) (cache.Outputs, error) {
		out, attempts, err := e.execute(ctx, call, env, key)
		res.Attempts = attempts
		return out, err
	}

	var out cache.Outputs
	key := ""
	if e.deps.Cache.Enabled() {
		key, err = e.deps.Cache.Key(t.Digest, inputs, e.image(first.Resources))
		if err != nil {
			log.Warn("call cache disabled for call", "error", err)
		}
	}
	if key == "" {
		out, err = execute(ctx, "")
	} else {
		types := outputTypes(t)
		hit := false
		var shared bool
		out, shared, err = e.deps.Cache.Do(ctx, key, func(ctx context.Context) (cache.Outputs, error) {
			if cached, ok := e.deps.Cache.Lookup(ctx, key, types); ok {
				hit = true
				return cached, nil
			}
			out, err := execute(ctx, key)
			if err == nil {
				e.deps.Cache.Store(ctx, key, t.Name, out)
			}
			return out, err
		})
		res.Cached = hit || shared
	}
	if err != nil {
		return nil, err
	}

	if res.Cached {
		log.Info("call cache hit", "cache_key", key)
		e.deps.Events.Emit(events.Event{
			Type:    events.TaskCompleted,
			Call:    call.Name,
			Task:    t.Name,
			Status:  string(model.AttemptStateCached),
			Cached:  true,
			Dir:     call.Scope.Dir(),
			Outputs: exportAll(out),
		})
		metrics.AttemptFinished(string(e.deps.Backend.Kind()), string(model.AttemptStateCached), 0)
	}
	res.Outputs = out
	if err := rundir.WriteJSON(call.Scope.Dir(), rundir.OutputsFile, exportAll(out)); err != nil {
		log.Warn("write outputs.json failed", "error", err)
	}
	return res, nil
}

// execute runs attempts until one succeeds, retries are exhausted, or the
// failure is not retryable.
func (e *Evaluator) execute(ctx context.Context, call *Call, env expr.Env, key string) (cache.Outputs, []*model.TaskExecutionRecord, error) {
	var records []*model.TaskExecutionRecord
	var prev *model.TaskExecutionRecord
	for n := 1; ; n++ {
		rec := &model.TaskExecutionRecord{
			RunID:     e.cfg.RunID,
			Call:      call.Name,
			Task:      call.Task.Name,
			Attempt:   n,
			Backend:   string(e.deps.Backend.Kind()),
			CacheKey:  key,
			State:     model.AttemptStatePreparing,
			StartedAt: time.Now().UTC(),
		}
		records = append(records, rec)

		out, maxRetries, err := e.attempt(ctx, call, env, rec, prev)
		e.finish(call, rec, out, err)
		if err == nil {
			return out, records, nil
		}
		if !e.retryable(err) || n > maxRetries {
			if n > 1 && e.retryable(err) {
				err = model.NewError(model.CodeOf(err), err, "task %s failed after %d attempts", call.Task.Name, n)
			}
			return nil, records, err
		}
		e.logger.Warn("retrying task", "call", call.Name, "attempt", n+1, "error", err)
		prev = rec
	}
}

func (e *Evaluator) retryable(err error) bool {
	switch model.CodeOf(err) {
	case model.ErrTaskExecution, model.ErrLocalization:
		return model.IsRetryable(err)
	case model.ErrBackendSubmission:
		return e.cfg.RetrySubmitErrors
	}
	return false
}

// attempt runs one attempt. It returns the attempt's maxRetries so the
// caller can decide on a retry with the attempt's own runtime.
func (e *Evaluator) attempt(ctx context.Context, call *Call, env expr.Env, rec, prev *model.TaskExecutionRecord) (cache.Outputs, int, error) {
	t := call.Task
	log := e.logger.With("call", call.Name, "task", t.Name, "attempt", rec.Attempt)

	taskEnv := env.With("task", taskObject(t.Name, rec.Attempt, prev))
	rt, err := evalRuntime(e.ev, t, taskEnv, e.cfg.MaxRetries)
	if err != nil {
		return nil, 0, err
	}
	rec.Resources = rt.Resources

	dir, err := call.Scope.Attempt(rec.Attempt)
	if err != nil {
		return nil, rt.MaxRetries, model.NewError(model.ErrTaskExecution, err, "task %s", t.Name)
	}
	rec.Dir = dir.Dir

	// Localize.
	rec.State = model.AttemptStateLocalizing
	if err := e.admit(ctx); err != nil {
		return nil, rt.MaxRetries, err
	}
	local, err := e.localize(ctx, call, env)
	if err != nil {
		return nil, rt.MaxRetries, err
	}

	image := e.image(rt.Resources)
	if image != "" {
		if image, err = e.prepare(ctx, image); err != nil {
			return nil, rt.MaxRetries, err
		}
	}

	job := &backend.JobSpec{
		Name:       backend.JobName(t.Name, rec.Attempt),
		RunID:      e.cfg.RunID,
		Task:       t.Name,
		Attempt:    rec.Attempt,
		Image:      image,
		Resources:  rt.Resources,
		AttemptDir: dir.Dir,
		WorkDir:    dir.WorkDir,
		InputPaths: inputPaths(local),
	}
	mapper := e.deps.Backend.Mapper(job)
	guest, err := mapEnv(local, mapper.ToGuest)
	if err != nil {
		return nil, rt.MaxRetries, err
	}
	job.Command, err = renderCommand(e.ev, t, guest.With("task", taskObject(t.Name, rec.Attempt, prev)), job.CommandPath())
	if err != nil {
		return nil, rt.MaxRetries, err
	}

	// Admission.
	rec.State = model.AttemptStateWaiting
	if err := e.admit(ctx); err != nil {
		return nil, rt.MaxRetries, err
	}
	grant, err := e.deps.Scheduler.Acquire(ctx, scheduler.Request{
		CPU:    rt.Resources.CPU,
		Memory: rt.Resources.Memory,
		GPU:    rt.Resources.GPU,
		Disk:   rt.Resources.Disk,
	})
	if err != nil {
		return nil, rt.MaxRetries, err
	}
	defer grant.Release()

	// Submit.
	if err := e.admit(ctx); err != nil {
		return nil, rt.MaxRetries, err
	}
	h, err := e.deps.Backend.Submit(ctx, job)
	if err != nil {
		return nil, rt.MaxRetries, err
	}
	rec.Handle = string(h)
	rec.State = model.AttemptStateSubmitted
	log.Info("task submitted", "handle", h, "backend", rec.Backend, "waited", grant.Waited)
	e.deps.Events.Emit(events.Event{
		Type:    events.TaskSubmitted,
		Call:    call.Name,
		Task:    t.Name,
		Attempt: rec.Attempt,
		Backend: rec.Backend,
		Handle:  rec.Handle,
		Dir:     rec.Dir,
	})

	st, err := e.poll(ctx, call, rec, h)
	if err != nil {
		return nil, rt.MaxRetries, err
	}
	if st.ExitCode >= 0 {
		code := st.ExitCode
		rec.ExitCode = &code
	}

	switch {
	case st.State == backend.StateLost:
		rec.State = model.AttemptStateLost
		ee := model.NewError(model.ErrTaskExecution, nil, "task %s attempt %d lost by backend: %s", t.Name, rec.Attempt, st.Message)
		ee.Retryable = true
		return nil, rt.MaxRetries, ee
	case st.State == backend.StateSucceeded && rt.Allows(0),
		st.State == backend.StateFailed && st.ExitCode >= 0 && rt.Allows(st.ExitCode):
	default:
		rec.State = model.AttemptStateFailed
		ee := model.NewError(model.ErrTaskExecution, nil, "task %s exited with code %d (stderr: %s)", t.Name, st.ExitCode, dir.Stderr)
		if st.Message != "" {
			ee.Message += ": " + st.Message
		}
		ee.Retryable = true
		return nil, rt.MaxRetries, ee
	}

	out, err := evalOutputs(e.ev, t, local, expr.OutputContext{
		WorkDir: dir.WorkDir,
		Stdout:  dir.Stdout,
		Stderr:  dir.Stderr,
	}, mapper)
	if err != nil {
		rec.State = model.AttemptStateFailed
		return nil, rt.MaxRetries, err
	}
	rec.State = model.AttemptStateSucceeded
	return out, rt.MaxRetries, nil
}

// poll waits for a submitted job with exponential backoff. Cancellation
// cancels the job.
func (e *Evaluator) poll(ctx context.Context, call *Call, rec *model.TaskExecutionRecord, h backend.Handle) (backend.Status, error) {
	delay := e.cfg.PollInitial
	last := backend.State("")
	failures := 0
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.cancelJob(call, rec, h)
			return backend.Status{}, model.NewCanceledError(ctx.Err())
		case <-timer.C:
		}

		st, err := e.deps.Backend.Poll(ctx, h)
		switch {
		case err != nil && ctx.Err() != nil:
			e.cancelJob(call, rec, h)
			return backend.Status{}, model.NewCanceledError(ctx.Err())
		case err != nil:
			failures++
			e.logger.Warn("poll failed", "call", call.Name, "handle", h, "error", err, "failures", failures)
			if failures >= maxPollFailures {
				ee := model.NewError(model.ErrTaskExecution, err, "task %s: backend stopped answering", call.Task.Name)
				ee.Retryable = true
				return backend.Status{}, ee
			}
		default:
			failures = 0
			if st.State != last {
				last = st.State
				if st.State == backend.StateRunning {
					rec.State = model.AttemptStateRunning
				}
				e.deps.Events.Emit(events.Event{
					Type:    events.TaskStatusChanged,
					Call:    call.Name,
					Task:    call.Task.Name,
					Attempt: rec.Attempt,
					Handle:  rec.Handle,
					Status:  string(st.State),
				})
			}
			if st.State.IsTerminal() {
				return st, nil
			}
		}

		if delay *= 2; delay > e.cfg.PollMax {
			delay = e.cfg.PollMax
		}
		timer.Reset(delay)
	}
}

const maxPollFailures = 10

func (e *Evaluator) cancelJob(call *Call, rec *model.TaskExecutionRecord, h backend.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.deps.Backend.Cancel(ctx, h); err != nil {
		e.logger.Warn("cancel job failed", "call", call.Name, "handle", h, "error", err)
	}
}

// finish records the end of an attempt and publishes it.
func (e *Evaluator) finish(call *Call, rec *model.TaskExecutionRecord, out cache.Outputs, err error) {
	now := time.Now().UTC()
	rec.FinishedAt = &now
	ev := events.Event{
		Type:     events.TaskCompleted,
		Call:     call.Name,
		Task:     call.Task.Name,
		Attempt:  rec.Attempt,
		Backend:  rec.Backend,
		Handle:   rec.Handle,
		ExitCode: rec.ExitCode,
		Dir:      rec.Dir,
	}
	switch {
	case err == nil:
		ev.Outputs = exportAll(out)
	case model.IsCanceled(err):
		rec.State = model.AttemptStateCanceled
		rec.Error = err.Error()
	default:
		if !rec.State.IsTerminal() {
			rec.State = model.AttemptStateFailed
		}
		rec.Error = err.Error()
	}
	ev.Status = string(rec.State)
	ev.Error = rec.Error
	metrics.AttemptFinished(rec.Backend, string(rec.State), rec.Duration())
	e.deps.Events.Emit(ev)
}

// admit checks the controller and ctx before a suspension point.
func (e *Evaluator) admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.NewCanceledError(err)
	}
	if e.deps.Controller != nil {
		return e.deps.Controller.Admit()
	}
	return nil
}

func (e *Evaluator) localize(ctx context.Context, call *Call, env expr.Env) (expr.Env, error) {
	if e.deps.Localizer == nil {
		return mapEnv(env, func(p string) string {
			if scheme, local := value.ParseLocation(p); scheme == value.SchemeFile {
				return local
			}
			return p
		})
	}
	staging, err := call.Scope.StagingDir()
	if err != nil {
		return expr.Env{}, model.NewError(model.ErrLocalization, err, "task %s", call.Task.Name)
	}
	vals := make(map[string]value.Value, env.Len())
	for _, name := range env.Names() {
		vals[name], _ = env.Get(name)
	}
	out, err := e.deps.Localizer.LocalizeAll(ctx, vals, staging)
	if err != nil {
		return expr.Env{}, err
	}
	return expr.NewEnv(out), nil
}

// image is the container an attempt with res runs in: the task's own, or
// the default image on backends that always run containers.
func (e *Evaluator) image(res model.ResourceSpec) string {
	if res.Container == "" && e.needsImage() {
		return e.cfg.DefaultImage
	}
	return res.Container
}

func (e *Evaluator) needsImage() bool {
	switch e.deps.Backend.Kind() {
	case backend.KindDocker, backend.KindApptainer, backend.KindTES:
		return true
	}
	return false
}

// prepare resolves image through the backend once per run. A caller that
// joined a preparation canceled by another caller retries with its own
// context.
func (e *Evaluator) prepare(ctx context.Context, image string) (string, error) {
	for {
		e.mu.Lock()
		if p, ok := e.prepared[image]; ok {
			e.mu.Unlock()
			return p, nil
		}
		e.mu.Unlock()

		leader := false
		ch := e.images.DoChan(image, func() (any, error) {
			leader = true
			p, err := e.deps.Backend.Prepare(ctx, image)
			if err != nil {
				return "", err
			}
			e.mu.Lock()
			e.prepared[image] = p
			e.mu.Unlock()
			return p, nil
		})
		var r singleflight.Result
		select {
		case <-ctx.Done():
			return "", model.NewCanceledError(ctx.Err())
		case r = <-ch:
		}
		if r.Err == nil {
			return r.Val.(string), nil
		}
		canceled := errors.Is(r.Err, context.Canceled) || model.IsCanceled(r.Err)
		if canceled && !leader && ctx.Err() == nil {
			e.logger.Debug("shared image preparation canceled, retrying", "image", image)
			continue
		}
		if canceled {
			return "", model.NewCanceledError(r.Err)
		}
		return "", model.NewError(model.ErrBackendSubmission, r.Err, "prepare image %s", image)
	}
}

func outputTypes(t *wdl.Task) map[string]value.Type {
	types := make(map[string]value.Type, len(t.Outputs))
	for _, d := range t.Outputs {
		types[d.Name] = d.Type
	}
	return types
}

func exportAll(vals map[string]value.Value) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		out[k] = value.Export(v)
	}
	return out
}

// String describes a result for logs.
func (r *Result) String() string {
	return fmt.Sprintf("%d outputs, %d attempts, cached=%v", len(r.Outputs), len(r.Attempts), r.Cached)
}

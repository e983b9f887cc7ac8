// Package engine runs a resolved document end to end: it owns the shared
// scheduler, call cache, localizer and backend, and gives every run its own
// directory, event bus and controller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/me/gowdl/internal/backend"
	"github.com/me/gowdl/internal/cache"
	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/internal/controller"
	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/internal/localize"
	"github.com/me/gowdl/internal/logging"
	"github.com/me/gowdl/internal/metrics"
	"github.com/me/gowdl/internal/rundir"
	"github.com/me/gowdl/internal/scheduler"
	"github.com/me/gowdl/internal/task"
	"github.com/me/gowdl/internal/workflow"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

// Engine executes runs against one configuration.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	backend   backend.Backend
	scheduler *scheduler.Scheduler
	cache     *cache.Cache
	store     cache.Store
	localizer *localize.Localizer
	broker    *events.Broker
	sinks     []events.Sink
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBackend replaces the backend selected from configuration.
func WithBackend(b backend.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithScheduler replaces the scheduler sized from configuration.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithBroker publishes every run's events to live subscribers.
func WithBroker(b *events.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithSinks adds event sinks shared by every run.
func WithSinks(sinks ...events.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// Result is the outcome of one run.
type Result struct {
	RunID   string
	State   model.RunState
	Outputs map[string]value.Value
	Err     error
	Dir     string
}

// New builds an engine from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger.With("component", "engine")}
	for _, o := range opts {
		o(e)
	}

	if e.backend == nil {
		b, err := backend.NewRegistry(logger).Select(cfg.Backend)
		if err != nil {
			return nil, err
		}
		e.backend = b
	}

	if e.scheduler == nil {
		env, err := envelope(cfg.Scheduler, e.logger)
		if err != nil {
			return nil, err
		}
		e.scheduler = scheduler.New(env, scheduler.HostLimits(cfg.Scheduler.HostLimits), logger)
	}

	if cfg.CallCache.Enabled {
		store, err := cache.OpenStore(context.Background(), cfg.CallCache, cfg.CacheDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("open call cache: %w", err)
		}
		e.store = store
		e.cache = cache.New(store, cache.DigestMode(cfg.CallCache.Digest), logger)
	} else {
		e.cache = cache.Disabled(logger)
	}

	e.localizer = localize.New(e.stager(), localize.Options{
		Concurrency: cfg.Localization.Concurrency,
		Attempts:    cfg.Localization.Attempts,
	}, logger)

	e.logger.Info("engine ready",
		"backend", e.backend.Kind(),
		"envelope", e.scheduler.Envelope().String(),
		"call_cache", e.cache.Enabled(),
		"failure_mode", cfg.FailureMode,
	)
	return e, nil
}

// stager routes remote inputs by scheme. An S3 client that cannot be
// configured leaves s3:// locations unsupported rather than failing startup.
func (e *Engine) stager() localize.Stager {
	httpStager := localize.HTTPStagerFromConfig(e.cfg.Localization.HTTP)
	handlers := map[string]localize.Stager{
		value.SchemeHTTP:  httpStager,
		value.SchemeHTTPS: httpStager,
	}
	s3Stager, err := localize.S3StagerFromConfig(context.Background(), e.cfg.Localization.S3)
	if err != nil {
		e.logger.Warn("s3 staging disabled", "error", err)
	} else {
		handlers[value.SchemeS3] = s3Stager
	}
	return localize.NewComposite(handlers)
}

// envelope sizes the scheduler from configuration, probing the host for
// any CPU or memory figure left unset.
func envelope(cfg config.SchedulerConfig, logger *slog.Logger) (scheduler.Envelope, error) {
	if cfg.Unlimited {
		return scheduler.Envelope{Unlimited: true}, nil
	}
	mem, err := cfg.MemoryBytes()
	if err != nil {
		return scheduler.Envelope{}, fmt.Errorf("scheduler.memory: %w", err)
	}
	disk, err := cfg.DiskBytes()
	if err != nil {
		return scheduler.Envelope{}, fmt.Errorf("scheduler.disk: %w", err)
	}
	env := scheduler.Envelope{CPU: cfg.CPU, Memory: mem, GPU: cfg.GPU, Disk: disk}
	if env.CPU > 0 && env.Memory > 0 {
		return env, nil
	}

	host, err := scheduler.HostEnvelope()
	if env.CPU == 0 {
		env.CPU = host.CPU
	}
	if env.Memory == 0 {
		env.Memory = host.Memory
	}
	if env.Memory == 0 {
		if err == nil {
			err = errors.New("host reported no memory")
		}
		return scheduler.Envelope{}, fmt.Errorf("scheduler: set scheduler.memory explicitly: %w", err)
	}
	logger.Debug("probed host envelope", "cpu", env.CPU, "memory", env.Memory)
	return env, nil
}

// Backend returns the backend runs are submitted to.
func (e *Engine) Backend() backend.Backend {
	return e.backend
}

// Scheduler returns the scheduler shared by every run.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Close releases the call cache store.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Check resolves the entrypoint of doc and builds every workflow graph
// reachable from it.
func Check(doc *wdl.Document) (*wdl.Workflow, error) {
	wf, err := doc.Entrypoint()
	if err != nil {
		return nil, model.NewValidationError("%v", err)
	}
	if err := workflow.Check(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Run executes the entrypoint of doc with inputs. A document that fails to
// check is returned as an error before any run directory is created. Once
// the run has started, its failure is reported through Result.State and
// Result.Err, and the returned error is nil.
func (e *Engine) Run(ctx context.Context, doc *wdl.Document, inputs map[string]any) (*Result, error) {
	wf, err := Check(doc)
	if err != nil {
		return nil, err
	}

	runID := ulid.Make().String()
	run, err := rundir.Create(e.cfg.RunDir, runID)
	if err != nil {
		return nil, err
	}
	logger := logging.ForRun(e.logger, runID)

	fileSink, err := events.NewFileSink(run.EventsPath())
	if err != nil {
		return nil, err
	}
	defer fileSink.Close()
	// Live subscribers come last so that every other sink has seen an
	// event by the time a subscriber reacts to it.
	sinks := []events.Sink{fileSink, events.NewLogSink(logger)}
	sinks = append(sinks, e.sinks...)
	if e.broker != nil {
		sinks = append(sinks, e.broker)
	}
	bus := events.NewBus(runID, logger, sinks...)

	ctl := controller.New(ctx, model.FailureMode(e.cfg.FailureMode))
	defer ctl.Close()

	tasks := task.New(task.Config{
		RunID:             runID,
		DefaultImage:      e.cfg.Backend.DefaultImage,
		MaxRetries:        e.cfg.Retry.MaxRetries,
		RetrySubmitErrors: e.cfg.Retry.SubmitErrors,
		PollInitial:       e.cfg.Backend.Poll.Initial,
		PollMax:           e.cfg.Backend.Poll.Max,
	}, task.Deps{
		Backend:    e.backend,
		Scheduler:  e.scheduler,
		Cache:      e.cache,
		Localizer:  e.localizer,
		Controller: ctl,
		Events:     bus,
	}, logger)
	wfe := workflow.New(tasks, ctl, logger)

	logger.Info("run started", "workflow", wf.Name, "dir", run.Dir)
	bus.Emit(events.Event{Type: events.RunStarted, Dir: run.Dir})

	outputs, runErr := func() (map[string]value.Value, error) {
		resolved, err := ResolvePaths(wf, inputs, "")
		if err != nil {
			return nil, err
		}
		return wfe.Run(ctl.Context(), wf, resolved, run.Root())
	}()
	state, runErr := ctl.Terminal(runErr)

	res := &Result{RunID: runID, State: state, Err: runErr, Dir: run.Dir}
	switch state {
	case model.RunStateCompleted:
		res.Outputs = outputs
		bus.Emit(events.Event{Type: events.RunCompleted, Dir: run.Dir, Outputs: exportAll(outputs)})
		logger.Info("run completed", "outputs", len(outputs))
	case model.RunStateCanceled:
		bus.Emit(events.Event{Type: events.RunCanceled, Dir: run.Dir})
		logger.Warn("run canceled")
	default:
		bus.Emit(events.Event{Type: events.RunFailed, Dir: run.Dir, Error: runErr.Error()})
		logger.Error("run failed", "error", runErr)
	}
	metrics.RunFinished(string(state))
	return res, nil
}

func exportAll(vals map[string]value.Value) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		out[k] = value.Export(v)
	}
	return out
}

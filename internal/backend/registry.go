package backend

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/gowdl/internal/config"
)

// Factory builds a backend from configuration.
type Factory func(cfg config.BackendConfig, logger *slog.Logger) (Backend, error)

// Registry maps backend kinds to their factories. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	factories map[Kind]Factory
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the built-in backends.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		factories: make(map[Kind]Factory),
		logger:    logger.With("component", "backend-registry"),
	}
	r.Register(KindLocal, func(_ config.BackendConfig, l *slog.Logger) (Backend, error) {
		return NewLocal(l), nil
	})
	r.Register(KindDocker, func(c config.BackendConfig, l *slog.Logger) (Backend, error) {
		return NewDocker(c.Docker.Binary, c.Docker.ExtraArgs, l), nil
	})
	r.Register(KindApptainer, func(c config.BackendConfig, l *slog.Logger) (Backend, error) {
		return NewApptainer(c.Apptainer.Binary, c.ImageCacheDir, c.Apptainer.ExtraArgs, l), nil
	})
	r.Register(KindSlurm, func(c config.BackendConfig, l *slog.Logger) (Backend, error) {
		return NewSlurm(SlurmOptions{
			Partition:       c.Slurm.Partition,
			Account:         c.Slurm.Account,
			ExtraArgs:       c.Slurm.ExtraArgs,
			ApptainerBinary: c.Apptainer.Binary,
			ImageDir:        c.ImageCacheDir,
		}, l), nil
	})
	r.Register(KindTES, func(c config.BackendConfig, l *slog.Logger) (Backend, error) {
		return NewTES(TESOptions{
			URL:               c.TES.URL,
			Token:             c.TES.Token,
			RequestsPerSecond: c.TES.RequestsPerSecond,
		}, l)
	})
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind Kind, f Factory) {
	r.factories[kind] = f
}

// Kinds lists the registered kinds in order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Select builds the backend named by cfg.Kind.
func (r *Registry) Select(cfg config.BackendConfig) (Backend, error) {
	kind := Kind(cfg.Kind)
	if kind == "" {
		kind = KindLocal
	}
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", kind)
	}
	b, err := f(cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", kind, err)
	}
	r.logger.Info("backend selected", "backend", kind)
	return b, nil
}

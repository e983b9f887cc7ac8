package localize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/me/gowdl/internal/metrics"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
)

// Options bounds a Localizer.
type Options struct {
	// Concurrency caps simultaneous transfers per Localize or LocalizeAll
	// call.
	Concurrency int
	// Attempts is the number of tries per location for transient errors.
	Attempts int
	// RetryDelay is the first backoff delay; it doubles per attempt up to
	// 30s.
	RetryDelay time.Duration
}

// Localizer stages the remote File and Directory locations of task inputs.
// Each location is staged at most once per Localizer; concurrent and later
// requests for it reuse the first download.
type Localizer struct {
	stager Stager
	opts   Options
	logger *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	staged map[string]string
}

// New creates a Localizer.
func New(stager Stager, opts Options, logger *slog.Logger) *Localizer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Localizer{
		stager: stager,
		opts:   opts,
		logger: logger.With("component", "localize"),
		staged: make(map[string]string),
	}
}

// Localize returns v with every remote location replaced by a local path
// under stagingDir. file:// locations are rewritten to plain paths without
// copying.
func (l *Localizer) Localize(ctx context.Context, v value.Value, stagingDir string) (value.Value, error) {
	out, err := l.LocalizeAll(ctx, map[string]value.Value{"": v}, stagingDir)
	if err != nil {
		return nil, err
	}
	return out[""], nil
}

// LocalizeAll localizes every value of vals. Transfers for all values share
// one concurrency limit.
func (l *Localizer) LocalizeAll(ctx context.Context, vals map[string]value.Value, stagingDir string) (map[string]value.Value, error) {
	type item struct {
		kind value.Kind
		loc  string
	}
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)

	var todo []item
	seen := make(map[string]bool)
	for _, name := range names {
		value.Walk(vals[name], func(kind value.Kind, loc string) error {
			if value.IsRemote(loc) && !seen[loc] {
				seen[loc] = true
				todo = append(todo, item{kind, loc})
			}
			return nil
		})
	}

	local := make(map[string]string, len(todo))
	if len(todo) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.opts.Concurrency)
		for _, it := range todo {
			g.Go(func() error {
				p, err := l.stageOnce(gctx, it.kind, it.loc, stagingDir)
				if err != nil {
					return err
				}
				mu.Lock()
				local[it.loc] = p
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	out := make(map[string]value.Value, len(vals))
	for _, name := range names {
		v, err := value.MapPaths(vals[name], func(_ value.Kind, loc string) (string, error) {
			if p, ok := local[loc]; ok {
				return p, nil
			}
			scheme, p := value.ParseLocation(loc)
			if scheme == value.SchemeFile {
				return p, nil
			}
			return loc, nil
		})
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// stageOnce stages loc unless it is already staged or in flight. A caller
// that joined a transfer canceled by another caller retries with its own
// context.
func (l *Localizer) stageOnce(ctx context.Context, kind value.Kind, loc, stagingDir string) (string, error) {
	for {
		l.mu.Lock()
		if p, ok := l.staged[loc]; ok {
			l.mu.Unlock()
			return p, nil
		}
		l.mu.Unlock()

		leader := false
		ch := l.group.DoChan(loc, func() (any, error) {
			leader = true
			dest := destPath(stagingDir, loc)
			if err := l.stageWithRetry(ctx, kind, loc, dest); err != nil {
				return "", err
			}
			l.mu.Lock()
			l.staged[loc] = dest
			l.mu.Unlock()
			return dest, nil
		})
		select {
		case <-ctx.Done():
			return "", model.NewCanceledError(ctx.Err())
		case r := <-ch:
			if r.Err != nil {
				if !leader && model.IsCanceled(r.Err) && ctx.Err() == nil {
					l.logger.Debug("shared transfer canceled, retrying", "location", loc)
					continue
				}
				return "", r.Err
			}
			return r.Val.(string), nil
		}
	}
}

func (l *Localizer) stageWithRetry(ctx context.Context, kind value.Kind, loc, dest string) error {
	scheme, _ := value.ParseLocation(loc)
	var lastErr error
	for attempt := 1; attempt <= l.opts.Attempts; attempt++ {
		if attempt > 1 {
			delay := l.retryDelay(attempt - 1)
			l.logger.Warn("retrying input staging",
				"location", loc, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return model.NewCanceledError(ctx.Err())
			case <-time.After(delay):
			}
		}
		start := time.Now()
		err := l.stager.StageIn(ctx, kind, loc, dest)
		if err == nil {
			metrics.FileLocalized(scheme, "ok")
			l.logger.Debug("staged input", "location", loc, "path", dest, "duration", time.Since(start))
			return nil
		}
		if ctx.Err() != nil {
			return model.NewCanceledError(ctx.Err())
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
	}
	metrics.FileLocalized(scheme, "error")
	ee := model.NewError(model.ErrLocalization, lastErr, "stage %s", loc)
	ee.Retryable = !IsPermanent(lastErr)
	return ee
}

// retryDelay is RetryDelay * 2^(n-1), capped at 30s.
func (l *Localizer) retryDelay(n int) time.Duration {
	delay := l.opts.RetryDelay
	for i := 1; i < n; i++ {
		delay *= 2
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// destPath places each location in its own subdirectory so equal basenames
// from different sources do not collide.
func destPath(stagingDir, loc string) string {
	sum := sha256.Sum256([]byte(loc))
	_, p := value.ParseLocation(loc)
	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		base = "input"
	}
	return filepath.Join(stagingDir, hex.EncodeToString(sum[:6]), base)
}

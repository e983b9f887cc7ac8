// Package cache implements the call cache: write-once entries keyed by a
// digest of the task body, its resolved inputs and its container, with
// same-key requests coalesced into one execution.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/me/gowdl/internal/metrics"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
)

// Outputs are the named output values of one call.
type Outputs map[string]value.Value

// Cache is the front-end used by the task evaluator. A nil store disables
// lookups and writes but keeps coalescing.
type Cache struct {
	store    Store
	digester *Digester
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates a cache over store.
func New(store Store, mode DigestMode, logger *slog.Logger) *Cache {
	return &Cache{
		store:    store,
		digester: NewDigester(mode),
		logger:   logger.With("component", "cache"),
	}
}

// Disabled returns a cache that never hits and never writes.
func Disabled(logger *slog.Logger) *Cache {
	return New(nil, Strong, logger)
}

// Enabled reports whether lookups and writes are performed.
func (c *Cache) Enabled() bool {
	return c.store != nil
}

// Key derives the cache key of a task invocation.
func (c *Cache) Key(taskDigest string, inputs map[string]value.Value, container string) (string, error) {
	key, err := c.digester.Key(taskDigest, inputs, container)
	if err != nil {
		return "", model.NewError(model.ErrCache, err, "derive cache key")
	}
	return key, nil
}

// Lookup returns the cached outputs for key, typed by types. Entries whose
// files no longer exist, or that fail to decode, are misses. Store errors
// are logged and reported as misses.
func (c *Cache) Lookup(ctx context.Context, key string, types map[string]value.Type) (Outputs, bool) {
	if c.store == nil {
		return nil, false
	}
	e, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.CacheLookup("error")
		c.logger.Warn("call cache lookup failed", "cache_key", key, "error", err)
		return nil, false
	}
	if e == nil {
		metrics.CacheLookup("miss")
		return nil, false
	}

	out, err := decodeOutputs(e.Outputs, types)
	if err == nil {
		err = checkPaths(out)
	}
	if err != nil {
		metrics.CacheLookup("stale")
		c.logger.Info("call cache entry unusable", "cache_key", key, "error", err)
		return nil, false
	}
	metrics.CacheLookup("hit")
	c.logger.Debug("call cache hit", "cache_key", key, "task", e.Task)
	return out, true
}

// Store writes outputs under key. An existing entry is left in place.
func (c *Cache) Store(ctx context.Context, key, task string, outputs Outputs) {
	if c.store == nil {
		return
	}
	plain := make(map[string]any, len(outputs))
	for name, v := range outputs {
		plain[name] = value.Export(v)
	}
	data, err := json.Marshal(plain)
	if err != nil {
		c.logger.Warn("call cache encode failed", "cache_key", key, "error", err)
		return
	}
	err = c.store.Put(ctx, &Entry{Key: key, Task: task, Outputs: data, CreatedAt: time.Now().UTC()})
	switch {
	case errors.Is(err, ErrExists):
		c.logger.Debug("call cache entry already present", "cache_key", key)
	case err != nil:
		c.logger.Warn("call cache store failed", "cache_key", key, "error", err)
	}
}

// Do runs fn for key unless an execution for the same key is already in
// flight, in which case the caller waits for that execution's result.
// shared reports whether the result came from another caller's execution.
// When the execution a caller joined was canceled and the caller was not,
// the caller retries and may become the new leader.
func (c *Cache) Do(ctx context.Context, key string, fn func(context.Context) (Outputs, error)) (out Outputs, shared bool, err error) {
	for {
		leader := false
		ch := c.group.DoChan(key, func() (any, error) {
			leader = true
			return fn(ctx)
		})
		select {
		case <-ctx.Done():
			return nil, false, model.NewCanceledError(ctx.Err())
		case r := <-ch:
			if r.Err != nil {
				if !leader && model.IsCanceled(r.Err) && ctx.Err() == nil {
					c.logger.Debug("coalesced execution canceled, retrying", "cache_key", key)
					continue
				}
				return nil, !leader, r.Err
			}
			return r.Val.(Outputs), !leader, nil
		}
	}
}

func decodeOutputs(data []byte, types map[string]value.Type) (Outputs, error) {
	var plain map[string]any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	out := make(Outputs, len(types))
	for name, t := range types {
		v, err := value.Import(plain[name], t)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func checkPaths(out Outputs) error {
	for name, v := range out {
		err := value.Walk(v, func(_ value.Kind, p string) error {
			if value.IsRemote(p) {
				return nil
			}
			_, local := value.ParseLocation(p)
			if _, err := os.Stat(local); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
	}
	return nil
}

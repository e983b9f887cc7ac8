package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/gowdl/internal/config"
)

// ErrExists is returned by Put when the key already has an entry. Entries
// are write-once.
var ErrExists = errors.New("cache entry already exists")

// Entry is one cached call result.
type Entry struct {
	Key       string          `json:"key"`
	Task      string          `json:"task"`
	Outputs   json.RawMessage `json:"outputs"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists cache entries.
type Store interface {
	// Get returns the entry for key, or nil on a miss.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put writes e unless its key already exists, in which case the stored
	// entry is left untouched and ErrExists is returned.
	Put(ctx context.Context, e *Entry) error
	Close() error
}

// OpenStore opens the store selected by cfg. dir is the file or SQLite
// location when cfg.Store is file or sqlite.
func OpenStore(ctx context.Context, cfg config.CallCacheConfig, dir string, logger *slog.Logger) (Store, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileStore(dir)
	case "sqlite":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		s, err := NewSQLiteStore(filepath.Join(dir, "cache.db"), logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.CreateSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown call cache store %q", cfg.Store)
	}
}

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS call_cache (
		key        TEXT PRIMARY KEY,
		task       TEXT NOT NULL,
		outputs    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_cache_task ON call_cache(task)`,
}

// SQLiteStore keeps entries in a SQLite database. It suits a cache shared by
// runs on one host.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "cache-sqlite")}, nil
}

// Migrate creates the cache table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.logger.Debug("sql", "op", "select", "table", "call_cache", "key", key)
	var (
		e       Entry
		outputs string
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, task, outputs, created_at FROM call_cache WHERE key = ?`, key,
	).Scan(&e.Key, &e.Task, &outputs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.Outputs = []byte(outputs)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e *Entry) error {
	s.logger.Debug("sql", "op", "insert", "table", "call_cache", "key", e.Key)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO call_cache (key, task, outputs, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		e.Key, e.Task, string(e.Outputs), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

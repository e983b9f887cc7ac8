package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gowdl_call_cache (
    key        TEXT PRIMARY KEY,
    task       TEXT NOT NULL,
    outputs    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_gowdl_call_cache_task ON gowdl_call_cache(task);
`

// PostgresStore keeps entries in PostgreSQL, for a cache shared by hosts of
// a cluster.
type PostgresStore struct {
	db    *pgxpool.Pool
	owned bool
}

// NewPostgresStore wraps an existing pool. Close does not close it.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to dsn with a new pool owned by the store.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres call cache requires a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool, owned: true}, nil
}

// CreateSchema creates the cache table if it does not exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("create call cache schema: %w", err)
	}
	return nil
}

// DropSchema drops the cache table.
func (s *PostgresStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS gowdl_call_cache`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		e       Entry
		outputs string
	)
	err := s.db.QueryRow(ctx,
		`SELECT key, task, outputs::text, created_at FROM gowdl_call_cache WHERE key = $1`, key,
	).Scan(&e.Key, &e.Task, &outputs, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.Outputs = []byte(outputs)
	return &e, nil
}

func (s *PostgresStore) Put(ctx context.Context, e *Entry) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO gowdl_call_cache (key, task, outputs, created_at) VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (key) DO NOTHING`,
		e.Key, e.Task, string(e.Outputs), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.db.Close()
	}
	return nil
}

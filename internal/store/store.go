// Package store persists spoken translations. Persistence is strictly
// best-effort: the pipeline records what was performed, it never blocks or
// fails on the database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Translation is one persisted record of a spoken turn.
type Translation struct {
	SessionID      string
	UserID         string
	OriginalText   string
	TranslatedText string
	Language       string
}

// Store accepts translation records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert persists one translation. Failures are reported to the caller,
	// which logs and moves on — inserts are never retried.
	Insert(ctx context.Context, t Translation) error

	// Close releases underlying resources.
	Close()
}

// Postgres is a Store backed by a PostgreSQL connection pool.
// All operations are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store, establishes a connection pool to the
// database at dsn and runs [Migrate] to ensure the translations table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate ensures the translations table exists.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS translations (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    original_text   TEXT NOT NULL,
    translated_text TEXT NOT NULL,
    language        TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS translations_session_idx ON translations (session_id, created_at);`

	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create translations table: %w", err)
	}
	return nil
}

// Insert persists one translation record.
func (s *Postgres) Insert(ctx context.Context, t Translation) error {
	const q = `
INSERT INTO translations (id, session_id, user_id, original_text, translated_text, language, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		uuid.NewString(), t.SessionID, t.UserID, t.OriginalText, t.TranslatedText, t.Language, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert translation: %w", err)
	}
	return nil
}

// Ping probes database connectivity. Used by the readiness check.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

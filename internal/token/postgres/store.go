// Package postgres provides a Postgres-backed token store for deployments
// that already run a relational database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ripperd/internal/token"
)

// Config controls the Postgres connection pool used for token records.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a Postgres-backed token.Store.
type Store struct {
	pool pgxPool
}

// New connects to Postgres using the provided config and ensures the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("tokens.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS download_tokens (
	token TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	artifact_path TEXT NOT NULL,
	artifact_size BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_tokens_job_id ON download_tokens(job_id);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init token schema: %w", err)
	}
	return nil
}

// Put inserts or replaces a token record.
func (s *Store) Put(ctx context.Context, rec token.Record) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO download_tokens (token, job_id, issued_at, expires_at, artifact_path, artifact_size)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token) DO UPDATE SET
	job_id = EXCLUDED.job_id,
	issued_at = EXCLUDED.issued_at,
	expires_at = EXCLUDED.expires_at,
	artifact_path = EXCLUDED.artifact_path,
	artifact_size = EXCLUDED.artifact_size`,
		rec.Token, rec.JobID, rec.IssuedAt, rec.ExpiresAt, rec.ArtifactPath, rec.ArtifactSize,
	)
	if err != nil {
		return fmt.Errorf("insert token record: %w", err)
	}
	return nil
}

// Get loads a record by token string.
func (s *Store) Get(ctx context.Context, tok string) (token.Record, error) {
	row := s.pool.QueryRow(ctx, `
SELECT token, job_id, issued_at, expires_at, artifact_path, artifact_size
FROM download_tokens WHERE token = $1`, tok)

	var rec token.Record
	err := row.Scan(&rec.Token, &rec.JobID, &rec.IssuedAt, &rec.ExpiresAt, &rec.ArtifactPath, &rec.ArtifactSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return token.Record{}, token.ErrRecordNotFound
	}
	if err != nil {
		return token.Record{}, fmt.Errorf("query token record: %w", err)
	}
	return rec, nil
}

// DeleteByJob removes every record issued for the job.
func (s *Store) DeleteByJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM download_tokens WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete token records: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

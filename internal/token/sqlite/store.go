// Package sqlite persists download tokens in a local SQLite database so they
// survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ripperd/internal/token"
)

// Store is a SQLite-backed token.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the token database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS download_tokens (
		token TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		artifact_size INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_download_tokens_job_id ON download_tokens(job_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init token schema: %w", err)
	}
	return nil
}

// Put inserts or replaces a token record.
func (s *Store) Put(ctx context.Context, rec token.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO download_tokens
			(token, job_id, issued_at, expires_at, artifact_path, artifact_size)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Token,
		rec.JobID,
		rec.IssuedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		rec.ArtifactPath,
		rec.ArtifactSize,
	)
	if err != nil {
		return fmt.Errorf("insert token record: %w", err)
	}
	return nil
}

// Get loads a record by token string.
func (s *Store) Get(ctx context.Context, tok string) (token.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, job_id, issued_at, expires_at, artifact_path, artifact_size
		FROM download_tokens WHERE token = ?`, tok)

	var rec token.Record
	var issued, expires string
	err := row.Scan(&rec.Token, &rec.JobID, &issued, &expires, &rec.ArtifactPath, &rec.ArtifactSize)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Record{}, token.ErrRecordNotFound
	}
	if err != nil {
		return token.Record{}, fmt.Errorf("query token record: %w", err)
	}
	if rec.IssuedAt, err = time.Parse(time.RFC3339Nano, issued); err != nil {
		return token.Record{}, fmt.Errorf("parse issued_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return token.Record{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return rec, nil
}

// DeleteByJob removes every record issued for the job.
func (s *Store) DeleteByJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_tokens WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete token records: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

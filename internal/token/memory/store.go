// Package memory provides an in-memory token store for development/testing.
package memory

import (
	"context"
	"sync"

	"ripperd/internal/token"
)

// Store keeps token records in a map. Not durable; real deployments use the
// sqlite or postgres stores.
type Store struct {
	mu      sync.RWMutex
	records map[string]token.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]token.Record)}
}

// Put inserts or replaces a record.
func (s *Store) Put(_ context.Context, rec token.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Token] = rec
	return nil
}

// Get fetches a record by token string.
func (s *Store) Get(_ context.Context, tok string) (token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[tok]
	if !ok {
		return token.Record{}, token.ErrRecordNotFound
	}
	return rec, nil
}

// DeleteByJob removes every record issued for the job.
func (s *Store) DeleteByJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, rec := range s.records {
		if rec.JobID == jobID {
			delete(s.records, tok)
		}
	}
	return nil
}

// Close implements token.Store; it performs no action.
func (s *Store) Close() error {
	return nil
}

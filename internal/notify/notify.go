// Package notify publishes job completion events for downstream consumers.
package notify

import (
	"context"

	"ripperd/internal/rip"
)

// Event describes one terminal job transition.
type Event struct {
	JobID     string        `json:"job_id"`
	Status    rip.JobStatus `json:"status"`
	SourceURL string        `json:"source_url"`
	Error     string        `json:"error,omitempty"`
	SizeBytes int64         `json:"size_bytes,omitempty"`
}

// Publisher pushes completion events. Implementations must tolerate being
// called from multiple workers concurrently.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NoOp discards every event. Used when no broker is configured.
type NoOp struct{}

// Publish implements Publisher.
func (NoOp) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NoOp) Close() error { return nil }

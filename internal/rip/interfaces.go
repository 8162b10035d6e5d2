package rip

import (
	"context"
	"time"
)

// RunRequest carries everything a Runner needs to mirror one site.
type RunRequest struct {
	JobID     string
	SourceURL string
}

// LogSink receives log lines from a Runner. Implementations append to the
// owning job's log buffer and must be safe for concurrent use.
type LogSink interface {
	Append(level LogLevel, message string)
}

// Runner performs the actual site-mirroring work. Implementations must check
// cancelled at safe checkpoints and return ErrCancelled after discarding any
// partial output. Any other error marks the job failed.
type Runner interface {
	Run(ctx context.Context, req RunRequest, sink LogSink, cancelled func() bool) (Artifact, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

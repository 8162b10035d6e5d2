// Package rip defines core types shared across subsystems.
package rip

import "time"

// JobStatus represents the lifecycle state of a rip job.
type JobStatus string

// Job status values held in the registry.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never change
// status, error, or artifact again; only the sweeper removes them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// LogLevel classifies a log entry.
type LogLevel string

// Supported log levels.
const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one item in a job's append-only log buffer. Cursors start at 0
// and are strictly increasing per job.
type LogEntry struct {
	Cursor    int       `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Artifact describes the archive produced by a successful run.
type Artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Job is the registry's record for one rip request. The registry hands out
// copies; mutations go through registry operations only.
type Job struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	SourceURL       string     `json:"source_url"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	Artifact        *Artifact  `json:"artifact,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	DownloadToken   string     `json:"-"`
}

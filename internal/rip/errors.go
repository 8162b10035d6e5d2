package rip

import "errors"

// Sentinel errors shared across the service. Handlers map these onto HTTP
// status codes; everything else is treated as internal.
var (
	// ErrValidation marks user-fixable input problems.
	ErrValidation = errors.New("invalid input")
	// ErrQueueFull is returned when the admission queue is at capacity.
	// Transient; callers should retry with backoff.
	ErrQueueFull = errors.New("job queue is full")
	// ErrNotFound covers unknown or already-swept jobs and missing artifacts.
	ErrNotFound = errors.New("not found")
	// ErrTokenInvalid is returned for malformed or forged download tokens.
	ErrTokenInvalid = errors.New("download token invalid")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("download token expired")
	// ErrCancelled is returned by a Runner that observed the cancel flag.
	// The runner must discard partial output before returning it.
	ErrCancelled = errors.New("job cancelled")
	// ErrIllegalTransition indicates a state-machine bug, not a user error.
	// Callers report it via DPanic rather than surfacing it over the API.
	ErrIllegalTransition = errors.New("illegal job status transition")
)

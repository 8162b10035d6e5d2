// Package registry holds the in-memory directory of rip jobs and owns every
// state transition. Job and log state is volatile: a restarted process
// serves only previously issued download tokens, never old jobs.
package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ripperd/internal/queue"
	"ripperd/internal/rip"
)

const defaultLogReadLimit = 500

// Config controls registry behavior.
type Config struct {
	// TTL is how long terminal jobs and their artifacts are retained.
	TTL time.Duration
	// AllowedHosts restricts source URLs by host suffix. Empty allows any host.
	AllowedHosts []string
	// LogReadLimit caps entries returned per ReadLogs call (default 500).
	LogReadLimit int
}

// Registry is the owner of all Job records and their log buffers. All methods
// are safe for concurrent use by workers, pollers, and the sweeper.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*record
	queue *queue.Queue
	clock rip.Clock
	idGen rip.IDGenerator
	cfg   Config
}

type record struct {
	job  rip.Job
	logs []rip.LogEntry
}

// Transitions out of each non-terminal state. Terminal states have no edges.
var legalEdges = map[rip.JobStatus][]rip.JobStatus{
	rip.JobStatusQueued:  {rip.JobStatusRunning, rip.JobStatusCancelled},
	rip.JobStatusRunning: {rip.JobStatusSucceeded, rip.JobStatusFailed, rip.JobStatusCancelled},
}

// New constructs a Registry draining into the provided admission queue.
func New(q *queue.Queue, clock rip.Clock, idGen rip.IDGenerator, cfg Config) *Registry {
	if cfg.LogReadLimit <= 0 {
		cfg.LogReadLimit = defaultLogReadLimit
	}
	return &Registry{
		jobs:  make(map[string]*record),
		queue: q,
		clock: clock,
		idGen: idGen,
		cfg:   cfg,
	}
}

// Create validates the source URL, registers a queued Job with an empty log
// buffer, and enqueues its ID. On a full queue no Job is created and
// rip.ErrQueueFull is returned; callers never observe a half-created Job.
func (r *Registry) Create(sourceURL string) (rip.Job, error) {
	if err := r.validateSourceURL(sourceURL); err != nil {
		return rip.Job{}, err
	}
	id, err := r.idGen.NewID()
	if err != nil {
		return rip.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	job := rip.Job{
		ID:        id,
		Status:    rip.JobStatusQueued,
		SourceURL: sourceURL,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &record{job: job}
	if err := r.queue.TryEnqueue(id); err != nil {
		delete(r.jobs, id)
		return rip.Job{}, err
	}
	return job, nil
}

// Get returns a snapshot of the job or rip.ErrNotFound.
func (r *Registry) Get(id string) (rip.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return rip.Job{}, fmt.Errorf("job %s: %w", id, rip.ErrNotFound)
	}
	return cloneJob(rec.job), nil
}

// AppendLog atomically appends an entry with the next cursor value and bumps
// the job's updated_at.
func (r *Registry) AppendLog(id string, level rip.LogLevel, message string) (rip.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return rip.LogEntry{}, fmt.Errorf("job %s: %w", id, rip.ErrNotFound)
	}
	entry := rip.LogEntry{
		Cursor:    len(rec.logs),
		Timestamp: r.clock.Now(),
		Level:     level,
		Message:   message,
	}
	rec.logs = append(rec.logs, entry)
	rec.job.UpdatedAt = entry.Timestamp
	return entry, nil
}

// ReadLogs returns entries with cursor >= since in cursor order, at most the
// configured read limit per call. nextCursor is the value to pass as since on
// the following call; hasMore reports whether the limit truncated the result.
// It never blocks behind a running job and never re-delivers an entry to a
// caller that advances since.
func (r *Registry) ReadLogs(id string, since int) (entries []rip.LogEntry, nextCursor int, hasMore bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return nil, 0, false, fmt.Errorf("job %s: %w", id, rip.ErrNotFound)
	}
	if since < 0 {
		since = 0
	}
	// Cursors are assigned densely from 0 and the buffer is append-only, so
	// the cursor doubles as the slice index.
	if since >= len(rec.logs) {
		return []rip.LogEntry{}, len(rec.logs), false, nil
	}
	tail := rec.logs[since:]
	if len(tail) > r.cfg.LogReadLimit {
		tail = tail[:r.cfg.LogReadLimit]
		hasMore = true
	}
	entries = make([]rip.LogEntry, len(tail))
	copy(entries, tail)
	return entries, entries[len(entries)-1].Cursor + 1, hasMore, nil
}

// Transition moves the job along a legal state-machine edge. errText is
// recorded only on failed; artifact only on succeeded. Entering a terminal
// state stamps expires_at exactly once as now + TTL. An illegal edge returns
// rip.ErrIllegalTransition, which callers treat as a bug (DPanic), never as
// an API error.
func (r *Registry) Transition(id string, status rip.JobStatus, errText string, artifact *rip.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, rip.ErrNotFound)
	}
	return r.transitionLocked(rec, status, errText, artifact)
}

func (r *Registry) transitionLocked(rec *record, status rip.JobStatus, errText string, artifact *rip.Artifact) error {
	if !edgeAllowed(rec.job.Status, status) {
		return fmt.Errorf("%w: %s -> %s (job %s)", rip.ErrIllegalTransition, rec.job.Status, status, rec.job.ID)
	}
	now := r.clock.Now()
	rec.job.Status = status
	rec.job.UpdatedAt = now
	switch status {
	case rip.JobStatusFailed:
		rec.job.Error = errText
	case rip.JobStatusSucceeded:
		if artifact != nil {
			a := *artifact
			rec.job.Artifact = &a
		}
	}
	if status.Terminal() {
		expires := now.Add(r.cfg.TTL)
		rec.job.ExpiresAt = &expires
	}
	return nil
}

// ClaimForRun atomically moves a queued job into running on behalf of the
// worker that dequeued it. claimed is false, with no error, when the job was
// cancelled while queued or already swept; the worker skips such IDs. Any
// other state means two executors claimed the same ID, reported as
// rip.ErrIllegalTransition.
func (r *Registry) ClaimForRun(id string) (job rip.Job, claimed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return rip.Job{}, false, nil
	}
	switch rec.job.Status {
	case rip.JobStatusCancelled:
		return rip.Job{}, false, nil
	case rip.JobStatusQueued:
		if err := r.transitionLocked(rec, rip.JobStatusRunning, "", nil); err != nil {
			return rip.Job{}, false, err
		}
		return cloneJob(rec.job), true, nil
	default:
		return rip.Job{}, false, fmt.Errorf("%w: claim of job %s while %s", rip.ErrIllegalTransition, id, rec.job.Status)
	}
}

// SetDownloadToken records the minted token on a succeeded job so views can
// build the download URL.
func (r *Registry) SetDownloadToken(id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, rip.ErrNotFound)
	}
	rec.job.DownloadToken = token
	return nil
}

// RequestCancel sets the advisory cancel flag. A job still queued transitions
// to cancelled synchronously and leaves the admission queue, freeing its slot
// for new work; a running job relies on the Runner observing the flag
// cooperatively.
func (r *Registry) RequestCancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, rip.ErrNotFound)
	}
	if rec.job.Status.Terminal() {
		return nil
	}
	rec.job.CancelRequested = true
	rec.job.UpdatedAt = r.clock.Now()
	if rec.job.Status == rip.JobStatusQueued {
		// Cannot fail: queued -> cancelled is a legal edge.
		if err := r.transitionLocked(rec, rip.JobStatusCancelled, "", nil); err != nil {
			return err
		}
		// A no-op when a worker dequeued the ID first; ClaimForRun then
		// reports the cancel and the worker skips it.
		r.queue.Remove(id)
	}
	return nil
}

// Cancelled reports the advisory flag; it is the cancel_flag handed to the
// Runner. Unknown jobs report true so an orphaned runner stops promptly.
func (r *Registry) Cancelled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return true
	}
	return rec.job.CancelRequested
}

// ListExpired returns snapshots of terminal jobs whose expires_at has passed.
func (r *Registry) ListExpired(now time.Time) []rip.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rip.Job
	for _, rec := range r.jobs {
		if rec.job.Status.Terminal() && rec.job.ExpiresAt != nil && !rec.job.ExpiresAt.After(now) {
			out = append(out, cloneJob(rec.job))
		}
	}
	return out
}

// Remove deletes the job and its log buffer. Only the sweeper calls this for
// expired jobs; removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Len reports the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) validateSourceURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: source_url is required", rip.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: source_url is not a valid URL", rip.ErrValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: source_url scheme must be http or https", rip.ErrValidation)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: source_url host is required", rip.ErrValidation)
	}
	if len(r.cfg.AllowedHosts) > 0 && !hostAllowed(u.Hostname(), r.cfg.AllowedHosts) {
		return fmt.Errorf("%w: source_url host %q is not allowed", rip.ErrValidation, u.Hostname())
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, domain := range allowed {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func edgeAllowed(from, to rip.JobStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func cloneJob(job rip.Job) rip.Job {
	cp := job
	if job.ExpiresAt != nil {
		t := *job.ExpiresAt
		cp.ExpiresAt = &t
	}
	if job.Artifact != nil {
		a := *job.Artifact
		cp.Artifact = &a
	}
	return cp
}

// Sink adapts the registry into a rip.LogSink for one job. Append errors are
// dropped: a swept job has nowhere to log to.
type Sink struct {
	Registry *Registry
	JobID    string
	Logger   *zap.Logger
}

// Append implements rip.LogSink.
func (s Sink) Append(level rip.LogLevel, message string) {
	if _, err := s.Registry.AppendLog(s.JobID, level, message); err != nil && s.Logger != nil {
		s.Logger.Debug("append log to removed job", zap.String("job_id", s.JobID), zap.Error(err))
	}
}

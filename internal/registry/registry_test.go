package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ripperd/internal/queue"
	"ripperd/internal/rip"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu   sync.Mutex
	next int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("job-%d", g.next), nil
}

func newTestRegistry(t *testing.T, queueLimit int, cfg Config) (*Registry, *queue.Queue, *fakeClock) {
	t.Helper()
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := queue.New(queueLimit)
	return New(q, clock, &seqIDGen{}, cfg), q, clock
}

func TestCreateQueuesJob(t *testing.T) {
	t.Parallel()

	reg, q, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusQueued, job.Status)
	require.Equal(t, "https://example.com/x", job.SourceURL)
	require.Nil(t, job.ExpiresAt)
	require.Equal(t, 1, q.Depth())

	entries, next, hasMore, err := reg.ReadLogs(job.ID, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, 0, next)
	require.False(t, hasMore)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{AllowedHosts: []string{"example.com"}})

	cases := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/x"},
		{"bad scheme", "ftp://example.com/x"},
		{"no host", "https:///x"},
		{"host not allowed", "https://evil.test/x"},
		{"suffix trick", "https://notexample.com/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Create(tc.url)
			require.ErrorIs(t, err, rip.ErrValidation)
		})
	}

	_, err := reg.Create("https://preview.example.com/x")
	require.NoError(t, err)
}

func TestCreateQueueFullLeavesNoJob(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 1, Config{})
	first, err := reg.Create("https://example.com/a")
	require.NoError(t, err)

	_, err = reg.Create("https://example.com/b")
	require.ErrorIs(t, err, rip.ErrQueueFull)
	require.Equal(t, 1, reg.Len())

	_, err = reg.Get(first.ID)
	require.NoError(t, err)
}

func TestAppendAndReadLogs(t *testing.T) {
	t.Parallel()

	reg, _, clock := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, err := reg.AppendLog(job.ID, rip.LevelInfo, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	entries, next, hasMore, err := reg.ReadLogs(job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.False(t, hasMore)
	require.Equal(t, 5, next)
	for i, entry := range entries {
		require.Equal(t, i, entry.Cursor)
	}

	// Advancing since never re-delivers an entry.
	entries, next2, _, err := reg.ReadLogs(job.ID, next)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, next, next2)

	_, err = reg.AppendLog(job.ID, rip.LevelWarn, "late line")
	require.NoError(t, err)
	entries, next3, _, err := reg.ReadLogs(job.ID, next2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 5, entries[0].Cursor)
	require.Equal(t, 6, next3)

	snapshot, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, clock.Now(), snapshot.UpdatedAt)
}

func TestReadLogsLimitSetsHasMore(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{LogReadLimit: 3})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := reg.AppendLog(job.ID, rip.LevelInfo, "line")
		require.NoError(t, err)
	}

	entries, next, hasMore, err := reg.ReadLogs(job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, hasMore)
	require.Equal(t, 3, next)

	entries, next, hasMore, err = reg.ReadLogs(job.ID, next)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.False(t, hasMore)
	require.Equal(t, 5, next)
}

func TestConcurrentAppendsKeepCursorsDense(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _ = reg.AppendLog(job.ID, rip.LevelInfo, "concurrent line")
			}
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	since := 0
	for {
		entries, next, hasMore, err := reg.ReadLogs(job.ID, since)
		require.NoError(t, err)
		for _, entry := range entries {
			require.False(t, seen[entry.Cursor], "cursor %d delivered twice", entry.Cursor)
			seen[entry.Cursor] = true
		}
		since = next
		if !hasMore {
			break
		}
	}
	require.Len(t, seen, writers*perWriter)
}

func TestTransitionStateMachine(t *testing.T) {
	t.Parallel()

	reg, _, clock := newTestRegistry(t, 4, Config{TTL: time.Minute})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)

	require.NoError(t, reg.Transition(job.ID, rip.JobStatusRunning, "", nil))
	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusRunning, got.Status)
	require.Nil(t, got.ExpiresAt)

	artifact := &rip.Artifact{Path: "/tmp/a.zip", Size: 1024}
	require.NoError(t, reg.Transition(job.ID, rip.JobStatusSucceeded, "", artifact))
	got, err = reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.Artifact)
	require.Equal(t, int64(1024), got.Artifact.Size)
	require.NotNil(t, got.ExpiresAt)
	require.Equal(t, clock.Now().Add(time.Minute), *got.ExpiresAt)

	// Terminal states are never left.
	err = reg.Transition(job.ID, rip.JobStatusRunning, "", nil)
	require.ErrorIs(t, err, rip.ErrIllegalTransition)
	err = reg.Transition(job.ID, rip.JobStatusFailed, "late failure", nil)
	require.ErrorIs(t, err, rip.ErrIllegalTransition)

	// expires_at was computed exactly once.
	clock.Advance(time.Hour)
	got2, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, *got.ExpiresAt, *got2.ExpiresAt)
}

func TestTransitionSkipRunningIsIllegal(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)

	err = reg.Transition(job.ID, rip.JobStatusSucceeded, "", nil)
	require.ErrorIs(t, err, rip.ErrIllegalTransition)
}

func TestTransitionFailedRecordsError(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)
	require.NoError(t, reg.Transition(job.ID, rip.JobStatusRunning, "", nil))
	require.NoError(t, reg.Transition(job.ID, rip.JobStatusFailed, "wget exited with code 4", nil))

	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusFailed, got.Status)
	require.Equal(t, "wget exited with code 4", got.Error)
	require.Nil(t, got.Artifact)
	require.NotNil(t, got.ExpiresAt)
}

func TestRequestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)

	require.NoError(t, reg.RequestCancel(job.ID))
	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusCancelled, got.Status)
	require.True(t, got.CancelRequested)
	require.NotNil(t, got.ExpiresAt)
	require.True(t, reg.Cancelled(job.ID))
}

func TestRequestCancelQueuedJobFreesQueueSlot(t *testing.T) {
	t.Parallel()

	reg, q, _ := newTestRegistry(t, 1, Config{})
	job, err := reg.Create("https://example.com/a")
	require.NoError(t, err)

	_, err = reg.Create("https://example.com/b")
	require.ErrorIs(t, err, rip.ErrQueueFull)

	require.NoError(t, reg.RequestCancel(job.ID))
	require.Equal(t, 0, q.Depth())

	next, err := reg.Create("https://example.com/b")
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusQueued, next.Status)
}

func TestClaimForRun(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)

	got, claimed, err := reg.ClaimForRun(job.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, rip.JobStatusRunning, got.Status)
	require.Equal(t, job.SourceURL, got.SourceURL)

	// A second claim of the same ID is a scheduler fault.
	_, claimed, err = reg.ClaimForRun(job.ID)
	require.ErrorIs(t, err, rip.ErrIllegalTransition)
	require.False(t, claimed)
}

func TestClaimForRunSkipsCancelledAndSweptJobs(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)
	require.NoError(t, reg.RequestCancel(job.ID))

	// Cancel landed between dequeue and claim: not claimed, no fault.
	_, claimed, err := reg.ClaimForRun(job.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusCancelled, got.Status)

	_, claimed, err = reg.ClaimForRun("job-unknown")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestRequestCancelRunningJobIsAdvisory(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)
	require.NoError(t, reg.Transition(job.ID, rip.JobStatusRunning, "", nil))

	require.NoError(t, reg.RequestCancel(job.ID))
	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, rip.JobStatusRunning, got.Status)
	require.True(t, got.CancelRequested)
	require.True(t, reg.Cancelled(job.ID))
}

func TestListExpiredAndRemove(t *testing.T) {
	t.Parallel()

	reg, q, clock := newTestRegistry(t, 4, Config{TTL: time.Minute})
	fresh, err := reg.Create("https://example.com/fresh")
	require.NoError(t, err)
	stale, err := reg.Create("https://example.com/stale")
	require.NoError(t, err)
	_, _ = q.Dequeue(t.Context())
	_, _ = q.Dequeue(t.Context())

	require.NoError(t, reg.Transition(stale.ID, rip.JobStatusRunning, "", nil))
	require.NoError(t, reg.Transition(stale.ID, rip.JobStatusFailed, "boom", nil))

	require.Empty(t, reg.ListExpired(clock.Now()))
	clock.Advance(2 * time.Minute)

	expired := reg.ListExpired(clock.Now())
	require.Len(t, expired, 1)
	require.Equal(t, stale.ID, expired[0].ID)

	reg.Remove(stale.ID)
	_, err = reg.Get(stale.ID)
	require.ErrorIs(t, err, rip.ErrNotFound)
	_, err = reg.Get(fresh.ID)
	require.NoError(t, err)

	// Removing twice is harmless.
	reg.Remove(stale.ID)
}

func TestGetReturnsSnapshotCopies(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, 4, Config{})
	job, err := reg.Create("https://example.com/x")
	require.NoError(t, err)
	require.NoError(t, reg.Transition(job.ID, rip.JobStatusRunning, "", nil))
	require.NoError(t, reg.Transition(job.ID, rip.JobStatusSucceeded, "", &rip.Artifact{Path: "/tmp/a.zip", Size: 10}))

	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	got.Artifact.Size = 9999
	got.ExpiresAt = nil

	again, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), again.Artifact.Size)
	require.NotNil(t, again.ExpiresAt)
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ripperd/internal/rip"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := New(2)
	require.NoError(t, q.TryEnqueue("job-1"))
	require.NoError(t, q.TryEnqueue("job-2"))
	require.Equal(t, 2, q.Depth())

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	id, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-2", id)
	require.Equal(t, 0, q.Depth())
}

func TestQueueFullRejectsImmediately(t *testing.T) {
	t.Parallel()

	q := New(1)
	require.NoError(t, q.TryEnqueue("primed"))

	start := time.Now()
	err := q.TryEnqueue("overflow")
	require.ErrorIs(t, err, rip.ErrQueueFull)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := New(1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		id, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- id
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.TryEnqueue("job-1"))

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueRemoveFreesSlot(t *testing.T) {
	t.Parallel()

	q := New(1)
	require.NoError(t, q.TryEnqueue("job-1"))
	require.ErrorIs(t, q.TryEnqueue("job-2"), rip.ErrQueueFull)

	require.True(t, q.Remove("job-1"))
	require.Equal(t, 0, q.Depth())
	require.False(t, q.Remove("job-1"))

	require.NoError(t, q.TryEnqueue("job-2"))
	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-2", id)
}

func TestQueueRemovePreservesOrder(t *testing.T) {
	t.Parallel()

	q := New(3)
	require.NoError(t, q.TryEnqueue("job-1"))
	require.NoError(t, q.TryEnqueue("job-2"))
	require.NoError(t, q.TryEnqueue("job-3"))

	require.True(t, q.Remove("job-2"))

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
	id, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-3", id)
}

func TestQueueDequeueCancelation(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := New(1)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.EqualError(t, err, "queue closed")
	// Closing twice should be safe.
	q.Close()
}

// Package queue provides the bounded admission queue for rip jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ripperd/internal/rip"
)

// Queue is a bounded in-memory FIFO of job IDs. Enqueue never blocks; a full
// queue is the system's only backpressure signal. A pending ID can be removed
// before dequeue so a cancelled job frees its admission slot immediately.
type Queue struct {
	mu       sync.Mutex
	items    []string
	capacity int
	closed   bool

	// signal carries at most one wake-up token for blocked Dequeue calls;
	// done is closed once on Close to release every waiter.
	signal chan struct{}
	done   chan struct{}
}

// New constructs a queue with the provided capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// TryEnqueue pushes a job ID or fails immediately with rip.ErrQueueFull when
// the queue is at capacity.
func (q *Queue) TryEnqueue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	if len(q.items) >= q.capacity {
		return rip.ErrQueueFull
	}
	q.items = append(q.items, jobID)
	q.notify()
	return nil
}

// Dequeue pops the next job ID, blocking while the queue is empty and
// respecting context cancellation. Remaining IDs are drained before a closed
// queue reports the close.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			jobID := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return jobID, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", errors.New("queue closed")
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.signal:
		}
	}
}

// Remove deletes a pending job ID, freeing its slot for new admissions. It
// reports whether the ID was still pending; an already dequeued or unknown ID
// is a no-op.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.items {
		if id == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Depth reports the number of pending job IDs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity reports the bound the queue was created with.
func (q *Queue) Capacity() int {
	return q.capacity
}

// notify hands a wake-up token to one blocked Dequeue. Callers hold q.mu.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close stops admissions and wakes blocked Dequeue calls. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

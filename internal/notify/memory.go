package notify

import (
	"context"
	"sync"
)

// Memory records published events for inspection in tests.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemory returns an empty Memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the event.
func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close implements Publisher.
func (m *Memory) Close() error { return nil }

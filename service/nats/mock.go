package nats

import (
	"context"
	"sync"
)

// MockPublisher records events in memory. Used by tests and as a no-op
// publisher when NATS is not configured.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*TransactionEvent
	publishError error
	closed       bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (m *MockPublisher) Events() []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TransactionEvent, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOn returns the events published on one subject.
func (m *MockPublisher) EventsOn(subject string) []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TransactionEvent
	for _, e := range m.events {
		if e.Subject() == subject {
			out = append(out, e)
		}
	}
	return out
}

func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

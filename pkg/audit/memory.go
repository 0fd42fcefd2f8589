package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps events in memory. Used by tests and the CLI dry runs.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLogger() *MemoryLogger { return &MemoryLogger{} }

func (m *MemoryLogger) Record(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, complete(ctx, evt))
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Actions lists the recorded actions in order.
func (m *MemoryLogger) Actions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Action, len(m.events))
	for i, e := range m.events {
		out[i] = e.Action
	}
	return out
}

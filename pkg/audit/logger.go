// Package audit records the append-only trail of security decisions.
//
// Services call Recorder.Record, which never fails the caller: sink errors
// are logged and counted instead. Sinks implement Logger.
package audit

import (
	"context"
	"sync"
)

// Logger is a destination for audit events
type Logger interface {
	// Log persists one event
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the sink
	Close() error
}

// NoOpLogger drops every event
type NoOpLogger struct{}

// Log implements Logger
func (NoOpLogger) Log(ctx context.Context, event *Event) error { return nil }

// Close implements Logger
func (NoOpLogger) Close() error { return nil }

// MemoryLogger keeps events in memory. Tests across packages use it to
// assert on the audit trail.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemoryLogger creates an empty in-memory sink
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log implements Logger
func (m *MemoryLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	event.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *event)
	return nil
}

// Close implements Logger
func (m *MemoryLogger) Close() error { return nil }

// FailWith makes every later Log call return err
func (m *MemoryLogger) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Events returns a copy of the recorded events
func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the recorded events of type t
func (m *MemoryLogger) OfType(t EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

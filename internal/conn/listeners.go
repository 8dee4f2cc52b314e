package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Listener is notified of a connection event.
type Listener func(ctx context.Context) error

type listenerEntry struct {
	id string
	fn Listener
}

// Listeners is an ordered registry of listeners keyed by id.
//
// Notify calls every listener in registration order. A listener that fails or
// panics is logged and does not prevent the rest from running.
type Listeners struct {
	event  string
	logger *slog.Logger

	mu      sync.Mutex
	entries []listenerEntry
}

// NewListeners creates an empty registry for the named event.
func NewListeners(event string, logger *slog.Logger) *Listeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners{event: event, logger: logger}
}

// Add registers fn under a generated id and returns the id.
func (l *Listeners) Add(fn Listener) string {
	id := ulid.Make().String()
	l.Set(id, fn)
	return id
}

// Set registers fn under id. An existing listener with the same id is
// replaced in place, keeping its position.
func (l *Listeners) Set(id string, fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].id == id {
			l.entries[i].fn = fn
			return
		}
	}
	l.entries = append(l.entries, listenerEntry{id: id, fn: fn})
}

// Remove unregisters the listener with the given id.
func (l *Listeners) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every listener.
func (l *Listeners) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Notify runs every listener in order. Listeners added or removed while
// Notify runs take effect on the next call.
func (l *Listeners) Notify(ctx context.Context) {
	l.mu.Lock()
	snapshot := make([]listenerEntry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, e := range snapshot {
		if err := l.call(ctx, e); err != nil {
			l.logger.Warn("listener failed", "event", l.event, "listener", e.id, "error", err)
		}
	}
}

func (l *Listeners) call(ctx context.Context, e listenerEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx)
}

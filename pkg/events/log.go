package events

import (
	"context"
	"sync"

	"github.com/avisto/stepline/pkg/api"
)

// DefaultEventLogSize is the ring-buffer capacity used when none is given.
const DefaultEventLogSize = 100

// EventLog retains the most recent events in a bounded ring buffer. It
// implements api.Listener; appends are the sole mutation and both reads and
// appends are serialized by a mutex, since parallel batches and concurrent
// runs all funnel through one log.
type EventLog struct {
	mu     sync.Mutex
	buf    []api.WorkflowEvent
	start  int
	filled int
}

var _ api.Listener = (*EventLog)(nil)

// NewEventLog creates an event log retaining up to size events. A size of
// zero or less falls back to DefaultEventLogSize.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{buf: make([]api.WorkflowEvent, size)}
}

// OnEvent appends the event, evicting the oldest entry once full.
func (l *EventLog) OnEvent(ctx context.Context, event api.WorkflowEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filled < len(l.buf) {
		l.buf[(l.start+l.filled)%len(l.buf)] = event
		l.filled++
		return
	}
	l.buf[l.start] = event
	l.start = (l.start + 1) % len(l.buf)
}

// GetRecent returns up to limit retained events, newest first, optionally
// filtered by exact event-type match. A limit of zero or less means no bound
// beyond the buffer size. An empty typeFilter matches every type.
func (l *EventLog) GetRecent(limit int, typeFilter api.EventType) []api.WorkflowEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]api.WorkflowEvent, 0, l.filled)
	for i := l.filled - 1; i >= 0; i-- {
		ev := l.buf[(l.start+i)%len(l.buf)]
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len reports how many events are currently retained.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filled
}

// Package events implements the lifecycle-event subsystem: an in-process
// emitter that fans events out to listeners, a bounded queryable event log,
// fire-and-forget webhook delivery, and slog / metrics listeners.
//
// The emitter isolates listeners from each other and from the pipeline:
// observability must never break orchestration.
package events

import (
	"context"
	"log/slog"

	"github.com/avisto/stepline/pkg/api"
)

// Emitter delivers workflow events to every registered listener in
// registration order. A panicking listener is recovered and logged; it does
// not prevent delivery to the remaining listeners and never propagates to
// the runner.
type Emitter struct {
	listeners []api.Listener
	logger    *slog.Logger
}

var _ api.EventSink = (*Emitter)(nil)

// NewEmitter creates an Emitter delivering to the given listeners. If logger
// is nil, slog.Default() is used. Listeners may also be added later with
// AddListener; the emitter is not safe for concurrent registration once
// events are flowing.
func NewEmitter(logger *slog.Logger, listeners ...api.Listener) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{logger: logger}
	for _, l := range listeners {
		e.AddListener(l)
	}
	return e
}

// AddListener appends a listener. Nil listeners are ignored.
func (e *Emitter) AddListener(l api.Listener) {
	if l != nil {
		e.listeners = append(e.listeners, l)
	}
}

// Emit delivers the event to each listener in order.
func (e *Emitter) Emit(ctx context.Context, event api.WorkflowEvent) {
	for _, l := range e.listeners {
		e.deliver(ctx, l, event)
	}
}

func (e *Emitter) deliver(ctx context.Context, l api.Listener, event api.WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("workflow", event.WorkflowName),
				slog.Any("panic", r),
			)
		}
	}()
	l.OnEvent(ctx, event)
}

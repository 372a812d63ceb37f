package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// EventType identifies a workflow lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventStepCompleted     EventType = "step.completed"
	EventFailureDetected   EventType = "failure.detected"
	EventWorkflowCompleted EventType = "workflow.completed"
)

// WorkflowEvent is an immutable notification of a workflow lifecycle
// transition. Timestamps are non-decreasing within one run's emitted
// sequence.
type WorkflowEvent struct {
	Type         EventType `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	WorkflowName string    `json:"workflow_name"`

	// Data is the typed payload for the event type: one of
	// WorkflowStartedData, StepCompletedData, FailureDetectedData or
	// WorkflowCompletedData.
	Data any `json:"data"`
}

// WorkflowStartedData accompanies EventWorkflowStarted.
type WorkflowStartedData struct {
	RunID string `json:"run_id"`

	// StepCount is the definition's step count, before skip evaluation.
	StepCount int `json:"step_count"`
}

// StepCompletedData accompanies EventStepCompleted. It is emitted for every
// executed (non-skipped) step once its final result is known.
type StepCompletedData struct {
	Kind       string  `json:"step_kind"`
	Service    string  `json:"service"`
	Success    bool    `json:"success"`
	DurationMS float64 `json:"duration_ms"`
	Attempts   int     `json:"attempts"`
}

// FailureDetectedData accompanies EventFailureDetected, emitted once per run
// for the first unsuccessful step.
type FailureDetectedData struct {
	Kind    string `json:"step_kind"`
	Service string `json:"service"`
	Error   string `json:"error"`
}

// WorkflowCompletedData accompanies EventWorkflowCompleted.
type WorkflowCompletedData struct {
	RunID           string  `json:"run_id"`
	Success         bool    `json:"success"`
	TotalDurationMS float64 `json:"total_duration_ms"`
	StepsPassed     int     `json:"steps_passed"`
	StepsFailed     int     `json:"steps_failed"`
}

// Listener consumes workflow events. OnEvent must not panic past the emitter
// boundary; the emitter recovers and logs, so a broken listener can never
// break orchestration, but well-behaved listeners handle their own failures.
type Listener interface {
	OnEvent(ctx context.Context, event WorkflowEvent)
}

// EventSink is the emitting side consumed by the runner. A nil sink is
// treated as "no events".
type EventSink interface {
	Emit(ctx context.Context, event WorkflowEvent)
}

// WildcardEvent subscribes a webhook to every event type.
const WildcardEvent = "*"

// WebhookSubscription configures one outbound delivery target.
type WebhookSubscription struct {
	// URL is the endpoint events are POSTed to.
	URL string

	// Events lists the event types to deliver, matched by literal equality.
	// The single entry "*" matches every type.
	Events []string

	// Secret, when non-empty, enables HMAC-SHA256 signing of the request
	// body. The hex digest is sent in the X-Stepline-Signature header.
	Secret string
}

var errNoEvents = errors.New("webhook subscription has no event types")

// Validate rejects malformed subscriptions. It is called eagerly when a
// dispatcher is constructed, never mid-pipeline.
func (s WebhookSubscription) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("webhook URL %q: %w", s.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL %q: scheme must be http or https", s.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL %q: missing host", s.URL)
	}
	if len(s.Events) == 0 {
		return errNoEvents
	}
	return nil
}

// Matches reports whether the subscription wants the given event type.
func (s WebhookSubscription) Matches(t EventType) bool {
	for _, e := range s.Events {
		if e == WildcardEvent || e == string(t) {
			return true
		}
	}
	return false
}

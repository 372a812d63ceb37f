package events

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/avisto/stepline/pkg/api"
)

// LoggingListener writes structured logs for every event using log/slog.
type LoggingListener struct {
	Logger *slog.Logger
}

var _ api.Listener = (*LoggingListener)(nil)

// NewLoggingListener creates a listener that logs workflow lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingListener(logger *slog.Logger) *LoggingListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingListener{Logger: logger}
}

func (o *LoggingListener) OnEvent(ctx context.Context, event api.WorkflowEvent) {
	attrs := []any{
		slog.String("workflow", event.WorkflowName),
	}
	level := slog.LevelInfo

	switch data := event.Data.(type) {
	case api.WorkflowStartedData:
		attrs = append(attrs,
			slog.String("run_id", data.RunID),
			slog.Int("step_count", data.StepCount),
		)
	case api.StepCompletedData:
		level = slog.LevelDebug
		if !data.Success {
			level = slog.LevelError
		}
		attrs = append(attrs,
			slog.String("step", data.Kind),
			slog.String("service", data.Service),
			slog.Bool("success", data.Success),
			slog.Int("attempts", data.Attempts),
			slog.Float64("duration_ms", data.DurationMS),
		)
	case api.FailureDetectedData:
		level = slog.LevelError
		attrs = append(attrs,
			slog.String("step", data.Kind),
			slog.String("service", data.Service),
			slog.String("error", data.Error),
		)
	case api.WorkflowCompletedData:
		if !data.Success {
			level = slog.LevelError
		}
		attrs = append(attrs,
			slog.String("run_id", data.RunID),
			slog.Bool("success", data.Success),
			slog.Int("steps_passed", data.StepsPassed),
			slog.Int("steps_failed", data.StepsFailed),
			slog.Float64("total_duration_ms", data.TotalDurationMS),
		)
	}

	o.Logger.Log(ctx, level, string(event.Type), attrs...)
}

// Metrics collects simple counters from the event stream. It implements
// api.Listener and can sit on the same emitter as the event log and webhook
// dispatcher.
type Metrics struct {
	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stepsPassed        atomic.Int64
	stepsFailed        atomic.Int64
}

var _ api.Listener = (*Metrics)(nil)

// MetricsSnapshot is an immutable snapshot of Metrics.
type MetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	StepsPassed        int64
	StepsFailed        int64
}

func (m *Metrics) OnEvent(ctx context.Context, event api.WorkflowEvent) {
	switch data := event.Data.(type) {
	case api.WorkflowStartedData:
		m.workflowsStarted.Add(1)
	case api.StepCompletedData:
		if data.Success {
			m.stepsPassed.Add(1)
		} else {
			m.stepsFailed.Add(1)
		}
	case api.WorkflowCompletedData:
		if data.Success {
			m.workflowsCompleted.Add(1)
		} else {
			m.workflowsFailed.Add(1)
		}
	}
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		WorkflowsStarted:   m.workflowsStarted.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		StepsPassed:        m.stepsPassed.Load(),
		StepsFailed:        m.stepsFailed.Load(),
	}
}

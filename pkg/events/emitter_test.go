package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avisto/stepline/pkg/api"
)

type recordingListener struct {
	name  string
	order *[]string
}

func (l *recordingListener) OnEvent(ctx context.Context, event api.WorkflowEvent) {
	*l.order = append(*l.order, l.name)
}

type panickingListener struct{}

func (panickingListener) OnEvent(ctx context.Context, event api.WorkflowEvent) {
	panic("listener bug")
}

func testEvent(t api.EventType) api.WorkflowEvent {
	return api.WorkflowEvent{
		Type:         t,
		Timestamp:    time.Now().UTC(),
		WorkflowName: "wf",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_DeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	var order []string
	e := NewEmitter(discardLogger(),
		&recordingListener{name: "first", order: &order},
		&recordingListener{name: "second", order: &order},
		&recordingListener{name: "third", order: &order},
	)

	e.Emit(context.Background(), testEvent(api.EventWorkflowStarted))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEmitter_PanickingListenerIsIsolated(t *testing.T) {
	t.Parallel()

	var order []string
	e := NewEmitter(discardLogger(),
		&recordingListener{name: "before", order: &order},
		panickingListener{},
		&recordingListener{name: "after", order: &order},
	)

	require.NotPanics(t, func() {
		e.Emit(context.Background(), testEvent(api.EventStepCompleted))
	})
	require.Equal(t, []string{"before", "after"}, order,
		"a broken listener must not block the remaining ones")
}

func TestEmitter_IgnoresNilListeners(t *testing.T) {
	t.Parallel()

	var order []string
	e := NewEmitter(discardLogger())
	e.AddListener(nil)
	e.AddListener(&recordingListener{name: "only", order: &order})

	e.Emit(context.Background(), testEvent(api.EventWorkflowCompleted))
	require.Equal(t, []string{"only"}, order)
}

func TestMetrics_CountsFromEventStream(t *testing.T) {
	t.Parallel()

	m := &Metrics{}
	e := NewEmitter(discardLogger(), m)
	ctx := context.Background()

	started := testEvent(api.EventWorkflowStarted)
	started.Data = api.WorkflowStartedData{RunID: "r1", StepCount: 2}
	e.Emit(ctx, started)

	pass := testEvent(api.EventStepCompleted)
	pass.Data = api.StepCompletedData{Kind: "a", Success: true}
	e.Emit(ctx, pass)

	fail := testEvent(api.EventStepCompleted)
	fail.Data = api.StepCompletedData{Kind: "b", Success: false}
	e.Emit(ctx, fail)

	done := testEvent(api.EventWorkflowCompleted)
	done.Data = api.WorkflowCompletedData{RunID: "r1", Success: false}
	e.Emit(ctx, done)

	snap := m.Snapshot()
	require.Equal(t, int64(1), snap.WorkflowsStarted)
	require.Equal(t, int64(0), snap.WorkflowsCompleted)
	require.Equal(t, int64(1), snap.WorkflowsFailed)
	require.Equal(t, int64(1), snap.StepsPassed)
	require.Equal(t, int64(1), snap.StepsFailed)
}

func TestLoggingListener_NilLoggerFallsBack(t *testing.T) {
	t.Parallel()

	l := NewLoggingListener(nil)
	require.NotNil(t, l.Logger)
	require.NotPanics(t, func() {
		ev := testEvent(api.EventWorkflowCompleted)
		ev.Data = api.WorkflowCompletedData{RunID: "r1", Success: true}
		l.OnEvent(context.Background(), ev)
	})
}

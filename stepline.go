package stepline

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/avisto/stepline/internal/history"
	"github.com/avisto/stepline/internal/runner"
	"github.com/avisto/stepline/pkg/api"
	"github.com/avisto/stepline/pkg/events"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Runner              = api.Runner
	WorkflowDefinition  = api.WorkflowDefinition
	StepDefinition      = api.StepDefinition
	Step                = api.Step
	StepFunc            = api.StepFunc
	StepProvider        = api.StepProvider
	ProviderFunc        = api.ProviderFunc
	StepResult          = api.StepResult
	StepRecord          = api.StepRecord
	ExecutionRecord     = api.ExecutionRecord
	RunContext          = api.RunContext
	History             = api.History
	EventType           = api.EventType
	WorkflowEvent       = api.WorkflowEvent
	Listener            = api.Listener
	EventSink           = api.EventSink
	WebhookSubscription = api.WebhookSubscription
	Emitter             = events.Emitter
	EventLog            = events.EventLog
	WebhookDispatcher   = events.WebhookDispatcher
	LoggingListener     = events.LoggingListener
	Metrics             = events.Metrics
	MetricsSnapshot     = events.MetricsSnapshot
)

// Re-export event types and condition names for convenience.

const (
	EventWorkflowStarted   = api.EventWorkflowStarted
	EventStepCompleted     = api.EventStepCompleted
	EventFailureDetected   = api.EventFailureDetected
	EventWorkflowCompleted = api.EventWorkflowCompleted

	ConditionHasFailures = api.ConditionHasFailures
	ConditionOnSuccess   = api.ConditionOnSuccess
	ConditionOnFailure   = api.ConditionOnFailure
	ConditionAlways      = api.ConditionAlways

	WildcardEvent = api.WildcardEvent

	SignatureHeader = events.SignatureHeader
)

// ValidateWorkflow rejects definitions the runner cannot execute. The runner
// calls it itself; exposing it lets configuration layers fail even earlier.
var ValidateWorkflow = api.ValidateWorkflow

// Sign computes the hex HMAC-SHA256 signature carried in SignatureHeader.
// Webhook receivers use it to verify deliveries.
var Sign = events.Sign

// RunnerConfig describes how to construct a Runner. Provider is required;
// History and Events may be nil, in which case runs are not recorded and no
// events are emitted.
type RunnerConfig struct {
	Provider StepProvider
	History  History
	Events   EventSink
	Logger   *slog.Logger
}

// NewRunner creates a pipeline runner.
//
// Constructors wrap the internal packages so external callers never need to
// import them. Inject the same History instance here and into whatever
// exposes history upward, so the run and read paths cannot disagree about
// which store holds truth.
func NewRunner(cfg RunnerConfig) Runner {
	return runner.New(runner.Config{
		Provider: cfg.Provider,
		History:  cfg.History,
		Events:   cfg.Events,
		Logger:   cfg.Logger,
	})
}

// NewInMemoryHistory returns a volatile, process-lifetime History backend.
func NewInMemoryHistory() History {
	return history.NewMemoryHistory()
}

// NewSQLiteHistory returns a durable History backend on db. The schema is
// created lazily on first use. maxRecordsPerWorkflow bounds retention per
// workflow name; zero means unlimited. The db must use a SQLite driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
//	db, _ := sql.Open("sqlite", "file:stepline.db")
func NewSQLiteHistory(db *sql.DB, maxRecordsPerWorkflow int) History {
	return history.NewSQLiteHistory(db, maxRecordsPerWorkflow)
}

// NewEmitter creates an event emitter delivering to the given listeners.
func NewEmitter(logger *slog.Logger, listeners ...Listener) *Emitter {
	return events.NewEmitter(logger, listeners...)
}

// NewEventLog creates a bounded event log retaining up to size events.
func NewEventLog(size int) *EventLog {
	return events.NewEventLog(size)
}

// NewWebhookDispatcher validates the subscriptions and returns a
// fire-and-forget delivery listener. A nil client gets a 10s timeout.
func NewWebhookDispatcher(subs []WebhookSubscription, client *http.Client, logger *slog.Logger) (*WebhookDispatcher, error) {
	return events.NewWebhookDispatcher(subs, client, logger)
}

// NewLoggingListener creates a listener that logs every event via slog.
func NewLoggingListener(logger *slog.Logger) *LoggingListener {
	return events.NewLoggingListener(logger)
}

// Run is a convenience wrapper that forwards to the given Runner.
func Run(ctx context.Context, r Runner, def WorkflowDefinition, initial map[string]any) (*ExecutionRecord, error) {
	return r.Run(ctx, def, initial)
}

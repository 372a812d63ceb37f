package stepline

import (
	"database/sql"
	"log/slog"
	"net/http"
)

// Bundle wires together a Runner, the History backend it records to, and the
// event subsystem observing it. All consumers share the same instances, so
// the run path and the read path can never diverge.
type Bundle struct {
	Runner  Runner
	History History
	Emitter *Emitter

	// Log retains recent events for the query surface.
	Log *EventLog

	// Webhooks is non-nil only when subscriptions were configured. Call
	// Webhooks.Wait on shutdown to join outstanding deliveries.
	Webhooks *WebhookDispatcher
}

// BundleConfig configures NewSQLiteBundle and NewInMemoryBundle. Provider is
// required. Zero values mean: default event-log size, unlimited retention,
// no webhooks, slog.Default logging.
type BundleConfig struct {
	Provider StepProvider

	// MaxRecordsPerWorkflow bounds durable retention per workflow name.
	// Ignored by the in-memory bundle.
	MaxRecordsPerWorkflow int

	EventLogSize int
	Webhooks     []WebhookSubscription

	// WebhookClient overrides the delivery HTTP client.
	WebhookClient *http.Client

	Logger *slog.Logger
}

// NewSQLiteBundle constructs a durable Runner + History + event subsystem
// sharing the provided SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepline.db")
//	bundle, err := stepline.NewSQLiteBundle(db, stepline.BundleConfig{
//		Provider:              registry,
//		MaxRecordsPerWorkflow: 50,
//	})
func NewSQLiteBundle(db *sql.DB, cfg BundleConfig) (*Bundle, error) {
	return newBundle(NewSQLiteHistory(db, cfg.MaxRecordsPerWorkflow), cfg)
}

// NewInMemoryBundle constructs a volatile bundle, best for tests and
// lightweight deployments.
func NewInMemoryBundle(cfg BundleConfig) (*Bundle, error) {
	return newBundle(NewInMemoryHistory(), cfg)
}

func newBundle(hist History, cfg BundleConfig) (*Bundle, error) {
	log := NewEventLog(cfg.EventLogSize)
	listeners := []Listener{log, NewLoggingListener(cfg.Logger)}

	var hooks *WebhookDispatcher
	if len(cfg.Webhooks) > 0 {
		var err error
		hooks, err = NewWebhookDispatcher(cfg.Webhooks, cfg.WebhookClient, cfg.Logger)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, hooks)
	}

	emitter := NewEmitter(cfg.Logger, listeners...)
	r := NewRunner(RunnerConfig{
		Provider: cfg.Provider,
		History:  hist,
		Events:   emitter,
		Logger:   cfg.Logger,
	})

	return &Bundle{
		Runner:   r,
		History:  hist,
		Emitter:  emitter,
		Log:      log,
		Webhooks: hooks,
	}, nil
}

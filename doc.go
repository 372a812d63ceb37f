// Package stepline is a workflow-orchestration engine that runs ordered and
// parallel sequences of remote-service calls, tracks their outcomes durably,
// and notifies external systems of lifecycle events.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Runner
//  2. Step
//  3. History
//  4. Events
//
// # Runner
//
// A Runner executes a WorkflowDefinition: an ordered list of step
// definitions with retry, timeout, parallelism, and condition metadata.
// Consecutive steps flagged Parallel form a batch and run concurrently; each
// member is individually wrapped in its timeout and retry policy, and batch
// results are merged back into the run context in definition order before
// the next batch starts. Step failures never abort a run: they are recorded
// per step and reflected in the run's overall success flag.
//
// Conditions gate steps on the results accumulated so far. The set is fixed
// (has_failures, on_success, on_failure, always); unknown names are rejected
// before the run starts.
//
// # Step
//
// A Step performs one unit of work and returns a StepResult. Steps never
// panic outward and never let errors escape: failures become failed results.
// The steps package ships a registry keyed by kind string, an HTTP-calling
// RemoteStep, and a pure-computation ReportStep.
//
// # History
//
// Every run produces exactly one ExecutionRecord, handed to a History
// backend after completion. Two backends implement the same contract: an
// in-memory store for tests and lightweight deployments, and a SQLite store
// (via database/sql and, for example, modernc.org/sqlite) with bounded
// per-workflow retention. Pruning cascades from run rows to step rows, so no
// orphaned step records survive.
//
// # Events
//
// The runner emits workflow.started, step.completed, failure.detected and
// workflow.completed events through an Emitter. Listeners include a bounded
// EventLog, a slog-backed LoggingListener, simple Metrics counters, and a
// WebhookDispatcher performing signed, fire-and-forget HTTP delivery. A
// listener failure is logged and contained; observability never breaks
// orchestration.
//
// # Wiring
//
// NewSQLiteBundle and NewInMemoryBundle assemble a runner, a history backend
// and the event subsystem as one injected set:
//
//	db, _ := sql.Open("sqlite", "file:stepline.db")
//	bundle, err := stepline.NewSQLiteBundle(db, stepline.BundleConfig{
//		Provider:              registry,
//		MaxRecordsPerWorkflow: 50,
//		Webhooks: []stepline.WebhookSubscription{
//			{URL: "https://ops.example.com/hooks", Events: []string{"workflow.completed"}, Secret: secret},
//		},
//	})
//	rec, err := bundle.Runner.Run(ctx, def, nil)
package stepline

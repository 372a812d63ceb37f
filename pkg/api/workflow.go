package api

import (
	"context"
	"time"
)

// StepDefinition describes one step of a workflow pipeline. Definitions are
// immutable and assumed to come from configuration that was validated
// upstream; ValidateWorkflow covers the parts the runner itself depends on.
type StepDefinition struct {
	// Kind selects the step implementation (see StepProvider).
	Kind string

	// Service names the downstream service the step targets. It is carried
	// into results and events verbatim; resolution is the provider's job.
	Service string

	// Condition optionally names a predicate from Conditions. The step runs
	// only when the predicate holds against the accumulated results; when it
	// does not, the step is recorded as skipped. Empty means always run.
	Condition string

	// Parallel marks this step for concurrent execution. Maximal runs of
	// consecutive parallel steps form one batch.
	Parallel bool

	// Retries is the number of re-invocations after a failed attempt.
	// A step makes at most Retries+1 attempts.
	Retries int

	// RetryDelay is the backoff base: the sleep before retry n (0-based)
	// is 2^n * RetryDelay.
	RetryDelay time.Duration

	// Timeout bounds a single attempt's execution. Zero means no bound.
	// It does not cover the backoff sleep between attempts.
	Timeout time.Duration
}

// WorkflowDefinition is a named, ordered list of step definitions.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition
}

// StepResult is the outcome of one step within a run. A step produces exactly
// one result per run, even when the runner made several attempts internally.
type StepResult struct {
	Kind    string
	Service string

	// Success reflects only the final attempt.
	Success bool

	// Skipped is set when the step's condition did not hold. Skipped results
	// carry Success=true but are excluded from the run's overall success.
	Skipped bool

	// TimedOut distinguishes an attempt-deadline expiry from a transport or
	// application failure. Timed-out results are never successful.
	TimedOut bool

	// Duration covers the final attempt only.
	Duration time.Duration

	// Error holds a human-readable failure description; empty on success.
	Error string

	// Attempts counts invocations made for this step, at least 1 for any
	// executed step.
	Attempts int

	// Data is the step's arbitrary result payload.
	Data map[string]any
}

// RunContext carries accumulated state through a run. The runner merges each
// batch's results in definition order before the next batch starts; while a
// batch is in flight the context is read-only, so steps may read it without
// locking.
type RunContext struct {
	// Values is the caller-supplied initial context.
	Values map[string]any

	// Results holds the results of all steps resolved so far, in
	// definition order.
	Results []StepResult
}

// Step is one unit of work in a workflow. Execute must not panic and must
// not let internal failures escape: on any error it returns a failed
// StepResult describing what went wrong. The context carries the attempt's
// deadline when the definition sets a timeout.
type Step interface {
	Execute(ctx context.Context, rc *RunContext) StepResult
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func(ctx context.Context, rc *RunContext) StepResult

func (f StepFunc) Execute(ctx context.Context, rc *RunContext) StepResult {
	return f(ctx, rc)
}

// StepProvider resolves a step definition to an executable Step. Resolution
// errors (unknown kind, unknown service) are recorded by the runner as failed
// step results rather than aborting the run.
type StepProvider interface {
	Resolve(def StepDefinition) (Step, error)
}

// ProviderFunc adapts a plain function to the StepProvider interface.
type ProviderFunc func(def StepDefinition) (Step, error)

func (f ProviderFunc) Resolve(def StepDefinition) (Step, error) {
	return f(def)
}

// Runner executes workflows. See internal/runner for the engine
// implementation; external callers obtain one via the stepline facade.
type Runner interface {
	// Run executes the workflow to completion and returns its record.
	// Individual step failures do not abort the run; they are reflected in
	// the record. A non-nil error means either the definition was rejected
	// before the run started, or the completed record could not be written
	// to history; in the latter case the record is returned alongside the
	// error.
	Run(ctx context.Context, def WorkflowDefinition, initial map[string]any) (*ExecutionRecord, error)
}

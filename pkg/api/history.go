package api

import (
	"context"
	"time"
)

// StepRecord is the persisted projection of a StepResult. The arbitrary Data
// payload is dropped; everything an operator needs to judge the step remains.
type StepRecord struct {
	Kind     string
	Service  string
	Success  bool
	Skipped  bool
	Duration time.Duration
	Error    string
	Attempts int
}

// NewStepRecord projects a StepResult into its persisted form.
func NewStepRecord(res StepResult) StepRecord {
	attempts := res.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return StepRecord{
		Kind:     res.Kind,
		Service:  res.Service,
		Success:  res.Success,
		Skipped:  res.Skipped,
		Duration: res.Duration,
		Error:    res.Error,
		Attempts: attempts,
	}
}

// ExecutionRecord is the durable account of one workflow run. It is created
// at run start, finalized at run end, and never mutated after being handed
// to a History backend.
//
// Steps always appear in step-definition order, regardless of which steps
// ran in parallel or in what order they finished.
type ExecutionRecord struct {
	// ID uniquely identifies the run across backends.
	ID string

	WorkflowName string
	StartedAt    time.Time

	// CompletedAt is the zero time while the run is in flight.
	CompletedAt time.Time

	// Success is the conjunction of all non-skipped step successes.
	Success bool

	Steps []StepRecord
}

// History records completed runs and answers the query surface the API layer
// exposes upward. Exactly one shared instance per process should serve both
// the run path and the read path.
//
// Implementations must be safe for concurrent use.
type History interface {
	// Record stores a finalized execution record. A returned error means the
	// durability guarantee was not met; it never implies the run itself
	// failed or should be unwound.
	Record(ctx context.Context, rec *ExecutionRecord) error

	// GetHistory returns all records for one workflow, oldest first.
	GetHistory(ctx context.Context, workflowName string) ([]*ExecutionRecord, error)

	// GetAll returns every record grouped by workflow name, oldest first
	// within each group.
	GetAll(ctx context.Context) (map[string][]*ExecutionRecord, error)

	// GetRecent returns the most recent records across all workflows,
	// newest first. A non-positive limit defaults to 10.
	GetRecent(ctx context.Context, limit int) ([]*ExecutionRecord, error)
}

// Package runner implements the pipeline runner: it sequences step
// definitions, flushes parallel batches, applies per-step timeout and retry,
// evaluates conditions, emits lifecycle events, and records the finished run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avisto/stepline/pkg/api"
)

// Config describes how to construct a Runner. Provider is required; History
// and Events may be nil, in which case the run is not recorded and no events
// are emitted.
type Config struct {
	Provider api.StepProvider
	History  api.History
	Events   api.EventSink
	Logger   *slog.Logger
}

// Runner executes workflows. It is safe for concurrent use: all per-run
// state lives on the stack of Run.
type Runner struct {
	provider api.StepProvider
	history  api.History
	events   api.EventSink
	logger   *slog.Logger
}

var _ api.Runner = (*Runner)(nil)

// New creates a Runner from cfg. If cfg.Logger is nil, slog.Default() is
// used.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		provider: cfg.Provider,
		history:  cfg.History,
		events:   cfg.Events,
		logger:   logger,
	}
}

// Run executes the workflow to completion. Step failures and timeouts become
// part of the record rather than aborting the run; the returned error is
// reserved for definitions rejected before the run starts and for history
// write failures after it ends. On a history write failure the completed
// record is returned alongside the error.
func (r *Runner) Run(ctx context.Context, def api.WorkflowDefinition, initial map[string]any) (*api.ExecutionRecord, error) {
	if r.provider == nil {
		return nil, errors.New("runner has no step provider configured")
	}
	if err := api.ValidateWorkflow(def); err != nil {
		return nil, err
	}

	startedAt := time.Now()
	rec := &api.ExecutionRecord{
		ID:           uuid.NewString(),
		WorkflowName: def.Name,
		StartedAt:    startedAt,
	}
	rc := &api.RunContext{Values: initial}

	r.emit(ctx, api.EventWorkflowStarted, def.Name, api.WorkflowStartedData{
		RunID:     rec.ID,
		StepCount: len(def.Steps),
	})

	failureEmitted := false
	for _, batch := range partition(def.Steps) {
		results := r.runBatch(ctx, batch, rc)

		// Merge in definition order, never completion order, and flush
		// before the next batch starts.
		for _, res := range results {
			rc.Results = append(rc.Results, res)
			rec.Steps = append(rec.Steps, api.NewStepRecord(res))
			if res.Skipped {
				continue
			}
			r.emit(ctx, api.EventStepCompleted, def.Name, api.StepCompletedData{
				Kind:       res.Kind,
				Service:    res.Service,
				Success:    res.Success,
				DurationMS: float64(res.Duration) / float64(time.Millisecond),
				Attempts:   res.Attempts,
			})
			if !res.Success && !failureEmitted {
				failureEmitted = true
				r.emit(ctx, api.EventFailureDetected, def.Name, api.FailureDetectedData{
					Kind:    res.Kind,
					Service: res.Service,
					Error:   res.Error,
				})
			}
		}
	}

	completedAt := time.Now()
	rec.CompletedAt = completedAt
	rec.Success = true
	var passed, failed int
	for _, step := range rec.Steps {
		if step.Skipped {
			continue
		}
		if step.Success {
			passed++
		} else {
			failed++
			rec.Success = false
		}
	}

	r.emit(ctx, api.EventWorkflowCompleted, def.Name, api.WorkflowCompletedData{
		RunID:           rec.ID,
		Success:         rec.Success,
		TotalDurationMS: float64(completedAt.Sub(startedAt)) / float64(time.Millisecond),
		StepsPassed:     passed,
		StepsFailed:     failed,
	})

	if r.history != nil {
		if err := r.history.Record(ctx, rec); err != nil {
			// History is a sink, not a gate: the run stands, but the caller
			// must learn the durability guarantee was not met.
			return rec, fmt.Errorf("record execution history: %w", err)
		}
	}
	return rec, nil
}

// batch is a maximal run of consecutive steps sharing Parallel=true, or a
// single sequential step.
type batch []api.StepDefinition

func partition(defs []api.StepDefinition) []batch {
	var batches []batch
	var parallel batch
	for _, def := range defs {
		if def.Parallel {
			parallel = append(parallel, def)
			continue
		}
		if len(parallel) > 0 {
			batches = append(batches, parallel)
			parallel = nil
		}
		batches = append(batches, batch{def})
	}
	if len(parallel) > 0 {
		batches = append(batches, parallel)
	}
	return batches
}

// runBatch evaluates conditions against the context frozen at batch start,
// executes the remaining members concurrently, and returns results indexed
// by the batch's definition order.
func (r *Runner) runBatch(ctx context.Context, b batch, rc *api.RunContext) []api.StepResult {
	results := make([]api.StepResult, len(b))
	var pending []int
	for i, def := range b {
		if r.shouldSkip(def, rc) {
			results[i] = skippedResult(def)
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 1 {
		i := pending[0]
		results[i] = r.executeStep(ctx, b[i], rc)
		return results
	}

	// The context is read-only while the batch is in flight, so members may
	// share it without locking.
	var g errgroup.Group
	for _, i := range pending {
		def := b[i]
		slot := &results[i]
		g.Go(func() error {
			*slot = r.executeStep(ctx, def, rc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) shouldSkip(def api.StepDefinition, rc *api.RunContext) bool {
	if def.Condition == "" {
		return false
	}
	// ValidateWorkflow already rejected unknown names.
	cond := api.Conditions[def.Condition]
	return !cond(rc.Results)
}

func skippedResult(def api.StepDefinition) api.StepResult {
	return api.StepResult{
		Kind:     def.Kind,
		Service:  def.Service,
		Success:  true,
		Skipped:  true,
		Attempts: 1,
		Data: map[string]any{
			"message": fmt.Sprintf("skipped: condition %q not met", def.Condition),
		},
	}
}

// executeStep resolves the definition and drives the attempt loop. The
// backoff before retry n (0-based) is 2^n * RetryDelay; the step's timeout
// bounds each attempt's execution but never the backoff sleep.
func (r *Runner) executeStep(ctx context.Context, def api.StepDefinition, rc *api.RunContext) api.StepResult {
	step, err := r.provider.Resolve(def)
	if err != nil {
		return api.StepResult{
			Kind:     def.Kind,
			Service:  def.Service,
			Success:  false,
			Error:    err.Error(),
			Attempts: 1,
		}
	}

	maxAttempts := def.Retries + 1
	var res api.StepResult
	for attempt := 0; ; attempt++ {
		res = r.runAttempt(ctx, step, def, rc)
		res.Attempts = attempt + 1
		if res.Success || attempt >= maxAttempts-1 {
			return res
		}

		delay := time.Duration(1<<uint(attempt)) * def.RetryDelay
		r.logger.Info("step failed, retrying",
			slog.String("step", def.Kind),
			slog.String("service", def.Service),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", res.Error),
		)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(delay):
			}
		}
	}
}

// runAttempt executes one attempt under the definition's timeout. Expiry
// produces a failed result with TimedOut set and a timeout-specific error,
// distinct from transport or application failures.
func (r *Runner) runAttempt(ctx context.Context, step api.Step, def api.StepDefinition, rc *api.RunContext) api.StepResult {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if def.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan api.StepResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				// A misbehaving step must not take down the run or the
				// sibling members of its batch.
				done <- api.StepResult{
					Kind:    def.Kind,
					Service: def.Service,
					Success: false,
					Error:   fmt.Sprintf("step panicked: %v", p),
				}
			}
		}()
		done <- step.Execute(attemptCtx, rc)
	}()

	select {
	case res := <-done:
		res.Duration = time.Since(start)
		if res.Kind == "" {
			res.Kind = def.Kind
		}
		if res.Service == "" {
			res.Service = def.Service
		}
		if res.TimedOut {
			res.Success = false
		}
		return res
	case <-attemptCtx.Done():
		res := api.StepResult{
			Kind:     def.Kind,
			Service:  def.Service,
			Success:  false,
			Duration: time.Since(start),
		}
		if def.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.Error = fmt.Sprintf("step timed out after %s", def.Timeout)
		} else {
			res.Error = attemptCtx.Err().Error()
		}
		return res
	}
}

func (r *Runner) emit(ctx context.Context, t api.EventType, workflowName string, data any) {
	if r.events == nil {
		return
	}
	r.events.Emit(ctx, api.WorkflowEvent{
		Type:         t,
		Timestamp:    time.Now().UTC(),
		WorkflowName: workflowName,
		Data:         data,
	})
}

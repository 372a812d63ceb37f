package stepline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedSteps resolves step kinds from a map, standing in for the service
// registry that lives outside the core.
func fixedSteps(table map[string]Step) StepProvider {
	return ProviderFunc(func(def StepDefinition) (Step, error) {
		step, ok := table[def.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown step kind: %s", def.Kind)
		}
		return step, nil
	})
}

func constStep(kind, service string, success bool, errMsg string) Step {
	return StepFunc(func(ctx context.Context, rc *RunContext) StepResult {
		return StepResult{Kind: kind, Service: service, Success: success, Error: errMsg}
	})
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Three sequential steps: A succeeds, B fails with no retries, C is gated on
// on_failure. C must run; the record carries B failed with one attempt; the
// run is recorded unsuccessful.
func TestEndToEnd_FailureConditionScenario(t *testing.T) {
	t.Parallel()

	bundle, err := NewInMemoryBundle(BundleConfig{
		Provider: fixedSteps(map[string]Step{
			"a": constStep("a", "svc-a", true, ""),
			"b": constStep("b", "svc-b", false, "bad gateway"),
			"c": constStep("c", "svc-c", true, ""),
		}),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	def := WorkflowDefinition{
		Name: "nightly",
		Steps: []StepDefinition{
			{Kind: "a", Service: "svc-a"},
			{Kind: "b", Service: "svc-b"},
			{Kind: "c", Service: "svc-c", Condition: ConditionOnFailure},
		},
	}

	rec, err := Run(context.Background(), bundle.Runner, def, nil)
	require.NoError(t, err)
	require.False(t, rec.Success)
	require.Len(t, rec.Steps, 3)
	require.False(t, rec.Steps[1].Success)
	require.Equal(t, 1, rec.Steps[1].Attempts)
	require.False(t, rec.Steps[2].Skipped)
	require.True(t, rec.Steps[2].Success)

	// The shared history instance serves the read path.
	stored, err := bundle.History.GetHistory(context.Background(), "nightly")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.False(t, stored[0].Success)

	// Event log query surface: exactly one failure.detected.
	failures := bundle.Log.GetRecent(0, EventFailureDetected)
	require.Len(t, failures, 1)
}

// Two parallel steps both succeed: both appear in definition order with
// independent durations, and exactly one workflow.completed is emitted after
// both finish.
func TestEndToEnd_ParallelPairScenario(t *testing.T) {
	t.Parallel()

	sleepy := func(kind string, d time.Duration) Step {
		return StepFunc(func(ctx context.Context, rc *RunContext) StepResult {
			time.Sleep(d)
			return StepResult{Kind: kind, Service: "svc", Success: true}
		})
	}
	bundle, err := NewInMemoryBundle(BundleConfig{
		Provider: fixedSteps(map[string]Step{
			"fast": sleepy("fast", time.Millisecond),
			"slow": sleepy("slow", 40*time.Millisecond),
		}),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	def := WorkflowDefinition{
		Name: "pair",
		Steps: []StepDefinition{
			{Kind: "slow", Service: "svc", Parallel: true},
			{Kind: "fast", Service: "svc", Parallel: true},
		},
	}

	rec, err := bundle.Runner.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Equal(t, "slow", rec.Steps[0].Kind)
	require.Equal(t, "fast", rec.Steps[1].Kind)
	require.Greater(t, rec.Steps[0].Duration, rec.Steps[1].Duration)

	completed := bundle.Log.GetRecent(0, EventWorkflowCompleted)
	require.Len(t, completed, 1)

	// workflow.completed carries a timestamp at or after every
	// step.completed.
	stepEvents := bundle.Log.GetRecent(0, EventStepCompleted)
	require.Len(t, stepEvents, 2)
	for _, ev := range stepEvents {
		require.False(t, completed[0].Timestamp.Before(ev.Timestamp))
	}
}

// Durable retention end to end: two runs of the same workflow with
// maxRecordsPerWorkflow=1 leave exactly the most recent record, and the step
// rows of the pruned run are gone with it.
func TestEndToEnd_DurableRetentionScenario(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	var gate sync.Mutex
	outcome := true
	bundle, err := NewSQLiteBundle(db, BundleConfig{
		Provider: fixedSteps(map[string]Step{
			"a": StepFunc(func(ctx context.Context, rc *RunContext) StepResult {
				gate.Lock()
				defer gate.Unlock()
				return StepResult{Kind: "a", Service: "svc", Success: outcome}
			}),
			"b": constStep("b", "svc", true, ""),
		}),
		MaxRecordsPerWorkflow: 1,
		Logger:                quietLogger(),
	})
	require.NoError(t, err)

	def := WorkflowDefinition{
		Name: "retained",
		Steps: []StepDefinition{
			{Kind: "a", Service: "svc"},
			{Kind: "b", Service: "svc"},
		},
	}

	ctx := context.Background()
	first, err := bundle.Runner.Run(ctx, def, nil)
	require.NoError(t, err)
	require.True(t, first.Success)

	gate.Lock()
	outcome = false
	gate.Unlock()

	second, err := bundle.Runner.Run(ctx, def, nil)
	require.NoError(t, err)
	require.False(t, second.Success)

	stored, err := bundle.History.GetHistory(ctx, "retained")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, second.ID, stored[0].ID, "the most recent run survives")
	require.Len(t, stored[0].Steps, 2)

	// Only the surviving run's step rows remain.
	var stepRows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM step_runs").Scan(&stepRows))
	require.Equal(t, 2, stepRows)
}

// Webhooks end to end: a signed delivery for workflow.completed whose
// signature verifies against the received body, and no delivery for
// unsubscribed event types.
func TestEndToEnd_SignedWebhookScenario(t *testing.T) {
	t.Parallel()

	type delivery struct {
		body      []byte
		signature string
	}
	received := make(chan delivery, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{body: body, signature: r.Header.Get(SignatureHeader)}
	}))
	t.Cleanup(srv.Close)

	const secret = "hook-secret"
	bundle, err := NewInMemoryBundle(BundleConfig{
		Provider: fixedSteps(map[string]Step{
			"a": constStep("a", "svc", true, ""),
		}),
		Webhooks: []WebhookSubscription{
			{URL: srv.URL, Events: []string{string(EventWorkflowCompleted)}, Secret: secret},
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	rec, err := bundle.Runner.Run(context.Background(), WorkflowDefinition{
		Name:  "hooked",
		Steps: []StepDefinition{{Kind: "a", Service: "svc"}},
	}, nil)
	require.NoError(t, err)
	require.True(t, rec.Success)

	bundle.Webhooks.Wait()
	require.Len(t, received, 1, "only workflow.completed is subscribed")

	got := <-received
	require.Equal(t, Sign(secret, got.body), got.signature)

	var payload struct {
		EventType string `json:"event_type"`
		Workflow  string `json:"workflow_name"`
		Data      struct {
			RunID   string `json:"run_id"`
			Success bool   `json:"success"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	require.Equal(t, "workflow.completed", payload.EventType)
	require.Equal(t, "hooked", payload.Workflow)
	require.Equal(t, rec.ID, payload.Data.RunID)
	require.True(t, payload.Data.Success)
}

func TestBundle_RejectsMalformedWebhook(t *testing.T) {
	t.Parallel()

	_, err := NewInMemoryBundle(BundleConfig{
		Provider: fixedSteps(nil),
		Webhooks: []WebhookSubscription{{URL: "nope", Events: []string{"*"}}},
		Logger:   quietLogger(),
	})
	require.Error(t, err)
}

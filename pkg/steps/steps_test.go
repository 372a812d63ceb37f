package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avisto/stepline/pkg/api"
)

func TestRegistry_ResolveAndUnknownKind(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(ReportKind, func(def api.StepDefinition) (api.Step, error) {
		return NewReportStep(def.Service), nil
	})

	step, err := r.Resolve(api.StepDefinition{Kind: ReportKind, Service: "ops"})
	require.NoError(t, err)
	require.NotNil(t, step)

	_, err = r.Resolve(api.StepDefinition{Kind: "teleport", Service: "ops"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown step kind")

	require.Equal(t, []string{ReportKind}, r.Kinds())
}

func TestReportStep_AggregatesResults(t *testing.T) {
	t.Parallel()

	rc := &api.RunContext{
		Results: []api.StepResult{
			{Kind: "a", Service: "s1", Success: true, Duration: 100 * time.Millisecond},
			{Kind: "b", Service: "s2", Success: false, Error: "boom", Duration: 50 * time.Millisecond},
			{Kind: "c", Service: "s3", Success: true, Skipped: true},
		},
	}

	res := NewReportStep("reporter").Execute(context.Background(), rc)
	require.True(t, res.Success)
	require.Equal(t, ReportKind, res.Kind)
	require.Equal(t, "reporter", res.Service)

	summary := res.Data["summary"].(map[string]any)
	require.Equal(t, 3, summary["total"])
	require.Equal(t, 1, summary["passed"])
	require.Equal(t, 1, summary["failed"])
	require.Equal(t, 1, summary["skipped"])
	require.Equal(t, float64(150), res.Data["total_duration_ms"])
	require.Len(t, res.Data["steps"], 3)
}

func TestReportStep_EmptyContext(t *testing.T) {
	t.Parallel()

	res := NewReportStep("reporter").Execute(context.Background(), &api.RunContext{})
	require.True(t, res.Success)
	summary := res.Data["summary"].(map[string]any)
	require.Equal(t, 0, summary["total"])
}

func TestRemoteStep_SuccessfulCall(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "sekrit", r.Header.Get("X-API-Key"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "full", payload["suite"])

		_ = json.NewEncoder(w).Encode(map[string]any{"total": 12, "passed": 12})
	}))
	t.Cleanup(srv.Close)

	step := NewRemoteStep("test", "qa", srv.URL,
		WithAPIKey("sekrit"),
		WithPayload(func(rc *api.RunContext) any {
			return map[string]any{"suite": rc.Values["suite"]}
		}),
	)

	res := step.Execute(context.Background(), &api.RunContext{Values: map[string]any{"suite": "full"}})
	require.True(t, res.Success)
	require.Equal(t, "test", res.Kind)
	require.Equal(t, "qa", res.Service)
	require.Equal(t, float64(12), res.Data["total"])
}

func TestRemoteStep_NonSuccessStatusBecomesFailedResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	res := NewRemoteStep("test", "qa", srv.URL).Execute(context.Background(), &api.RunContext{})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "status 502")
}

func TestRemoteStep_ConnectionErrorBecomesFailedResult(t *testing.T) {
	t.Parallel()

	res := NewRemoteStep("test", "qa", "http://127.0.0.1:1").Execute(context.Background(), &api.RunContext{})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}

func TestRemoteStep_HonorsContextDeadline(t *testing.T) {
	t.Parallel()

	// The handler blocks on a test-owned gate rather than the request
	// context, so the server can always shut down cleanly: cleanups run
	// LIFO, releasing the handler before srv.Close waits on it.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := NewRemoteStep("test", "qa", srv.URL).Execute(ctx, &api.RunContext{})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}

func TestRemoteStep_MalformedResponseBecomesFailedResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	res := NewRemoteStep("test", "qa", srv.URL).Execute(context.Background(), &api.RunContext{})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "decode response")
}

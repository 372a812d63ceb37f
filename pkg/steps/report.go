package steps

import (
	"context"
	"time"

	"github.com/avisto/stepline/pkg/api"
)

// ReportKind is the conventional kind string for the report step.
const ReportKind = "report"

// ReportStep aggregates the results accumulated so far into a structured
// summary. It performs no outbound call; it demonstrates the same Step
// contract as remote steps with pure computation, which makes it a useful
// terminal pipeline step.
type ReportStep struct {
	service string
}

var _ api.Step = (*ReportStep)(nil)

// NewReportStep creates a report step attributed to the given service name.
func NewReportStep(service string) *ReportStep {
	return &ReportStep{service: service}
}

func (s *ReportStep) Execute(ctx context.Context, rc *api.RunContext) api.StepResult {
	var (
		total         = len(rc.Results)
		passed        int
		failed        int
		skipped       int
		totalDuration time.Duration
	)

	stepSummaries := make([]map[string]any, 0, total)
	for _, r := range rc.Results {
		switch {
		case r.Skipped:
			skipped++
		case r.Success:
			passed++
		default:
			failed++
		}
		totalDuration += r.Duration
		stepSummaries = append(stepSummaries, map[string]any{
			"step_kind":   r.Kind,
			"service":     r.Service,
			"success":     r.Success,
			"skipped":     r.Skipped,
			"duration_ms": float64(r.Duration) / float64(time.Millisecond),
			"error":       r.Error,
		})
	}

	return api.StepResult{
		Kind:    ReportKind,
		Service: s.service,
		Success: true,
		Data: map[string]any{
			"summary": map[string]any{
				"total":   total,
				"passed":  passed,
				"failed":  failed,
				"skipped": skipped,
			},
			"total_duration_ms": float64(totalDuration) / float64(time.Millisecond),
			"steps":             stepSummaries,
		},
	}
}

package api

import "fmt"

// ConditionFunc is a pure predicate over the results accumulated so far.
type ConditionFunc func(results []StepResult) bool

// Condition names recognized by the runner.
const (
	ConditionHasFailures = "has_failures"
	ConditionOnSuccess   = "on_success"
	ConditionOnFailure   = "on_failure"
	ConditionAlways      = "always"
)

// Conditions is the fixed table of named predicates a StepDefinition may
// reference. The set is deliberately closed: unknown names are a
// configuration error rejected by ValidateWorkflow before a run starts.
var Conditions = map[string]ConditionFunc{
	ConditionHasFailures: func(results []StepResult) bool {
		for _, r := range results {
			if hasFailures(r) {
				return true
			}
		}
		return false
	},
	ConditionOnSuccess: func(results []StepResult) bool {
		for _, r := range results {
			if !r.Success {
				return false
			}
		}
		return true
	},
	ConditionOnFailure: func(results []StepResult) bool {
		for _, r := range results {
			if !r.Success {
				return true
			}
		}
		return false
	},
	ConditionAlways: func([]StepResult) bool { return true },
}

// hasFailures treats a step as failing when it was unsuccessful or when its
// payload reports individual failures (e.g. a test run that passed overall
// transport-wise but carries failing cases).
func hasFailures(r StepResult) bool {
	if !r.Success {
		return true
	}
	switch f := r.Data["failures"].(type) {
	case []any:
		return len(f) > 0
	case []string:
		return len(f) > 0
	case []map[string]any:
		return len(f) > 0
	default:
		return false
	}
}

// ValidateWorkflow rejects definitions the runner cannot execute: an empty
// name, no steps, unknown condition names, or negative retry counts. It runs
// before workflow.started is emitted, so a misconfigured workflow never
// produces a partial run.
func ValidateWorkflow(def WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", def.Name)
	}
	for i, step := range def.Steps {
		if step.Kind == "" {
			return fmt.Errorf("workflow %q: step %d has no kind", def.Name, i)
		}
		if step.Retries < 0 {
			return fmt.Errorf("workflow %q: step %d (%s) has negative retries", def.Name, i, step.Kind)
		}
		if step.Condition == "" {
			continue
		}
		if _, ok := Conditions[step.Condition]; !ok {
			return fmt.Errorf("workflow %q: step %d (%s) references unknown condition %q",
				def.Name, i, step.Kind, step.Condition)
		}
	}
	return nil
}

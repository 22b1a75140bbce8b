package conflict

import (
	"context"

	"github.com/aleistner/swell/internal/graph"
)

// Estimator supplies file impacts for a task. Implementations may be
// pattern-based heuristics or model-backed services; the scheduler never
// depends on how impacts are produced.
type Estimator interface {
	EstimateImpacts(ctx context.Context, task *graph.Task) ([]graph.FileImpact, error)
}

// PatternEstimator is the default heuristic estimator: it maps a task's
// category to a configured set of glob impacts. Impacts it produces are
// flagged Estimated.
type PatternEstimator struct {
	rules map[string][]graph.FileImpact // category -> impacts
}

// NewPatternEstimator creates an estimator from category rules.
func NewPatternEstimator(rules map[string][]graph.FileImpact) *PatternEstimator {
	if rules == nil {
		rules = map[string][]graph.FileImpact{}
	}
	return &PatternEstimator{rules: rules}
}

// EstimateImpacts returns the configured impacts for the task's category,
// or nil when the category has no rule (the task stays unknown-impact and
// the detector handles it conservatively).
func (e *PatternEstimator) EstimateImpacts(_ context.Context, task *graph.Task) ([]graph.FileImpact, error) {
	rule, ok := e.rules[task.Category]
	if !ok {
		return nil, nil
	}
	out := make([]graph.FileImpact, len(rule))
	for i, impact := range rule {
		impact.Estimated = true
		out[i] = impact
	}
	return out, nil
}

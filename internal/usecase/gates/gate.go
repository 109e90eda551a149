package gates

import (
	"context"
	"time"

	"maestro/internal/domain"
)

// Gate is one weighted evaluator in the pipeline. Evaluate returns an error
// only when the gate itself could not run; a clean run with a bad artifact
// is a failed GateResult, not an error.
type Gate interface {
	Name() string
	// Weight is this gate's contribution to the overall weighted average.
	Weight() float64
	// Critical gates halt the remaining pipeline on failure when the
	// pipeline runs in stop-on-critical mode.
	Critical() bool
	Evaluate(ctx context.Context, gctx domain.GateContext) (domain.GateResult, error)
}

// check is one boolean sub-check; every sub-check contributes equally to a
// gate's score.
type check struct {
	name   string
	passed bool
}

// scoreChecks computes passed/total and a details map.
func scoreChecks(checks []check) (float64, map[string]any) {
	details := make(map[string]any, len(checks))
	passed := 0
	for _, c := range checks {
		details[c.name] = c.passed
		if c.passed {
			passed++
		}
	}
	if len(checks) == 0 {
		return 0, details
	}
	return float64(passed) / float64(len(checks)), details
}

// result assembles a GateResult with the execution time filled in.
func result(name string, status domain.GateStatus, score float64, details map[string]any,
	recs, critical, warnings []string, start time.Time) domain.GateResult {
	return domain.GateResult{
		Gate:            name,
		Status:          status,
		Score:           score,
		Details:         details,
		Recommendations: recs,
		CriticalIssues:  critical,
		Warnings:        warnings,
		ExecutionTime:   time.Since(start),
	}
}

package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"maestro/internal/domain"
)

// ExecutionOrder is the canonical gate sequence: heavier, critical gates run
// first so a doomed run stops early.
var ExecutionOrder = []string{
	"planning",
	"protocol",
	"security",
	"implementation",
	"testing",
	"performance",
	"documentation",
}

// Summary aggregates one pipeline run.
type Summary struct {
	TotalGates         int      `json:"total_gates"`
	Passed             int      `json:"passed"`
	Failed             int      `json:"failed"`
	Warnings           int      `json:"warnings"`
	OverallScore       float64  `json:"overall_score"`
	SuccessRate        float64  `json:"success_rate"`
	Recommendations    []string `json:"recommendations"`
	CriticalIssues     []string `json:"critical_issues"`
	ReadyForProduction bool     `json:"ready_for_production"`
}

// Pipeline runs quality gates in order and aggregates their results.
type Pipeline struct {
	gates  map[string]Gate
	logger *slog.Logger
	events domain.EventBus
}

// NewPipeline builds a pipeline with the standard gate set.
func NewPipeline(logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		gates:  make(map[string]Gate),
		logger: logger,
	}
	for _, g := range []Gate{
		planningGate{},
		protocolGate{},
		securityGate{},
		implementationGate{},
		testingGate{},
		performanceGate{},
		documentationGate{},
	} {
		p.gates[g.Name()] = g
	}
	return p
}

// SetEventBus enables gate.completed / pipeline.completed events.
func (p *Pipeline) SetEventBus(events domain.EventBus) { p.events = events }

// Gate returns a registered gate by name.
func (p *Pipeline) Gate(name string) (Gate, error) {
	g, ok := p.gates[name]
	if !ok {
		return nil, domain.NewDomainError("gates.Gate", domain.ErrGateUnknown, name)
	}
	return g, nil
}

// Run executes the named gates (all of them when names is empty) against the
// artifact context. A critical gate that fails stops the remaining gates when
// stopOnCritical is set. A gate that errors out is recorded as a failed
// result but never stops the run; only a genuine evaluation failure does.
func (p *Pipeline) Run(ctx context.Context, gctx domain.GateContext, names []string, stopOnCritical bool) map[string]domain.GateResult {
	if len(names) == 0 {
		names = ExecutionOrder
	}
	results := make(map[string]domain.GateResult, len(names))

	p.logger.Info("running quality gates", "gates", names)

	for _, name := range names {
		gate, ok := p.gates[name]
		if !ok {
			p.logger.Warn("unknown gate", "gate", name)
			continue
		}

		res, err := gate.Evaluate(ctx, gctx)
		evalErr := err != nil
		if err != nil {
			p.logger.Error("gate evaluation failed", "gate", name, "error", err)
			res = domain.GateResult{
				Gate:            name,
				Status:          domain.GateFailed,
				Score:           0,
				Details:         map[string]any{"error": err.Error()},
				Recommendations: []string{fmt.Sprintf("Fix gate execution error: %v", err)},
				CriticalIssues:  []string{fmt.Sprintf("Gate execution failed: %v", err)},
			}
		}
		results[name] = res
		p.logger.Info("gate completed",
			"gate", name, "status", res.Status, "score", fmt.Sprintf("%.2f", res.Score))
		p.publishGate(ctx, res)

		if stopOnCritical && gate.Critical() && !evalErr && res.Status == domain.GateFailed {
			p.logger.Error("critical gate failed, stopping pipeline", "gate", name)
			break
		}
	}

	p.publishSummary(ctx, results)
	return results
}

// OverallScore is the weighted average over the gates that actually ran.
func (p *Pipeline) OverallScore(results map[string]domain.GateResult) float64 {
	var totalWeight, weighted float64
	for name, res := range results {
		gate, ok := p.gates[name]
		if !ok {
			continue
		}
		totalWeight += gate.Weight()
		weighted += res.Score * gate.Weight()
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// Summarize folds a result set into counts, deduplicated advice, and the
// production-readiness verdict.
func (p *Pipeline) Summarize(results map[string]domain.GateResult) Summary {
	s := Summary{
		TotalGates:   len(results),
		OverallScore: p.OverallScore(results),
	}
	recSet := make(map[string]struct{})
	critSet := make(map[string]struct{})
	for _, res := range results {
		switch res.Status {
		case domain.GatePassed:
			s.Passed++
		case domain.GateFailed:
			s.Failed++
		case domain.GateWarning:
			s.Warnings++
		}
		for _, r := range res.Recommendations {
			recSet[r] = struct{}{}
		}
		for _, c := range res.CriticalIssues {
			critSet[c] = struct{}{}
		}
	}
	s.Recommendations = sortedKeys(recSet)
	s.CriticalIssues = sortedKeys(critSet)
	if s.TotalGates > 0 {
		s.SuccessRate = float64(s.Passed) / float64(s.TotalGates)
	}
	s.ReadyForProduction = s.Failed == 0 && len(s.CriticalIssues) == 0
	return s
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) publishGate(ctx context.Context, res domain.GateResult) {
	if p.events == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	p.events.Publish(ctx, domain.Event{
		Type:      domain.EventGateCompleted,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (p *Pipeline) publishSummary(ctx context.Context, results map[string]domain.GateResult) {
	if p.events == nil {
		return
	}
	payload, err := json.Marshal(p.Summarize(results))
	if err != nil {
		return
	}
	p.events.Publish(ctx, domain.Event{
		Type:      domain.EventPipelineCompleted,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

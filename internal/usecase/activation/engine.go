package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"maestro/internal/domain"
)

// Options tune the engine. Zero values fall back to the rule document's
// settings.
type Options struct {
	Threshold     float64
	MaxConcurrent int
	LearningDecay time.Duration
}

// Engine combines per-signal scorers into ranked activation decisions.
// Signals are individually noisy — a single keyword match should not
// activate an agent — but convergent evidence across signal types should,
// which is why scoring and aggregation are separate stages.
type Engine struct {
	rules     *Rules
	ledger    *Ledger
	threshold float64
	maxActive int
	logger    *slog.Logger
	events    domain.EventBus // optional
}

// NewEngine creates an activation engine over a compiled rule table.
func NewEngine(rules *Rules, opts Options, logger *slog.Logger) *Engine {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = rules.Settings.ActivationThreshold
	}
	maxActive := opts.MaxConcurrent
	if maxActive <= 0 {
		maxActive = rules.Settings.MaxConcurrentAgents
	}
	return &Engine{
		rules:     rules,
		ledger:    NewLedger(opts.LearningDecay),
		threshold: threshold,
		maxActive: maxActive,
		logger:    logger,
	}
}

// SetEventBus attaches an optional observability bus.
func (e *Engine) SetEventBus(bus domain.EventBus) { e.events = bus }

// Ledger exposes the learning ledger for success recording and test resets.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// AnalyzeActivationNeeds runs every applicable scorer over the context and
// aggregates the candidates into a ranked, thresholded, capped decision.
func (e *Engine) AnalyzeActivationNeeds(ctx context.Context, actx domain.ActivationContext) domain.ActivationDecision {
	var candidates []domain.ActivationCandidate

	candidates = append(candidates, ScoreContent(e.rules, actx.FileContent)...)
	candidates = append(candidates, ScoreFilePath(e.rules, actx.FilePath)...)
	if len(actx.ProjectState) > 0 {
		candidates = append(candidates, ScoreProjectContext(e.rules, actx)...)
	}
	candidates = append(candidates, ScorePhase(e.rules, actx.ProjectPhase)...)
	candidates = append(candidates, ScoreErrors(actx.RecentErrors)...)
	candidates = append(candidates, ScoreRequest(e.rules, actx.UserRequest)...)
	candidates = append(candidates, ScoreTask(e.rules, actx.Task)...)

	decision := e.aggregate(candidates)

	e.logger.Debug("activation decision",
		"candidates", len(candidates),
		"activated", len(decision.Activations),
		"lead", decision.Lead(),
	)
	e.publishDecision(ctx, decision)
	return decision
}

// aggregate groups candidates per agent and computes the final score:
// max(scores)*0.7 + mean(scores)*0.3 — strong single-dimension evidence
// dominates, breadth across dimensions adds modest credit — plus the bounded
// learning boost, then threshold, rank and cap.
func (e *Engine) aggregate(candidates []domain.ActivationCandidate) domain.ActivationDecision {
	type bucket struct {
		scores  []float64
		reasons []string
		seen    map[string]bool
	}
	buckets := make(map[string]*bucket)
	var order []string // first-seen order for stable tie-breaking

	for _, c := range candidates {
		b, ok := buckets[c.Agent]
		if !ok {
			b = &bucket{seen: make(map[string]bool)}
			buckets[c.Agent] = b
			order = append(order, c.Agent)
		}
		b.scores = append(b.scores, c.Score)
		if c.Reason != "" && !b.seen[c.Reason] {
			b.seen[c.Reason] = true
			b.reasons = append(b.reasons, c.Reason)
		}
	}

	activations := make([]domain.Activation, 0, len(order))
	for _, agent := range order {
		b := buckets[agent]
		maxScore, sum := 0.0, 0.0
		for _, s := range b.scores {
			if s > maxScore {
				maxScore = s
			}
			sum += s
		}
		final := maxScore*0.7 + (sum/float64(len(b.scores)))*0.3
		final = min(final+e.ledger.Boost(agent), 1.0)

		if final < e.threshold {
			continue
		}
		activations = append(activations, domain.Activation{
			Agent:   agent,
			Score:   final,
			Reasons: b.reasons,
		})
	}

	sort.SliceStable(activations, func(i, j int) bool {
		return activations[i].Score > activations[j].Score
	})
	if len(activations) > e.maxActive {
		activations = activations[:e.maxActive]
	}
	return domain.ActivationDecision{Activations: activations}
}

// DelegationChain returns the agents a source agent should hand follow-up
// work to, given the current context.
func (e *Engine) DelegationChain(from string, actx domain.ActivationContext) []string {
	var chain []string
	for _, d := range e.rules.Delegations {
		if d.From == from && EvalCondition(d.Condition, actx) {
			chain = append(chain, d.To...)
		}
	}
	return chain
}

// CollaborationPattern finds the multi-agent pattern whose trigger phrase
// appears in the given trigger text, or nil.
func (e *Engine) CollaborationPattern(trigger string) *CollaborationPattern {
	lower := strings.ToLower(trigger)
	for i := range e.rules.Collaborations {
		if strings.Contains(lower, strings.ToLower(e.rules.Collaborations[i].Trigger)) {
			return &e.rules.Collaborations[i]
		}
	}
	return nil
}

// Report renders a decision as a human-readable activation summary.
func (e *Engine) Report(decision domain.ActivationDecision) string {
	if len(decision.Activations) == 0 {
		return "No agents activated based on current context."
	}

	var sb strings.Builder
	sb.WriteString("Activated agents:\n")
	for _, a := range decision.Activations {
		confidence := "low"
		switch {
		case a.Score > 0.8:
			confidence = "high"
		case a.Score > 0.6:
			confidence = "medium"
		}
		fmt.Fprintf(&sb, "- %s (confidence: %s, score %.2f)\n", a.Agent, confidence, a.Score)
		if len(a.Reasons) > 0 {
			fmt.Fprintf(&sb, "  reason: %s\n", strings.Join(a.Reasons, " | "))
		}
	}
	if len(decision.Activations) > 1 {
		fmt.Fprintf(&sb, "Lead agent: %s\n", decision.Lead())
		fmt.Fprintf(&sb, "Supporting agents: %s\n", strings.Join(decision.Agents()[1:], ", "))
	}
	return sb.String()
}

func (e *Engine) publishDecision(ctx context.Context, decision domain.ActivationDecision) {
	if e.events == nil {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	e.events.Publish(ctx, domain.Event{
		Type:      domain.EventActivationDecided,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

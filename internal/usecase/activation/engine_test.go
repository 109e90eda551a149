package activation

import (
	"context"
	"strings"
	"testing"
	"time"

	"maestro/internal/domain"
	"maestro/internal/infra/logger"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(DefaultRules(), Options{}, logger.Discard())
}

const fastmcpServer = `from fastmcp import FastMCP

mcp = FastMCP("demo")

@mcp.tool()
def ping() -> str:
    return "pong"
`

func TestServerImplementationActivatesSpecialist(t *testing.T) {
	e := newTestEngine(t)

	decision := e.AnalyzeActivationNeeds(context.Background(), domain.ActivationContext{
		FileContent: fastmcpServer,
		UserRequest: "implement a fastmcp server",
	})

	if got := decision.Lead(); got != AgentFastMCP {
		t.Fatalf("lead = %q, want %q (decision: %+v)", got, AgentFastMCP, decision)
	}
	for _, a := range decision.Activations {
		if a.Score < 0.7 {
			t.Errorf("agent %s activated below threshold: %.3f", a.Agent, a.Score)
		}
		if a.Score > 1.0 {
			t.Errorf("agent %s score above 1.0: %.3f", a.Agent, a.Score)
		}
	}
}

func TestNoSignalsNoActivations(t *testing.T) {
	e := newTestEngine(t)

	decision := e.AnalyzeActivationNeeds(context.Background(), domain.ActivationContext{})
	if len(decision.Activations) != 0 {
		t.Fatalf("expected no activations, got %+v", decision.Activations)
	}
	if got := e.Report(decision); !strings.Contains(got, "No agents activated") {
		t.Errorf("report = %q", got)
	}
}

func TestConcurrencyCapAndOrdering(t *testing.T) {
	e := newTestEngine(t)

	// Enough convergent signals to push four agents over the threshold.
	decision := e.AnalyzeActivationNeeds(context.Background(), domain.ActivationContext{
		UserRequest:  "debug the security error and optimize performance of the deploy",
		RecentErrors: []string{"timeout: performance degradation under load"},
	})

	if len(decision.Activations) != 3 {
		t.Fatalf("activations = %d, want cap of 3 (%+v)", len(decision.Activations), decision.Activations)
	}
	for i := 1; i < len(decision.Activations); i++ {
		if decision.Activations[i].Score > decision.Activations[i-1].Score {
			t.Errorf("scores not descending at %d: %+v", i, decision.Activations)
		}
	}
	seen := make(map[string]bool)
	for _, a := range decision.Activations {
		if seen[a.Agent] {
			t.Errorf("duplicate agent %s", a.Agent)
		}
		seen[a.Agent] = true
	}
	// Four agents clear the bar; the weakest (performance) falls off the cap.
	if seen[AgentPerformance] {
		t.Errorf("expected performance-optimizer to be capped out, got %+v", decision.Activations)
	}
}

func TestDecisionIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	actx := domain.ActivationContext{
		FileContent: fastmcpServer,
		UserRequest: "implement a fastmcp server",
		// Two task-type keywords tie their agents at 1.0.
		Task: &domain.TaskContext{Type: "debug protocol"},
	}

	first := e.AnalyzeActivationNeeds(context.Background(), actx)
	for range 50 {
		next := e.AnalyzeActivationNeeds(context.Background(), actx)
		if len(first.Activations) != len(next.Activations) {
			t.Fatalf("decision changed between runs: %+v vs %+v", first, next)
		}
		for i := range first.Activations {
			if first.Activations[i].Agent != next.Activations[i].Agent ||
				first.Activations[i].Score != next.Activations[i].Score {
				t.Fatalf("activation %d differs: %+v vs %+v", i, first.Activations[i], next.Activations[i])
			}
		}
	}
}

func TestTiedAgentsRankInRuleOrder(t *testing.T) {
	e := newTestEngine(t)
	// "debug" and "protocol" both score their agents at exactly 1.0; the tie
	// must resolve to rule-table order, the debug rule coming first.
	actx := domain.ActivationContext{Task: &domain.TaskContext{Type: "debug protocol"}}

	for range 50 {
		decision := e.AnalyzeActivationNeeds(context.Background(), actx)
		if len(decision.Activations) != 2 {
			t.Fatalf("activations = %+v, want debugger and protocol-expert", decision.Activations)
		}
		if decision.Activations[0].Agent != AgentDebugger ||
			decision.Activations[1].Agent != AgentProtocolExpert {
			t.Fatalf("tied ranking = %v, want [%s %s]",
				decision.Agents(), AgentDebugger, AgentProtocolExpert)
		}
	}
}

func TestLearningBoostLiftsBorderlineAgent(t *testing.T) {
	e := newTestEngine(t)
	// Content alone scores the specialist just under the threshold.
	actx := domain.ActivationContext{FileContent: fastmcpServer}

	before := e.AnalyzeActivationNeeds(context.Background(), actx)
	for _, a := range before.Activations {
		if a.Agent == AgentFastMCP {
			t.Fatalf("specialist unexpectedly activated before boost: %+v", a)
		}
	}

	for range 3 {
		e.Ledger().RecordSuccess(AgentFastMCP)
	}

	after := e.AnalyzeActivationNeeds(context.Background(), actx)
	if after.Lead() != AgentFastMCP {
		t.Fatalf("lead after boost = %q, want %q (%+v)", after.Lead(), AgentFastMCP, after)
	}
}

func TestLedgerBoostIsBounded(t *testing.T) {
	l := NewLedger(0)
	for range 50 {
		l.RecordSuccess("x")
	}
	if got := l.Boost("x"); got != 0.2 {
		t.Errorf("boost = %v, want 0.2 cap", got)
	}
	if got := l.Boost("unknown"); got != 0 {
		t.Errorf("boost for unknown agent = %v, want 0", got)
	}
	l.Reset()
	if got := l.Boost("x"); got != 0 {
		t.Errorf("boost after reset = %v, want 0", got)
	}
}

func TestLedgerDecayHalvesCounts(t *testing.T) {
	l := NewLedger(time.Hour)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.lastDecay = base

	for range 4 {
		l.RecordSuccess("x")
	}
	if got := l.Boost("x"); got != 0.08 {
		t.Fatalf("boost = %v, want 0.08", got)
	}

	base = base.Add(time.Hour)
	if got := l.Boost("x"); got != 0.04 {
		t.Errorf("boost after one interval = %v, want 0.04 (halved)", got)
	}

	base = base.Add(2 * time.Hour)
	if got := l.Boost("x"); got != 0 {
		t.Errorf("boost after full decay = %v, want 0", got)
	}
}

func TestDelegationChain(t *testing.T) {
	e := newTestEngine(t)

	chain := e.DelegationChain(AgentOrchestrator, domain.ActivationContext{ProjectPhase: "deployment"})
	want := []string{AgentDeployment, AgentSecurity}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}

	if got := e.DelegationChain(AgentOrchestrator, domain.ActivationContext{ProjectPhase: "planning"}); got != nil {
		t.Errorf("chain without condition = %v, want nil", got)
	}
	if got := e.DelegationChain("nobody", domain.ActivationContext{ProjectPhase: "deployment"}); got != nil {
		t.Errorf("chain for unknown agent = %v, want nil", got)
	}
}

func TestCollaborationPattern(t *testing.T) {
	e := newTestEngine(t)

	p := e.CollaborationPattern("Please build a SECURE SERVER with oauth")
	if p == nil {
		t.Fatal("expected a pattern for secure server trigger")
	}
	if p.Pattern != "lead-support" {
		t.Errorf("pattern = %q, want lead-support", p.Pattern)
	}
	if len(p.Agents) != 2 || p.Agents[0] != AgentFastMCP {
		t.Errorf("agents = %v", p.Agents)
	}

	if got := e.CollaborationPattern("nothing special"); got != nil {
		t.Errorf("pattern = %+v, want nil", got)
	}
}

func TestReportListsLeadAndSupport(t *testing.T) {
	e := newTestEngine(t)
	decision := domain.ActivationDecision{Activations: []domain.Activation{
		{Agent: AgentSecurity, Score: 0.95, Reasons: []string{"user requested: security"}},
		{Agent: AgentDebugger, Score: 0.85},
	}}

	report := e.Report(decision)
	for _, want := range []string{
		"security-auditor (confidence: high",
		"debugger (confidence: high",
		"Lead agent: security-auditor",
		"Supporting agents: debugger",
		"user requested: security",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

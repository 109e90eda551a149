package activation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
)

// ContentRule activates agents when a regex matches file content.
type ContentRule struct {
	Pattern  string   `json:"pattern"`
	Agents   []string `json:"agents"`
	Priority string   `json:"priority"` // "critical", "high", "medium", "low"
	Reason   string   `json:"reason"`

	re *regexp.Regexp
}

// ContextRule activates agents when a named project condition holds.
type ContextRule struct {
	Condition string   `json:"condition"`
	Agents    []string `json:"agents"`
	Reason    string   `json:"reason"`
}

// PhaseRule activates agents for a workflow phase.
type PhaseRule struct {
	Phase  string   `json:"phase"`
	Agents []string `json:"agents"`
}

// DelegationChain routes follow-up work from one agent to others when a
// condition holds.
type DelegationChain struct {
	From      string   `json:"from"`
	Condition string   `json:"condition"`
	To        []string `json:"to"`
}

// CollaborationPattern names a multi-agent pattern for a trigger phrase.
type CollaborationPattern struct {
	Trigger string   `json:"trigger"`
	Agents  []string `json:"agents"`
	Pattern string   `json:"pattern"` // e.g. "lead-support", "pipeline"
}

// Indicator is one agent's content-scoring rule set: keyword and regex terms
// with a per-agent weight. Hit ratios normalize agents with different-sized
// term lists onto a comparable scale.
type Indicator struct {
	Agent    string   `json:"agent"`
	Keywords []string `json:"keywords"`
	Patterns []string `json:"patterns"`
	Weight   float64  `json:"weight"`

	res []*regexp.Regexp
}

// PathRule maps a file-path substring or glob to an agent with a fixed
// high-confidence score.
type PathRule struct {
	Match string  `json:"match"` // substring or glob
	Agent string  `json:"agent"`
	Score float64 `json:"score"`
}

// RequestRule maps a user-request keyword to an agent.
type RequestRule struct {
	Keyword string  `json:"keyword"`
	Agent   string  `json:"agent"`
	Score   float64 `json:"score"`
}

// TaskTypeRule maps a task-type keyword to agent score bumps.
type TaskTypeRule struct {
	Keyword string             `json:"keyword"`
	Agents  map[string]float64 `json:"agents"`
}

// Settings are the aggregator knobs carried in the rule document.
type Settings struct {
	ActivationThreshold float64 `json:"activation_threshold"`
	MaxConcurrentAgents int     `json:"max_concurrent_agents"`
}

// Rules is the static rule table every scorer reads. Loaded once; immutable
// afterward, so scorers can run in parallel without locking.
type Rules struct {
	Content        []ContentRule          `json:"content_rules"`
	Context        []ContextRule          `json:"context_rules"`
	Phases         []PhaseRule            `json:"phase_rules"`
	Delegations    []DelegationChain      `json:"delegation_chains"`
	Collaborations []CollaborationPattern `json:"collaboration_patterns"`
	Indicators     []Indicator            `json:"indicators"`
	Paths          []PathRule             `json:"path_rules"`
	Requests       []RequestRule          `json:"request_rules"`
	TaskTypes      []TaskTypeRule         `json:"task_type_rules"`
	Settings       Settings               `json:"settings"`
}

// LoadRules reads a JSON rule document and compiles its patterns. A missing
// or unreadable file degrades to the built-in default rules with a logged
// warning rather than failing startup.
func LoadRules(path string, logger *slog.Logger) *Rules {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("activation rules unreadable, using defaults", "path", path, "error", err)
		}
		return DefaultRules()
	}

	rules := &Rules{}
	if err := json.Unmarshal(data, rules); err != nil {
		logger.Warn("activation rules malformed, using defaults", "path", path, "error", err)
		return DefaultRules()
	}
	if err := rules.compile(); err != nil {
		logger.Warn("activation rule pattern invalid, using defaults", "path", path, "error", err)
		return DefaultRules()
	}
	rules.applyDefaults()
	return rules
}

func (r *Rules) applyDefaults() {
	if r.Settings.ActivationThreshold <= 0 {
		r.Settings.ActivationThreshold = 0.7
	}
	if r.Settings.MaxConcurrentAgents <= 0 {
		r.Settings.MaxConcurrentAgents = 3
	}
}

func (r *Rules) compile() error {
	for i := range r.Content {
		re, err := regexp.Compile("(?im)" + r.Content[i].Pattern)
		if err != nil {
			return fmt.Errorf("content rule %q: %w", r.Content[i].Pattern, err)
		}
		r.Content[i].re = re
	}
	for i := range r.Indicators {
		ind := &r.Indicators[i]
		ind.res = make([]*regexp.Regexp, 0, len(ind.Patterns))
		for _, p := range ind.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return fmt.Errorf("indicator %q pattern %q: %w", ind.Agent, p, err)
			}
			ind.res = append(ind.res, re)
		}
		if ind.Weight <= 0 {
			ind.Weight = 1.0
		}
	}
	return nil
}

// priorityScore converts a content-rule priority label to a score.
func priorityScore(priority string) float64 {
	switch priority {
	case "critical":
		return 1.0
	case "high":
		return 0.8
	case "low":
		return 0.3
	default: // "medium" and anything unrecognized
		return 0.5
	}
}

// Well-known agent names the built-in rules reference.
const (
	AgentOrchestrator   = "orchestrator"
	AgentProtocolExpert = "protocol-expert"
	AgentFastMCP        = "fastmcp-specialist"
	AgentSecurity       = "security-auditor"
	AgentPerformance    = "performance-optimizer"
	AgentDeployment     = "deployment-specialist"
	AgentDebugger       = "debugger"
	AgentContextManager = "context-manager"
)

// DefaultRules returns the built-in rule table used when no rule document is
// configured.
func DefaultRules() *Rules {
	r := &Rules{
		Indicators: []Indicator{
			{
				Agent:    AgentOrchestrator,
				Keywords: []string{"workflow", "orchestrate", "quality", "gate", "phase"},
				Patterns: []string{`mcp.*workflow`, `quality.*gate`},
				Weight:   1.0,
			},
			{
				Agent:    AgentProtocolExpert,
				Keywords: []string{"JSON-RPC", "transport", "capability", "stdio", "jsonrpc", "2.0"},
				Patterns: []string{`jsonrpc.*2\.0`, `transport.*layer`, `capability.*negotiation`},
				Weight:   1.2,
			},
			{
				Agent:    AgentFastMCP,
				Keywords: []string{"@mcp.tool", "FastMCP", "pydantic", "BaseModel", "decorator"},
				Patterns: []string{`@mcp\.(tool|resource|prompt)`, `FastMCP\(`, `class.*BaseModel`},
				Weight:   1.3,
			},
			{
				Agent:    AgentSecurity,
				Keywords: []string{"OAuth", "JWT", "authentication", "security", "token", "auth"},
				Patterns: []string{`oauth.*2\.[01]`, `jwt.*decode`, `security.*audit`},
				Weight:   1.1,
			},
			{
				Agent:    AgentPerformance,
				Keywords: []string{"async", "await", "pool", "cache", "performance", "optimize"},
				Patterns: []string{`async\s+def`, `connection.*pool`, `cache.*strategy`},
				Weight:   1.0,
			},
			{
				Agent:    AgentDeployment,
				Keywords: []string{"docker", "kubernetes", "deploy", "container", "k8s"},
				Patterns: []string{`FROM\s+\w+`, `kind:\s*Deployment`, `docker.*compose`},
				Weight:   0.9,
			},
			{
				Agent:    AgentDebugger,
				Keywords: []string{"debug", "test", "error", "trace", "log"},
				Patterns: []string{`def\s+test_`, `pytest`, `logger\.`, `raise.*Exception`},
				Weight:   0.8,
			},
		},
		Paths: []PathRule{
			{Match: "server.py", Agent: AgentOrchestrator, Score: 0.9},
			{Match: "auth", Agent: AgentSecurity, Score: 0.8},
			{Match: "test", Agent: AgentDebugger, Score: 0.7},
			{Match: "docker", Agent: AgentDeployment, Score: 0.8},
			{Match: "performance", Agent: AgentPerformance, Score: 0.7},
			{Match: "*.proto", Agent: AgentProtocolExpert, Score: 0.8},
		},
		Requests: []RequestRule{
			{Keyword: "orchestrate", Agent: AgentOrchestrator, Score: 0.95},
			{Keyword: "coordinate", Agent: AgentOrchestrator, Score: 0.9},
			{Keyword: "implement", Agent: AgentFastMCP, Score: 0.9},
			{Keyword: "security", Agent: AgentSecurity, Score: 0.95},
			{Keyword: "auth", Agent: AgentSecurity, Score: 0.9},
			{Keyword: "performance", Agent: AgentPerformance, Score: 0.9},
			{Keyword: "optimize", Agent: AgentPerformance, Score: 0.85},
			{Keyword: "deploy", Agent: AgentDeployment, Score: 0.9},
			{Keyword: "docker", Agent: AgentDeployment, Score: 0.85},
			{Keyword: "debug", Agent: AgentDebugger, Score: 0.95},
			{Keyword: "error", Agent: AgentDebugger, Score: 0.85},
			{Keyword: "protocol", Agent: AgentProtocolExpert, Score: 0.9},
			{Keyword: "transport", Agent: AgentProtocolExpert, Score: 0.85},
		},
		TaskTypes: []TaskTypeRule{
			{Keyword: "orchestrate", Agents: map[string]float64{AgentOrchestrator: 1.0}},
			{Keyword: "workflow", Agents: map[string]float64{AgentOrchestrator: 1.0}},
			{Keyword: "implement", Agents: map[string]float64{AgentFastMCP: 0.9}},
			{Keyword: "create", Agents: map[string]float64{AgentFastMCP: 0.8}},
			{Keyword: "security", Agents: map[string]float64{AgentSecurity: 1.0}},
			{Keyword: "audit", Agents: map[string]float64{AgentSecurity: 0.9}},
			{Keyword: "optimize", Agents: map[string]float64{AgentPerformance: 1.0}},
			{Keyword: "performance", Agents: map[string]float64{AgentPerformance: 1.0}},
			{Keyword: "deploy", Agents: map[string]float64{AgentDeployment: 1.0}},
			{Keyword: "debug", Agents: map[string]float64{AgentDebugger: 1.0}},
			{Keyword: "test", Agents: map[string]float64{AgentDebugger: 0.8}},
			{Keyword: "protocol", Agents: map[string]float64{AgentProtocolExpert: 1.0}},
		},
		Phases: []PhaseRule{
			{Phase: "planning", Agents: []string{AgentOrchestrator, AgentProtocolExpert}},
			{Phase: "implementation", Agents: []string{AgentFastMCP}},
			{Phase: "optimization", Agents: []string{AgentPerformance}},
			{Phase: "deployment", Agents: []string{AgentDeployment, AgentSecurity}},
		},
		Delegations: []DelegationChain{
			{From: AgentOrchestrator, Condition: "production_ready", To: []string{AgentDeployment, AgentSecurity}},
			{From: AgentFastMCP, Condition: "external_api_calls", To: []string{AgentSecurity}},
			{From: AgentDebugger, Condition: "performance_issues", To: []string{AgentPerformance}},
		},
		Collaborations: []CollaborationPattern{
			{Trigger: "secure server", Agents: []string{AgentFastMCP, AgentSecurity}, Pattern: "lead-support"},
			{Trigger: "production release", Agents: []string{AgentSecurity, AgentDeployment, AgentPerformance}, Pattern: "pipeline"},
		},
		Settings: Settings{ActivationThreshold: 0.7, MaxConcurrentAgents: 3},
	}
	if err := r.compile(); err != nil {
		// Built-in patterns are constants; a failure here is a programming error.
		panic(err)
	}
	return r
}

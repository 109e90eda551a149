package activation

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"maestro/internal/domain"
)

// Scorers are pure functions of one signal and the static rule table. No
// shared mutable state, so every signal type can be scored in parallel.

// contentInclusionFloor drops indicator scores too weak to matter: a single
// stray keyword should not surface an agent.
const contentInclusionFloor = 0.1

// fixedPathScore is used for path rules that do not carry their own score.
const fixedPathScore = 0.8

// ScoreContent evaluates file content against every agent's indicator set.
// Per agent: keyword_hit_ratio*0.6 + pattern_hit_ratio*0.4, scaled by the
// indicator weight, included only above the inclusion floor. Content rules
// (regex -> agents at a priority score) are applied on top.
func ScoreContent(rules *Rules, content string) []domain.ActivationCandidate {
	if content == "" {
		return nil
	}
	var out []domain.ActivationCandidate
	lower := strings.ToLower(content)

	for i := range rules.Indicators {
		ind := &rules.Indicators[i]

		var kwHits int
		var matched []string
		for _, kw := range ind.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				kwHits++
				matched = append(matched, "keyword: "+kw)
			}
		}
		var patHits int
		for j, re := range ind.res {
			if re.MatchString(content) {
				patHits++
				matched = append(matched, "pattern: "+ind.Patterns[j])
			}
		}

		score := 0.0
		if kwHits > 0 && len(ind.Keywords) > 0 {
			score += min(float64(kwHits)/float64(len(ind.Keywords)), 1.0) * 0.6
		}
		if patHits > 0 && len(ind.Patterns) > 0 {
			score += min(float64(patHits)/float64(len(ind.Patterns)), 1.0) * 0.4
		}
		score *= ind.Weight

		if score > contentInclusionFloor {
			out = append(out, domain.ActivationCandidate{
				Agent:  ind.Agent,
				Score:  score,
				Reason: strings.Join(matched, ", "),
			})
		}
	}

	for i := range rules.Content {
		rule := &rules.Content[i]
		if rule.re.MatchString(content) {
			score := priorityScore(rule.Priority)
			reason := rule.Reason
			if reason == "" {
				reason = "content pattern matched"
			}
			for _, agent := range rule.Agents {
				out = append(out, domain.ActivationCandidate{Agent: agent, Score: score, Reason: reason})
			}
		}
	}
	return out
}

// ScoreFilePath matches a file path against path rules (substring first,
// then glob against the base name and the whole path). A match yields the
// rule's fixed high-confidence score tagged with the matched pattern.
func ScoreFilePath(rules *Rules, filePath string) []domain.ActivationCandidate {
	if filePath == "" {
		return nil
	}
	var out []domain.ActivationCandidate
	lower := strings.ToLower(filePath)

	for _, rule := range rules.Paths {
		score := rule.Score
		if score <= 0 {
			score = fixedPathScore
		}
		if matchPath(rule.Match, filePath, lower) {
			out = append(out, domain.ActivationCandidate{
				Agent:  rule.Agent,
				Score:  score,
				Reason: fmt.Sprintf("file pattern match: %s", rule.Match),
			})
		}
	}
	return out
}

func matchPath(pattern, full, lower string) bool {
	if strings.Contains(lower, strings.ToLower(pattern)) {
		return true
	}
	if ok, err := path.Match(pattern, path.Base(full)); err == nil && ok {
		return true
	}
	if ok, err := path.Match(pattern, full); err == nil && ok {
		return true
	}
	return false
}

// ScoreTask inspects a task context: type keywords accumulate additively per
// agent (capped at 1.0), and structured requirement flags bump specific
// agents.
func ScoreTask(rules *Rules, task *domain.TaskContext) []domain.ActivationCandidate {
	if task == nil {
		return nil
	}
	scores := make(map[string]float64)
	var order []string // rule order, so downstream tie-breaks are stable
	bump := func(agent string, s float64) {
		if _, seen := scores[agent]; !seen {
			order = append(order, agent)
		}
		scores[agent] += s
	}
	taskType := strings.ToLower(task.Type)

	for _, rule := range rules.TaskTypes {
		if !strings.Contains(taskType, rule.Keyword) {
			continue
		}
		agents := make([]string, 0, len(rule.Agents))
		for agent := range rule.Agents {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			bump(agent, rule.Agents[agent])
		}
	}

	if req, ok := task.Input["requirements"].(map[string]any); ok {
		if truthy(req["authentication"]) {
			bump(AgentSecurity, 0.7)
		}
		if truthy(req["tools"]) || truthy(req["resources"]) {
			bump(AgentFastMCP, 0.6)
		}
		if truthy(req["transport"]) {
			bump(AgentProtocolExpert, 0.5)
		}
	}

	out := make([]domain.ActivationCandidate, 0, len(order))
	for _, agent := range order {
		out = append(out, domain.ActivationCandidate{
			Agent:  agent,
			Score:  min(scores[agent], 1.0),
			Reason: fmt.Sprintf("task analysis: %s", task.Type),
		})
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case nil:
		return false
	default:
		return true
	}
}

// ScoreErrors turns recent error text into candidates. Any error at all adds
// a high-confidence debugger candidate; specific substrings add secondary
// specialists.
func ScoreErrors(errs []string) []domain.ActivationCandidate {
	if len(errs) == 0 {
		return nil
	}
	out := []domain.ActivationCandidate{
		{Agent: AgentDebugger, Score: 0.95, Reason: "errors detected"},
	}

	text := strings.ToLower(strings.Join(errs, " "))
	if strings.Contains(text, "performance") || strings.Contains(text, "timeout") {
		out = append(out, domain.ActivationCandidate{Agent: AgentPerformance, Score: 0.8, Reason: "performance issues detected"})
	}
	if strings.Contains(text, "auth") || strings.Contains(text, "permission") {
		out = append(out, domain.ActivationCandidate{Agent: AgentSecurity, Score: 0.8, Reason: "security issues detected"})
	}
	if strings.Contains(text, "connection") || strings.Contains(text, "protocol") {
		out = append(out, domain.ActivationCandidate{Agent: AgentProtocolExpert, Score: 0.7, Reason: "protocol issues detected"})
	}
	return out
}

// ScoreRequest matches user-request keywords. Long requests (over 20 words)
// additionally surface the context manager.
func ScoreRequest(rules *Rules, request string) []domain.ActivationCandidate {
	if request == "" {
		return nil
	}
	var out []domain.ActivationCandidate
	lower := strings.ToLower(request)

	for _, rule := range rules.Requests {
		if strings.Contains(lower, rule.Keyword) {
			out = append(out, domain.ActivationCandidate{
				Agent:  rule.Agent,
				Score:  rule.Score,
				Reason: fmt.Sprintf("user requested: %s", rule.Keyword),
			})
		}
	}

	if len(strings.Fields(request)) > 20 {
		out = append(out, domain.ActivationCandidate{
			Agent:  AgentContextManager,
			Score:  0.7,
			Reason: "complex request - context needed",
		})
	}
	return out
}

// ScorePhase activates the agents configured for a workflow phase.
func ScorePhase(rules *Rules, phase string) []domain.ActivationCandidate {
	if phase == "" {
		return nil
	}
	var out []domain.ActivationCandidate
	for _, rule := range rules.Phases {
		if rule.Phase != phase {
			continue
		}
		for _, agent := range rule.Agents {
			out = append(out, domain.ActivationCandidate{
				Agent:  agent,
				Score:  0.85,
				Reason: fmt.Sprintf("workflow phase: %s", phase),
			})
		}
	}
	return out
}

// ScoreProjectContext evaluates named context conditions against the
// activation context. Agents listed for a matched condition score in
// decreasing sequence order starting at 0.9.
func ScoreProjectContext(rules *Rules, ctx domain.ActivationContext) []domain.ActivationCandidate {
	var out []domain.ActivationCandidate
	for _, rule := range rules.Context {
		if !EvalCondition(rule.Condition, ctx) {
			continue
		}
		reason := rule.Reason
		if reason == "" {
			reason = "context condition met"
		}
		for i, agent := range rule.Agents {
			out = append(out, domain.ActivationCandidate{
				Agent:  agent,
				Score:  0.9 - float64(i)*0.1,
				Reason: reason,
			})
		}
	}
	return out
}

// EvalCondition evaluates a named condition against the activation context.
// Unknown conditions are false.
func EvalCondition(condition string, ctx domain.ActivationContext) bool {
	switch condition {
	case "new_project":
		return !truthy(ctx.ProjectState["initialized"])
	case "multiple_tools_defined":
		n, _ := ctx.ProjectState["tool_count"].(int)
		return n > 3
	case "external_api_calls":
		return strings.Contains(strings.ToLower(ctx.FileContent), "http")
	case "production_ready":
		return ctx.ProjectPhase == "deployment"
	case "performance_issues":
		for _, e := range ctx.RecentErrors {
			if strings.Contains(strings.ToLower(e), "performance") {
				return true
			}
		}
		return false
	default:
		return false
	}
}

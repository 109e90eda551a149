package gates

import (
	"context"
	"regexp"
	"strings"
	"time"

	"maestro/internal/domain"
)

// planningGate validates that the planning phase produced its artifacts.
type planningGate struct{}

func (planningGate) Name() string    { return "planning" }
func (planningGate) Weight() float64 { return 3.0 }
func (planningGate) Critical() bool  { return true }

func (g planningGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()

	hasRequirements := gctx.Requirements != ""
	hasArchitecture := gctx.Architecture != ""
	hasTransport := gctx.Transport != ""
	hasTools := len(gctx.Tools) > 0
	hasSecurityPlan := gctx.SecurityDesign != ""

	score, details := scoreChecks([]check{
		{"requirements_defined", hasRequirements},
		{"architecture_designed", hasArchitecture},
		{"transport_selected", hasTransport},
		{"tools_planned", hasTools},
		{"security_planned", hasSecurityPlan},
	})

	var recs, critical []string
	if !hasRequirements {
		critical = append(critical, "Requirements must be defined before proceeding")
	}
	if !hasArchitecture {
		critical = append(critical, "System architecture must be designed")
	}
	if !hasTransport {
		recs = append(recs, "Select appropriate transport layer (stdio, HTTP, SSE)")
	}
	if !hasTools {
		recs = append(recs, "Define MCP tools and their interfaces")
	}
	if !hasSecurityPlan {
		recs = append(recs, "Create security design for authentication/authorization")
	}

	status := domain.GateFailed
	if score >= 0.8 && len(critical) == 0 {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, critical, nil, start), nil
}

// protocolGate validates MCP wire-protocol compliance of the generated code.
type protocolGate struct{}

func (protocolGate) Name() string    { return "protocol" }
func (protocolGate) Weight() float64 { return 3.0 }
func (protocolGate) Critical() bool  { return true }

var jsonrpcRe = regexp.MustCompile(`"jsonrpc"\s*:\s*"2\.0"`)

func (g protocolGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()
	code := gctx.Code

	hasJSONRPC := jsonrpcRe.MatchString(code)
	hasMethods := strings.Contains(code, "initialize") &&
		strings.Contains(code, "tools/list") &&
		strings.Contains(code, "tools/call")
	hasCapabilities := strings.Contains(code, "capabilities") && strings.Contains(code, "protocolVersion")
	hasErrorHandling := strings.Contains(code, "except") || strings.Contains(code, "try:")

	score, details := scoreChecks([]check{
		{"jsonrpc_compliant", hasJSONRPC},
		{"mcp_methods_implemented", hasMethods},
		{"capability_negotiation", hasCapabilities},
		{"error_handling", hasErrorHandling},
	})

	var recs []string
	if !hasJSONRPC {
		recs = append(recs, "Ensure JSON-RPC 2.0 compliance for all methods")
	}
	if !hasMethods {
		recs = append(recs, "Implement required MCP methods (initialize, tools/list, etc.)")
	}
	if !hasCapabilities {
		recs = append(recs, "Add proper capability negotiation in initialize method")
	}
	if !hasErrorHandling {
		recs = append(recs, "Implement comprehensive error handling with proper codes")
	}

	status := domain.GateFailed
	if score >= 0.9 {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, nil, nil, start), nil
}

// securityGate scans the generated code for validation, auth, and known
// dangerous call patterns.
type securityGate struct{}

func (securityGate) Name() string    { return "security" }
func (securityGate) Weight() float64 { return 2.5 }
func (securityGate) Critical() bool  { return true }

var (
	validationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Field\(.*validation.*\)`),
		regexp.MustCompile(`(?i)validator\(`),
		regexp.MustCompile(`(?i)validate_.*\(`),
		regexp.MustCompile(`(?i)if.*len\(.*\)`),
		regexp.MustCompile(`(?i)if.*isinstance\(`),
	}
	dangerousCodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`eval\(`),
		regexp.MustCompile(`exec\(`),
		regexp.MustCompile(`os\.system`),
		regexp.MustCompile(`subprocess.*shell=True`),
		regexp.MustCompile(`pickle\.loads`),
		regexp.MustCompile(`yaml\.load\(`),
	}
	authKeywords   = []string{"oauth", "jwt", "token", "authenticate", "authorize"}
	secureKeywords = []string{"secrets.", "hashlib", "bcrypt", "scrypt"}
)

func (g securityGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()
	code := gctx.Code
	lower := strings.ToLower(code)

	hasValidation := anyMatch(validationPatterns, code)
	hasAuth := containsAny(lower, authKeywords)
	hasSecure := containsAny(code, secureKeywords)
	noIssues := !anyMatch(dangerousCodePatterns, code)

	score, details := scoreChecks([]check{
		{"input_validation", hasValidation},
		{"authentication", hasAuth},
		{"secure_patterns", hasSecure},
	})
	// security_issues_found reports the inverse of the check.
	details["security_issues_found"] = !noIssues
	passed := 0
	for _, ok := range []bool{hasValidation, hasAuth, hasSecure, noIssues} {
		if ok {
			passed++
		}
	}
	score = float64(passed) / 4

	var recs, critical []string
	if !hasValidation {
		critical = append(critical, "Input validation is required for all user inputs")
	}
	if !hasAuth {
		recs = append(recs, "Implement proper authentication mechanism")
	}
	if !hasSecure {
		recs = append(recs, "Follow secure coding patterns")
	}
	if !noIssues {
		critical = append(critical, "Security vulnerabilities detected in code")
	}

	status := domain.GateFailed
	if score >= 0.8 && len(critical) == 0 {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, critical, nil, start), nil
}

// implementationGate judges code quality: annotations, docs, error handling,
// framework conventions, and basic parseability.
type implementationGate struct{}

func (implementationGate) Name() string    { return "implementation" }
func (implementationGate) Weight() float64 { return 2.0 }
func (implementationGate) Critical() bool  { return false }

func (g implementationGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()
	code := gctx.Code

	hasTypeHints := strings.Contains(code, ": ") &&
		(strings.Contains(code, "Dict[") || strings.Contains(code, "List[") || strings.Contains(code, "Optional["))
	hasDocstrings := strings.Contains(code, `"""`) || strings.Contains(code, "'''")
	hasErrorHandling := strings.Contains(code, "try:") && strings.Contains(code, "except")
	followsPatterns := strings.Contains(code, "@mcp.tool") ||
		strings.Contains(code, "@mcp.resource") ||
		strings.Contains(code, "FastMCP")
	syntaxValid := syntaxPlausible(code)

	score, details := scoreChecks([]check{
		{"type_hints", hasTypeHints},
		{"docstrings", hasDocstrings},
		{"error_handling", hasErrorHandling},
		{"fastmcp_patterns", followsPatterns},
		{"syntax_valid", syntaxValid},
	})

	var recs, warnings []string
	if !hasTypeHints {
		warnings = append(warnings, "Add type hints for better code maintainability")
	}
	if !hasDocstrings {
		warnings = append(warnings, "Add docstrings to improve code documentation")
	}
	if !hasErrorHandling {
		recs = append(recs, "Add comprehensive error handling")
	}
	if !followsPatterns {
		recs = append(recs, "Follow FastMCP patterns and conventions")
	}
	if !syntaxValid {
		recs = append(recs, "Fix syntax errors in code")
	}

	status := domain.GateFailed
	if score >= 0.6 && syntaxValid {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, nil, warnings, start), nil
}

// syntaxPlausible is a cheap structural check: non-empty code with balanced
// brackets outside of string literals. A full parse of the generated language
// is out of reach here; unbalanced nesting catches truncated generations.
func syntaxPlausible(code string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	var stack []rune
	var inString rune
	prev := rune(0)
	for _, r := range code {
		if inString != 0 {
			if r == inString && prev != '\\' {
				inString = 0
			}
			prev = r
			continue
		}
		switch r {
		case '"', '\'':
			inString = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 {
				return false
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (r == ')' && open != '(') || (r == ']' && open != '[') || (r == '}' && open != '{') {
				return false
			}
		}
		prev = r
	}
	return len(stack) == 0
}

// testingGate checks that tests exist, cover enough, and pass.
type testingGate struct{}

func (testingGate) Name() string    { return "testing" }
func (testingGate) Weight() float64 { return 1.5 }
func (testingGate) Critical() bool  { return false }

func (g testingGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()

	hasTests := gctx.Tests != "" || len(gctx.TestResults) > 0
	hasCoverage := gctx.TestCoverage >= 0.8
	testsPass := false
	if gctx.TestResults != nil {
		testsPass = gctx.TestResults["passed"] > failedOrDefault(gctx.TestResults)
	}

	score, details := scoreChecks([]check{
		{"tests_present", hasTests},
		{"test_coverage", hasCoverage},
		{"tests_passing", testsPass},
	})

	var recs []string
	if !hasTests {
		recs = append(recs, "Add unit tests for MCP server functionality")
	}
	if !hasCoverage {
		recs = append(recs, "Ensure adequate test coverage (>80%)")
	}
	if !testsPass {
		recs = append(recs, "Fix failing tests before proceeding")
	}

	status := domain.GateWarning
	if score >= 0.7 {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, nil, nil, start), nil
}

// failedOrDefault treats a result set with no failure count as one failure,
// so an empty report never counts as passing.
func failedOrDefault(results map[string]int) int {
	if v, ok := results["failed"]; ok {
		return v
	}
	return 1
}

// performanceGate checks concurrency patterns, optimization markers, and the
// measured response time.
type performanceGate struct{}

func (performanceGate) Name() string    { return "performance" }
func (performanceGate) Weight() float64 { return 1.0 }
func (performanceGate) Critical() bool  { return false }

var optimizationKeywords = []string{"cache", "pool", "optimize", "@lru_cache"}

func (g performanceGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()
	code := gctx.Code

	hasAsync := strings.Contains(code, "async def") && strings.Contains(code, "await")
	hasOptimization := containsAny(strings.ToLower(code), optimizationKeywords)
	meetsBenchmarks := gctx.ResponseTime < time.Second

	score, details := scoreChecks([]check{
		{"async_patterns", hasAsync},
		{"optimization_present", hasOptimization},
		{"benchmarks_met", meetsBenchmarks},
	})

	var recs []string
	if !hasAsync {
		recs = append(recs, "Use async/await patterns for better performance")
	}
	if !hasOptimization {
		recs = append(recs, "Add performance optimizations (caching, pooling)")
	}
	if !meetsBenchmarks {
		recs = append(recs, "Optimize to meet performance benchmarks")
	}

	status := domain.GateWarning
	if score >= 0.6 {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, nil, nil, start), nil
}

// documentationGate checks for a README, API docs in the code, and examples.
type documentationGate struct{}

func (documentationGate) Name() string    { return "documentation" }
func (documentationGate) Weight() float64 { return 1.0 }
func (documentationGate) Critical() bool  { return false }

func (g documentationGate) Evaluate(_ context.Context, gctx domain.GateContext) (domain.GateResult, error) {
	start := time.Now()

	hasReadme := gctx.Readme != ""
	hasAPIDocs := strings.Contains(gctx.Code, `"""`) &&
		(strings.Contains(gctx.Code, "Args:") || strings.Contains(gctx.Code, "Returns:"))
	hasExamples := gctx.Examples != ""

	score, details := scoreChecks([]check{
		{"readme_present", hasReadme},
		{"api_documentation", hasAPIDocs},
		{"examples_provided", hasExamples},
	})

	var recs []string
	if !hasReadme {
		recs = append(recs, "Create comprehensive README with usage instructions")
	}
	if !hasAPIDocs {
		recs = append(recs, "Document API endpoints and tool schemas")
	}
	if !hasExamples {
		recs = append(recs, "Provide usage examples and tutorials")
	}

	status := domain.GateWarning
	if score >= 0.7 {
		status = domain.GatePassed
	}
	return result(g.Name(), status, score, details, recs, nil, nil, start), nil
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

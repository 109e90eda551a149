package domain

import "time"

// GateStatus is the verdict of one quality gate.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GateRunning GateStatus = "running"
	GatePassed  GateStatus = "passed"
	GateFailed  GateStatus = "failed"
	GateSkipped GateStatus = "skipped"
	GateWarning GateStatus = "warning"
)

// GateContext is the shared artifact context a pipeline run inspects:
// generated code plus whatever planning and test metadata the caller has.
type GateContext struct {
	Code           string         `json:"code,omitempty"`
	Requirements   string         `json:"requirements,omitempty"`
	Architecture   string         `json:"architecture,omitempty"`
	Transport      string         `json:"transport,omitempty"`
	Tools          []string       `json:"tools,omitempty"`
	SecurityDesign string         `json:"security_design,omitempty"`
	Tests          string         `json:"tests,omitempty"`
	TestCoverage   float64        `json:"test_coverage,omitempty"`
	TestResults    map[string]int `json:"test_results,omitempty"` // "passed"/"failed" counts
	ResponseTime   time.Duration  `json:"response_time,omitempty"`
	Readme         string         `json:"readme,omitempty"`
	Examples       string         `json:"examples,omitempty"`
}

// GateResult is the immutable outcome of one gate evaluation. Created fresh
// on each pipeline run; aggregated, never merged, across gates.
type GateResult struct {
	Gate            string         `json:"gate"`
	Status          GateStatus     `json:"status"`
	Score           float64        `json:"score"` // in [0,1]
	Details         map[string]any `json:"details,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	CriticalIssues  []string       `json:"critical_issues,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	ExecutionTime   time.Duration  `json:"execution_time"`
}

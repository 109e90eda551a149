package domain

import (
	"context"
	"time"
)

// ModelTier selects the class of model an agent runs on.
type ModelTier string

const (
	TierFast ModelTier = "fast"
	TierDeep ModelTier = "deep"
)

// AgentState is the runtime status of an agent instance.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StateProcessing AgentState = "processing"
	StateWaiting    AgentState = "waiting"
	StateError      AgentState = "error"
)

// AgentConfig is the static configuration for one agent, registered once at
// startup from a definition document or a programmatic registration list.
type AgentConfig struct {
	Name                 string        `json:"name"                   yaml:"name"`
	Model                ModelTier     `json:"model"                  yaml:"model"`
	Description          string        `json:"description"            yaml:"description"`
	Capabilities         []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	AutoActivatePatterns []string      `json:"auto_activate_patterns,omitempty" yaml:"auto_activate_patterns,omitempty"`
	MaxConcurrentTasks   int           `json:"max_concurrent_tasks,omitempty"   yaml:"max_concurrent_tasks,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"      yaml:"timeout,omitempty"`
	// InputSchema, when non-empty, is a JSON schema document that task input
	// must satisfy before the agent processes it.
	InputSchema []byte `json:"input_schema,omitempty" yaml:"-"`
}

// HandlerFunc is the processing function of a programmatic agent.
type HandlerFunc func(ctx context.Context, task TaskContext) (TaskResult, error)

// Implementation is the tagged variant selecting how an agent processes
// tasks: either a Go handler function or a prompt template driven by an LLM
// provider. Exactly one field is set; selected explicitly at registration.
type Implementation struct {
	Handler  HandlerFunc // programmatic agent
	Template *Definition // template-driven agent
}

// AgentStatus is a read-only health snapshot of a running agent instance.
type AgentStatus struct {
	Name               string     `json:"name"`
	State              AgentState `json:"state"`
	ActiveTasks        int        `json:"active_tasks"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	Capabilities       []string   `json:"capabilities,omitempty"`
}

// Definition is a parsed agent-definition document: YAML frontmatter plus
// free-text guidance sections. The sections are opaque to the core; they are
// assembled into a system prompt for template-driven agents.
type Definition struct {
	Config        AgentConfig `yaml:",inline"`
	Role          string      `yaml:"-"`
	Competencies  string      `yaml:"-"`
	Procedure     string      `yaml:"-"`
	Constraints   string      `yaml:"-"`
	OutputFormat  string      `yaml:"-"`
	SourcePath    string      `yaml:"-"`
}

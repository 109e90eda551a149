package agent

import (
	"context"
	"strings"
	"testing"

	"maestro/internal/adapter/llm"
	"maestro/internal/domain"
)

func templateDef() *domain.Definition {
	return &domain.Definition{
		Config: domain.AgentConfig{
			Name:        "deployment-specialist",
			Model:       domain.TierFast,
			Description: "Packages and ships servers.",
		},
		Role:         "Handles container builds and releases.",
		Procedure:    "1. Build image. 2. Push. 3. Roll out.",
		Constraints:  "Never deploy on Fridays.",
		OutputFormat: "Deployment report.",
	}
}

func TestTemplateDrivenAgentCallsProvider(t *testing.T) {
	r := newTestRegistry(t, Options{})
	provider := &llm.ScriptedProvider{
		Responses: []*domain.CompletionResponse{
			{Content: "deployed", Usage: domain.Usage{TotalTokens: 42}},
		},
	}
	r.SetProvider(provider)

	def := templateDef()
	if err := r.Register(def.Config, domain.Implementation{Template: def}); err != nil {
		t.Fatalf("register: %v", err)
	}

	inst, _ := r.Get("deployment-specialist", false)
	result := inst.ExecuteWithTimeout(context.Background(), domain.TaskContext{
		Type:  "deploy",
		Input: map[string]any{"service": "registry"},
	})
	if result.Status != domain.TaskSuccess {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if result.Data["response"] != "deployed" {
		t.Errorf("response = %v", result.Data["response"])
	}
	if result.Data["tokens"] != 42 {
		t.Errorf("tokens = %v", result.Data["tokens"])
	}
	if provider.Calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.Calls)
	}
}

func TestTemplateAgentWithoutProvider(t *testing.T) {
	r := newTestRegistry(t, Options{})
	def := templateDef()
	if err := r.Register(def.Config, domain.Implementation{Template: def}); err != nil {
		t.Fatalf("register: %v", err)
	}

	inst, _ := r.Get("deployment-specialist", false)
	result := inst.ExecuteWithTimeout(context.Background(), domain.TaskContext{Input: map[string]any{}})
	if result.Status != domain.TaskError {
		t.Errorf("status = %s, want error without provider", result.Status)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := buildSystemPrompt(templateDef())

	for _, want := range []string{
		"deployment-specialist",
		"## Role",
		"container builds",
		"## Standard Operating Procedure",
		"## Constraints",
		"## Output Format",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	// Empty sections are omitted entirely.
	if strings.Contains(prompt, "## Core Competencies") {
		t.Error("empty competencies section should be omitted")
	}
}

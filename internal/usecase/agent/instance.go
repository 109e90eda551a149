// Package agent hosts the agent runtime and registry: task execution under
// timeout, delegation, and instance lifecycle.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/domain"
	"maestro/internal/infra/tracer"
	"maestro/internal/usecase/bus"
	"maestro/internal/usecase/contextstore"
)

// Instance is one live agent. Every entry point that runs a task goes
// through ExecuteWithTimeout, which guarantees a TaskResult: validation
// failures, timeouts and panics all surface as error-status results.
type Instance struct {
	config   domain.AgentConfig
	impl     domain.Implementation
	schema   *jsonschema.Schema
	registry *Registry
	provider domain.LLMProvider
	msgbus   *bus.Bus
	contexts *contextstore.Manager
	logger   *slog.Logger
	timeout  time.Duration
	sem      chan struct{}
	now      func() time.Time

	mu     sync.Mutex
	state  domain.AgentState
	active map[string]struct{}
}

func newInstance(config domain.AgentConfig, impl domain.Implementation, r *Registry) (*Instance, error) {
	maxTasks := config.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = r.defaultMaxTasks
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	inst := &Instance{
		config:   config,
		impl:     impl,
		registry: r,
		provider: r.provider,
		msgbus:   r.msgbus,
		contexts: r.contexts,
		logger:   r.logger.With("agent", config.Name),
		timeout:  timeout,
		sem:      make(chan struct{}, maxTasks),
		now:      time.Now,
		state:    domain.StateIdle,
		active:   make(map[string]struct{}),
	}
	if len(config.InputSchema) > 0 {
		schema, err := jsonschema.NewCompiler().Compile(config.InputSchema)
		if err != nil {
			return nil, domain.NewDomainError("agent.newInstance", domain.ErrInvalidInput,
				fmt.Sprintf("input schema for %s: %v", config.Name, err))
		}
		inst.schema = schema
	}
	return inst, nil
}

// Config returns the agent's static configuration.
func (a *Instance) Config() domain.AgentConfig { return a.config }

// ExecuteWithTimeout validates and runs one task under the agent's wall-clock
// timeout. It always returns a TaskResult; errors never escape.
func (a *Instance) ExecuteWithTimeout(ctx context.Context, task domain.TaskContext) domain.TaskResult {
	start := a.now()
	taskID := task.TaskID
	if taskID == "" {
		taskID = domain.NewID()
	}
	task.TaskID = taskID
	task.AgentName = a.config.Name
	if task.CreatedAt.IsZero() {
		task.CreatedAt = start
	}

	ctx, span := tracer.StartSpan(ctx, "agent.execute")
	span.SetAttributes(
		attribute.String("agent.name", a.config.Name),
		attribute.String("task.id", taskID),
		attribute.String("task.type", task.Type),
	)
	defer span.End()

	errorResult := func(msg string) domain.TaskResult {
		tracer.RecordError(span, fmt.Errorf("%s", msg))
		return domain.TaskResult{
			TaskID:        taskID,
			AgentName:     a.config.Name,
			Status:        domain.TaskError,
			Errors:        []string{msg},
			ExecutionTime: a.now().Sub(start),
		}
	}

	if err := a.validateInput(task.Input); err != nil {
		return errorResult("Input validation failed: " + err.Error())
	}

	select {
	case a.sem <- struct{}{}:
	default:
		return errorResult(fmt.Sprintf("Agent busy: %d tasks already running", cap(a.sem)))
	}

	a.beginTask(taskID)
	defer func() {
		a.endTask(taskID)
		<-a.sem
	}()

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resultCh := make(chan domain.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("task panicked", "task_id", taskID, "panic", r)
				resultCh <- domain.TaskResult{
					Status: domain.TaskError,
					Errors: []string{fmt.Sprintf("task panicked: %v", r)},
				}
			}
		}()
		resultCh <- a.process(cctx, task)
	}()

	var result domain.TaskResult
	select {
	case result = <-resultCh:
	case <-cctx.Done():
		a.logger.Error("task timed out", "task_id", taskID, "timeout", a.timeout)
		result = domain.TaskResult{
			Status: domain.TaskError,
			Errors: []string{fmt.Sprintf("Task timed out after %s", a.timeout)},
		}
	}

	result.TaskID = taskID
	result.AgentName = a.config.Name
	result.ExecutionTime = a.now().Sub(start)
	if result.Status == domain.TaskError {
		tracer.RecordError(span, fmt.Errorf("%v", result.Errors))
	} else {
		tracer.SetOK(span)
	}
	a.registry.publishTaskCompleted(ctx, result)
	return result
}

// validateInput applies the agent's declared schema, or the default shape
// check when none is declared.
func (a *Instance) validateInput(input map[string]any) error {
	if input == nil {
		return fmt.Errorf("input must be a non-nil map")
	}
	if a.schema == nil {
		return nil
	}
	result := a.schema.Validate(input)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

// process dispatches to the agent's implementation variant.
func (a *Instance) process(ctx context.Context, task domain.TaskContext) domain.TaskResult {
	switch {
	case a.impl.Handler != nil:
		result, err := a.impl.Handler(ctx, task)
		if err != nil {
			return domain.TaskResult{
				Status: domain.TaskError,
				Errors: []string{err.Error()},
			}
		}
		return result
	case a.impl.Template != nil:
		return a.processTemplate(ctx, task)
	default:
		return domain.TaskResult{
			Status: domain.TaskError,
			Errors: []string{"agent has no implementation"},
		}
	}
}

// processTemplate drives a definition-document agent: the guidance sections
// become the system prompt, the task input becomes the user turn.
func (a *Instance) processTemplate(ctx context.Context, task domain.TaskContext) domain.TaskResult {
	if a.provider == nil {
		return domain.TaskResult{
			Status: domain.TaskError,
			Errors: []string{"no completion provider configured"},
		}
	}

	input, err := json.Marshal(task.Input)
	if err != nil {
		return domain.TaskResult{
			Status: domain.TaskError,
			Errors: []string{"encode task input: " + err.Error()},
		}
	}

	req := domain.CompletionRequest{
		SystemPrompt: buildSystemPrompt(a.impl.Template),
		Messages: []domain.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Task type: %s\n\nTask input:\n%s", task.Type, input)},
		},
	}

	resp, err := a.provider.Complete(ctx, req)
	if err != nil {
		return domain.TaskResult{
			Status: domain.TaskError,
			Errors: []string{"completion failed: " + err.Error()},
		}
	}

	return domain.TaskResult{
		Status: domain.TaskSuccess,
		Data: map[string]any{
			"agent_type": "template",
			"response":   resp.Content,
			"tokens":     resp.Usage.TotalTokens,
			"task_type":  task.Type,
		},
	}
}

// buildSystemPrompt assembles the definition sections into one prompt.
func buildSystemPrompt(def *domain.Definition) string {
	sections := []struct {
		title string
		body  string
	}{
		{"Role", def.Role},
		{"Core Competencies", def.Competencies},
		{"Standard Operating Procedure", def.Procedure},
		{"Constraints", def.Constraints},
		{"Output Format", def.OutputFormat},
	}
	prompt := fmt.Sprintf("You are %s. %s\n", def.Config.Name, def.Config.Description)
	for _, s := range sections {
		if s.body == "" {
			continue
		}
		prompt += fmt.Sprintf("\n## %s\n%s\n", s.title, s.body)
	}
	return prompt
}

// Delegate runs a task on another agent via the registry, as a direct
// call-through. Broadcast and notification go over the bus instead.
func (a *Instance) Delegate(ctx context.Context, target string, task domain.TaskContext) (domain.TaskResult, error) {
	inst, err := a.registry.Get(target, false)
	if err != nil {
		return domain.TaskResult{}, domain.WrapOp("agent.Delegate", err)
	}
	a.logger.Info("delegating task", "target", target, "task_type", task.Type)
	task.ParentTaskID = task.TaskID
	task.TaskID = ""
	a.registry.publishDelegated(ctx, a.config.Name, target)
	return inst.ExecuteWithTimeout(ctx, task), nil
}

// Broadcast fans a payload out to every other agent over the bus.
func (a *Instance) Broadcast(payload map[string]any) error {
	if a.msgbus == nil {
		a.logger.Warn("message bus not available, broadcast dropped")
		return nil
	}
	return a.msgbus.Publish(domain.Message{
		Type:     domain.MessageBroadcast,
		Source:   a.config.Name,
		Target:   domain.BroadcastTarget,
		Payload:  payload,
		Priority: domain.PriorityNormal,
	})
}

// SaveContext persists the agent's working context for the session.
func (a *Instance) SaveContext(ctx context.Context, data map[string]any, sessionID string) error {
	if a.contexts == nil {
		return nil
	}
	return a.contexts.Save(ctx, a.config.Name, data, sessionID)
}

// LoadContext returns the agent's saved context, or an empty map when none.
func (a *Instance) LoadContext(ctx context.Context, sessionID string) (map[string]any, error) {
	if a.contexts == nil {
		return map[string]any{}, nil
	}
	data, err := a.contexts.Load(ctx, a.config.Name, sessionID)
	if err != nil {
		return map[string]any{}, nil
	}
	return data, nil
}

// CanHandle reports whether the agent declares the task type as a capability.
func (a *Instance) CanHandle(taskType string) bool {
	for _, c := range a.config.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Status snapshots the agent's health.
func (a *Instance) Status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AgentStatus{
		Name:               a.config.Name,
		State:              a.state,
		ActiveTasks:        len(a.active),
		MaxConcurrentTasks: cap(a.sem),
		Capabilities:       a.config.Capabilities,
	}
}

// Shutdown waits for active tasks to drain, up to the context deadline.
func (a *Instance) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down agent")
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		a.mu.Lock()
		n := len(a.active)
		a.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return domain.NewDomainError("agent.Shutdown", domain.ErrTimeout,
				fmt.Sprintf("%d tasks still active", n))
		case <-ticker.C:
		}
	}
}

func (a *Instance) beginTask(taskID string) {
	a.mu.Lock()
	a.active[taskID] = struct{}{}
	a.state = domain.StateProcessing
	a.mu.Unlock()
}

func (a *Instance) endTask(taskID string) {
	a.mu.Lock()
	delete(a.active, taskID)
	if len(a.active) == 0 {
		a.state = domain.StateIdle
	}
	a.mu.Unlock()
}

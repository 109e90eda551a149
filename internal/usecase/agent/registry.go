package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"maestro/internal/domain"
	"maestro/internal/usecase/bus"
	"maestro/internal/usecase/contextstore"
)

// Options holds registry-wide defaults applied to agents that do not set
// their own.
type Options struct {
	DefaultTimeout            time.Duration // default 300s
	DefaultMaxConcurrentTasks int           // default 5
}

// Stats summarizes the registry.
type Stats struct {
	TotalRegistered int            `json:"total_registered"`
	TotalInstances  int            `json:"total_instances"`
	ByModel         map[string]int `json:"by_model"`
	ByState         map[string]int `json:"by_state"`
}

// Registry holds agent registrations and lazily created instances. All
// registration is explicit; there is no discovery by reflection.
type Registry struct {
	mu        sync.RWMutex
	configs   map[string]domain.AgentConfig
	impls     map[string]domain.Implementation
	instances map[string]*Instance

	provider domain.LLMProvider
	msgbus   *bus.Bus
	contexts *contextstore.Manager
	events   domain.EventBus
	logger   *slog.Logger

	defaultTimeout  time.Duration
	defaultMaxTasks int
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 300 * time.Second
	}
	if opts.DefaultMaxConcurrentTasks <= 0 {
		opts.DefaultMaxConcurrentTasks = 5
	}
	return &Registry{
		configs:         make(map[string]domain.AgentConfig),
		impls:           make(map[string]domain.Implementation),
		instances:       make(map[string]*Instance),
		logger:          logger,
		defaultTimeout:  opts.DefaultTimeout,
		defaultMaxTasks: opts.DefaultMaxConcurrentTasks,
	}
}

// SetProvider wires the completion backend used by template-driven agents.
func (r *Registry) SetProvider(p domain.LLMProvider) { r.provider = p }

// SetMessageBus wires the bus; registered agents get a queue on it.
func (r *Registry) SetMessageBus(b *bus.Bus) { r.msgbus = b }

// SetContextManager wires the per-agent context store.
func (r *Registry) SetContextManager(m *contextstore.Manager) { r.contexts = m }

// SetEventBus enables registry events.
func (r *Registry) SetEventBus(e domain.EventBus) { r.events = e }

// Register records an agent. The implementation must carry exactly one
// variant: a handler func or a definition template.
func (r *Registry) Register(config domain.AgentConfig, impl domain.Implementation) error {
	if config.Name == "" {
		return domain.NewDomainError("agent.Register", domain.ErrInvalidInput, "agent name required")
	}
	if (impl.Handler == nil) == (impl.Template == nil) {
		return domain.NewDomainError("agent.Register", domain.ErrInvalidInput,
			"implementation must be either a handler or a template")
	}

	r.mu.Lock()
	if _, exists := r.configs[config.Name]; exists {
		r.mu.Unlock()
		return domain.NewDomainError("agent.Register", domain.ErrDuplicate, config.Name)
	}
	r.configs[config.Name] = config
	r.impls[config.Name] = impl
	r.mu.Unlock()

	if r.msgbus != nil {
		r.msgbus.RegisterAgent(config.Name)
	}
	r.logger.Info("agent registered", "agent", config.Name, "model", config.Model)
	r.publishRegistered(config)
	return nil
}

// RegisterDefinitions registers every parsed definition document as a
// template-driven agent. Individual failures are logged and skipped.
func (r *Registry) RegisterDefinitions(defs []domain.Definition) int {
	registered := 0
	for i := range defs {
		def := defs[i]
		if err := r.Register(def.Config, domain.Implementation{Template: &def}); err != nil {
			r.logger.Warn("skipping agent definition", "agent", def.Config.Name, "error", err)
			continue
		}
		registered++
	}
	return registered
}

// Get returns the agent instance, creating it on first use. With fresh set,
// a new instance is returned without touching the cached singleton.
func (r *Registry) Get(name string, fresh bool) (*Instance, error) {
	r.mu.RLock()
	config, ok := r.configs[name]
	impl := r.impls[name]
	if !fresh {
		if inst, cached := r.instances[name]; cached {
			r.mu.RUnlock()
			return inst, nil
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("agent.Get", domain.ErrAgentNotFound, name)
	}

	inst, err := newInstance(config, impl, r)
	if err != nil {
		return nil, err
	}
	if fresh {
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have created it in the meantime.
	if cached, ok := r.instances[name]; ok {
		return cached, nil
	}
	r.instances[name] = inst
	r.logger.Info("agent instance created", "agent", name)
	return inst, nil
}

// List returns registered agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns a registered agent's configuration.
func (r *Registry) Config(name string) (domain.AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.configs[name]
	if !ok {
		return domain.AgentConfig{}, domain.NewDomainError("agent.Config", domain.ErrAgentNotFound, name)
	}
	return config, nil
}

// FindByCapability returns agents declaring the capability, sorted.
func (r *Registry) FindByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, config := range r.configs {
		for _, c := range config.Capabilities {
			if c == capability {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// FindByPathPattern returns agents whose activation patterns match the file
// path, either as a substring or as a glob.
func (r *Registry) FindByPathPattern(filePath string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, config := range r.configs {
		for _, pattern := range config.AutoActivatePatterns {
			if matchesPath(pattern, filePath) {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

func matchesPath(pattern, filePath string) bool {
	if strings.Contains(filePath, pattern) {
		return true
	}
	if ok, err := path.Match(pattern, filePath); err == nil && ok {
		return true
	}
	ok, err := path.Match(pattern, path.Base(filePath))
	return err == nil && ok
}

// HealthCheckAll snapshots every live instance.
func (r *Registry) HealthCheckAll() map[string]domain.AgentStatus {
	r.mu.RLock()
	instances := make(map[string]*Instance, len(r.instances))
	for name, inst := range r.instances {
		instances[name] = inst
	}
	r.mu.RUnlock()

	statuses := make(map[string]domain.AgentStatus, len(instances))
	for name, inst := range instances {
		statuses[name] = inst.Status()
	}
	return statuses
}

// Stats summarizes registrations and live instances.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		TotalRegistered: len(r.configs),
		TotalInstances:  len(r.instances),
		ByModel:         make(map[string]int),
		ByState:         make(map[string]int),
	}
	for _, config := range r.configs {
		s.ByModel[string(config.Model)]++
	}
	for _, inst := range r.instances {
		s.ByState[string(inst.Status().State)]++
	}
	return s
}

// Unregister removes an agent registration and its cached instance.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	if inst, ok := r.instances[name]; ok {
		if inst.Status().ActiveTasks > 0 {
			r.logger.Warn("unregistering agent with active tasks", "agent", name)
		}
	}
	delete(r.configs, name)
	delete(r.impls, name)
	delete(r.instances, name)
	r.mu.Unlock()

	if r.msgbus != nil {
		r.msgbus.UnregisterAgent(name)
	}
	r.logger.Info("agent unregistered", "agent", name)
}

// ShutdownAll drains every live instance with a bounded wait, then clears
// the instance cache.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	r.logger.Info("shutting down all agent instances", "count", len(instances))
	var wg sync.WaitGroup
	for name, inst := range instances {
		wg.Add(1)
		go func(name string, inst *Instance) {
			defer wg.Done()
			if err := inst.Shutdown(ctx); err != nil {
				r.logger.Warn("agent shutdown incomplete", "agent", name, "error", err)
			}
		}(name, inst)
	}
	wg.Wait()
}

func (r *Registry) publishRegistered(config domain.AgentConfig) {
	if r.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"agent": config.Name,
		"model": config.Model,
	})
	if err != nil {
		return
	}
	r.events.Publish(context.Background(), domain.Event{
		Type:      domain.EventAgentRegistered,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (r *Registry) publishDelegated(ctx context.Context, source, target string) {
	if r.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"source": source,
		"target": target,
	})
	if err != nil {
		return
	}
	r.events.Publish(ctx, domain.Event{
		Type:      domain.EventAgentDelegated,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (r *Registry) publishTaskCompleted(ctx context.Context, result domain.TaskResult) {
	if r.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"task_id": result.TaskID,
		"agent":   result.AgentName,
		"status":  result.Status,
	})
	if err != nil {
		return
	}
	r.events.Publish(ctx, domain.Event{
		Type:      domain.EventTaskCompleted,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

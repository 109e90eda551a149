package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"maestro/internal/adapter/agentdef"
	"maestro/internal/adapter/contextdb"
	"maestro/internal/domain"
	"maestro/internal/infra/config"
	"maestro/internal/infra/logger"
	"maestro/internal/infra/tracer"
	"maestro/internal/usecase/activation"
	"maestro/internal/usecase/agent"
	"maestro/internal/usecase/bus"
	"maestro/internal/usecase/contextstore"
	"maestro/internal/usecase/eventbus"
	"maestro/internal/usecase/gates"
	"maestro/internal/usecase/guard"
	"maestro/internal/usecase/ratelimit"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "analyze":
		run(runAnalyze)
	case "gates":
		run(runGates)
	case "agents":
		run(runAgents)
	case "validate":
		run(runValidate)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'maestro --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

// errFailed signals a command outcome already reported on stdout; the process
// exits 1 without a second message.
var errFailed = errors.New("command failed")

func run(cmd func(ctx context.Context, args []string) error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd(ctx, os.Args[2:])
	stop()
	if err == nil {
		return
	}
	// Exit only after the command has returned, so its deferred cleanup ran.
	if !errors.Is(err, errFailed) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
	}
	os.Exit(1)
}

func showUsage() {
	fmt.Println(`maestro - multi-agent orchestration engine

USAGE:
    maestro COMMAND [FLAGS]

COMMANDS:
    analyze     Score the context and report which agents should activate
    gates       Run the quality gate pipeline over an artifact context
    agents      List registered agents and their health
    validate    Screen a tool invocation before execution

FLAGS (all commands):
    --config PATH    Config file (default: ./config.yaml)

EXAMPLES:
    maestro analyze --file server.py --request "add oauth support"
    maestro gates --context artifacts.json
    maestro agents
    maestro validate --tool Bash --command "rm -rf /"`)
}

// app bundles the wired components a command needs.
type app struct {
	cfg      *config.Config
	events   *eventbus.Bus
	engine   *activation.Engine
	pipeline *gates.Pipeline
	registry *agent.Registry
	guard    *guard.Guard
	msgbus   *bus.Bus
	contexts *contextstore.Manager
	limiter  *ratelimit.Limiter
	shutdown []func()
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	stopTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.shutdown = append(a.shutdown, func() { _ = stopTracer(context.Background()); _ = closeLog() })

	a.events = eventbus.New(log)
	a.shutdown = append(a.shutdown, a.events.Close)

	a.engine = activation.NewEngine(
		activation.LoadRules(cfg.Activation.RulesPath, log),
		activation.Options{
			Threshold:     cfg.Activation.Threshold,
			MaxConcurrent: cfg.Activation.MaxConcurrent,
			LearningDecay: config.ParseDuration(cfg.Activation.LearningDecay, 0),
		},
		log,
	)
	a.engine.SetEventBus(a.events)

	a.pipeline = gates.NewPipeline(log)
	a.pipeline.SetEventBus(a.events)

	a.guard = guard.New(log)

	a.limiter = ratelimit.New(limitsFromConfig(cfg.RateLimits), log)
	a.limiter.SetEventBus(a.events)

	a.msgbus = bus.New(bus.Options{
		QueueSize:    cfg.Bus.QueueSize,
		PollInterval: config.ParseDuration(cfg.Bus.PollInterval, 0),
	}, log)
	a.msgbus.SetEventBus(a.events)
	a.shutdown = append(a.shutdown, a.msgbus.Close)

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, err
	}
	store, err := contextdb.NewSQLiteStore(filepath.Join(cfg.Storage.Dir, "context.db"))
	if err != nil {
		return nil, err
	}
	a.contexts, err = contextstore.NewManager(store, contextstore.Options{
		TTL:           config.ParseDuration(cfg.Storage.ContextTTL, 0),
		CacheSize:     cfg.Storage.CacheSize,
		SweepSchedule: cfg.Storage.SweepSchedule,
	}, log)
	if err != nil {
		return nil, err
	}
	a.contexts.SetEventBus(a.events)
	a.shutdown = append(a.shutdown, func() { _ = a.contexts.Close(context.Background()) })

	a.registry = agent.NewRegistry(agent.Options{
		DefaultTimeout:            config.ParseDuration(cfg.Runtime.DefaultTimeout, 0),
		DefaultMaxConcurrentTasks: cfg.Runtime.MaxConcurrentTasks,
	}, log)
	a.registry.SetMessageBus(a.msgbus)
	a.registry.SetContextManager(a.contexts)
	a.registry.SetEventBus(a.events)
	a.shutdown = append(a.shutdown, func() { a.registry.ShutdownAll(context.Background()) })

	defs, err := agentdef.LoadDir(cfg.AgentsDir, log)
	if err != nil {
		return nil, err
	}
	a.registry.RegisterDefinitions(defs)

	return a, nil
}

func (a *app) close() {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
}

func limitsFromConfig(rls map[string]config.RateLimitConfig) map[string]ratelimit.Limit {
	if len(rls) == 0 {
		return nil
	}
	limits := make(map[string]ratelimit.Limit, len(rls))
	for endpoint, rl := range rls {
		limits[endpoint] = ratelimit.Limit{
			MaxRequests: rl.MaxRequests,
			Window:      time.Duration(rl.WindowSeconds) * time.Second,
			BurstLimit:  rl.BurstLimit,
			Cooldown:    time.Duration(rl.CooldownSeconds) * time.Second,
		}
	}
	return limits
}

func runAnalyze(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	file := fs.String("file", "", "file path being worked on")
	request := fs.String("request", "", "user request text")
	phase := fs.String("phase", "", "project phase")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	actx := domain.ActivationContext{
		FilePath:     *file,
		UserRequest:  *request,
		ProjectPhase: *phase,
	}
	if *file != "" {
		if data, err := os.ReadFile(*file); err == nil {
			actx.FileContent = string(data)
		}
	}

	decision := a.engine.AnalyzeActivationNeeds(ctx, actx)
	fmt.Println(a.engine.Report(decision))
	return nil
}

func runGates(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gates", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	contextPath := fs.String("context", "", "JSON file with the artifact context")
	noStop := fs.Bool("no-stop", false, "continue past critical failures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *contextPath == "" {
		return fmt.Errorf("--context is required")
	}

	data, err := os.ReadFile(*contextPath)
	if err != nil {
		return err
	}
	var gctx domain.GateContext
	if err := json.Unmarshal(data, &gctx); err != nil {
		return fmt.Errorf("parse artifact context: %w", err)
	}

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	results := a.pipeline.Run(ctx, gctx, nil, !*noStop)
	summary := a.pipeline.Summarize(results)
	out, err := json.MarshalIndent(map[string]any{
		"results": results,
		"summary": summary,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !summary.ReadyForProduction {
		return errFailed
	}
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	names := a.registry.List()
	if len(names) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, name := range names {
		cfg, err := a.registry.Config(name)
		if err != nil {
			continue
		}
		fmt.Printf("%-28s model=%-6s %s\n", name, cfg.Model, cfg.Description)
	}
	return nil
}

func runValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	tool := fs.String("tool", "", "tool type (Write, Edit, Bash)")
	path := fs.String("path", "", "target file path")
	command := fs.String("command", "", "shell command")
	contentPath := fs.String("content", "", "file holding the content to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tool == "" {
		return fmt.Errorf("--tool is required")
	}

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	inv := guard.Invocation{
		ToolType: *tool,
		FilePath: *path,
		Command:  *command,
	}
	if *contentPath != "" {
		data, err := os.ReadFile(*contentPath)
		if err != nil {
			return err
		}
		inv.Content = string(data)
	}

	decision := a.guard.ValidateTool(inv)
	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if decision.Status == guard.StatusBlock {
		return errFailed
	}
	return nil
}

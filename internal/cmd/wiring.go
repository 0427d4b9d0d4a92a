package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/backend"
	"github.com/loomrun/loom/internal/budget"
	"github.com/loomrun/loom/internal/config"
	"github.com/loomrun/loom/internal/dispatcher"
	"github.com/loomrun/loom/internal/filelock"
	"github.com/loomrun/loom/internal/logger"
	"github.com/loomrun/loom/internal/memory"
	"github.com/loomrun/loom/internal/merger"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/planner"
	"github.com/loomrun/loom/internal/planstore"
	"github.com/loomrun/loom/internal/sink"
	"github.com/loomrun/loom/internal/toolrunner"
)

// runtime is the fully wired core, built once per command invocation.
type runtime struct {
	cfg        config.Config
	agents     *agent.Registry
	active     *agent.Active
	profile    *budget.Profile
	memory     *memory.Store
	plans      *planstore.Store
	pool       *backend.Pool
	tools      *toolrunner.Registry
	planner    *planner.Planner
	dispatcher *dispatcher.Dispatcher
	logger     *logger.ConsoleLogger
	fileLog    *logger.FileLogger
	watcher    *memory.Watcher
}

// buildRuntime assembles the core from configuration and flags.
func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	console := logger.NewConsoleLogger(os.Stderr, cfg.LogLevel)
	fileLog, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		// A read-only working directory shouldn't kill the run.
		fileLog = nil
	}

	agents := agent.NewRegistry()
	agentDir, _ := cmd.Flags().GetString("agents")
	if err := agent.Load(agents, agentDir); err != nil {
		return nil, fmt.Errorf("loading agent profiles: %w", err)
	}
	if agents.Len() == 0 {
		// Always have a routable default so a bare checkout works.
		agents.Register(models.Agent{
			ID:               "assistant",
			DisplayName:      "Assistant",
			Instruction:      "You are a capable general-purpose assistant.",
			MemoryCategories: []string{"general"},
			RoutingSlug:      "assistant-default",
		})
	}

	active := agent.NewActive(agents, cfg.ActiveAgent)
	profile := budget.NewProfile(cfg.TokenProfile)

	// The --agent and --profile flags are the explicit switch/set
	// operations; both mutate the process-wide holders before any
	// dispatch snapshots them.
	if id, _ := cmd.Flags().GetString("agent"); id != "" {
		if err := active.Switch(id); err != nil {
			return nil, err
		}
	}
	if preset, _ := cmd.Flags().GetString("profile"); preset != "" {
		profile.Set(preset)
	}

	session := memory.NewSession()
	if cfg.ContextWindowMinutes > 0 {
		session.SetWindow(cfg.ContextWindowMinutes)
	}
	mem, err := memory.New(cfg.MemoryRoot, session)
	if err != nil {
		return nil, err
	}
	watcher, _ := memory.Watch(mem)

	plans, err := planstore.New(cfg.PlanDir)
	if err != nil {
		return nil, err
	}
	plans.SetLockMonitor(func(path string, m filelock.LockMetrics) {
		if m.TimedOut || m.Attempts > 1 {
			console.LogLockContention(path, m.Attempts, m.Waited, m.TimedOut)
		}
	})

	cli := backend.NewCLIAdapter("local-cli", "Local CLI", "claude")
	cli.Timeout = cfg.Timeouts.Subtask
	pool, err := backend.NewPool([]backend.Adapter{cli}, console)
	if err != nil {
		return nil, err
	}

	tools := toolrunner.NewRegistry()
	registerBuiltinTools(tools)

	validator := planner.NewValidator(agents)
	plan := planner.New(pool, validator, console, "local-cli", "")
	plan.SetTimeout(cfg.Timeouts.Planner)

	merge := merger.New(pool, mem, console, "local-cli")
	merge.SetTimeout(cfg.Timeouts.Merger)

	disp, err := dispatcher.New(dispatcher.Config{
		Pool:     pool,
		Agents:   agents,
		Active:   active,
		Memory:   mem,
		Plans:    plans,
		Tools:    tools,
		Merger:   merge,
		Logger:   console,
		Sink:     sink.NewConsole(os.Stdout),
		Profile:  profile,
		Retry:    cfg.Retry,
		Timeouts: cfg.Timeouts,
		Metrics:  &dispatcher.Metrics{},
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		agents:     agents,
		active:     active,
		profile:    profile,
		memory:     mem,
		plans:      plans,
		pool:       pool,
		tools:      tools,
		planner:    plan,
		dispatcher: disp,
		logger:     console,
		fileLog:    fileLog,
		watcher:    watcher,
	}, nil
}

// Close releases the runtime's file-backed resources.
func (r *runtime) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	if r.fileLog != nil {
		r.fileLog.Close()
	}
	r.memory.Close()
}

// plannerContext assembles the planning context from the registry and
// recent memory.
func (r *runtime) plannerContext() planner.Context {
	var summaries []planner.AgentSummary
	for _, a := range r.agents.List() {
		summaries = append(summaries, planner.AgentSummary{
			ID:          a.ID,
			Description: firstLine(a.Instruction),
		})
	}
	return planner.Context{
		Agents:    summaries,
		Engines:   planner.DefaultEngines,
		HostFacts: hostFacts(),
		Profile:   r.profile.Snapshot(),
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func hostFacts() string {
	host, _ := os.Hostname()
	wd, _ := os.Getwd()
	return fmt.Sprintf("hostname: %s\nworking directory: %s\ntime: %s",
		host, wd, time.Now().Format(time.RFC3339))
}

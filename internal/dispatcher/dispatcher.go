// Package dispatcher executes a persisted TaskGraph: waves of
// concurrent subtasks in ascending parallel-group order, engine
// routing per subtask, transport retries, and a final merge. Every
// lifecycle transition is persisted to the plan file before the next
// scheduling decision, so a crashed run leaves a parseable plan whose
// pending/running rows tell the restart logic where it died.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/backend"
	"github.com/loomrun/loom/internal/budget"
	"github.com/loomrun/loom/internal/config"
	"github.com/loomrun/loom/internal/logger"
	"github.com/loomrun/loom/internal/memory"
	"github.com/loomrun/loom/internal/merger"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/planstore"
	"github.com/loomrun/loom/internal/sink"
	"github.com/loomrun/loom/internal/subprocess"
	"github.com/loomrun/loom/internal/textmarker"
	"github.com/loomrun/loom/internal/toolrunner"
)

// contextLimit caps how many memory records feed one subtask's prompt.
const contextLimit = 6

// causeCancelled is recorded in a subtask's result slot when the run
// was cancelled while it executed. No MemoryRecord is written for the
// partial output.
const causeCancelled = "cancelled"

// Config wires a Dispatcher's collaborators. Pool, Agents, Memory, and
// Plans are required; the rest default sensibly.
type Config struct {
	Pool     *backend.Pool
	Agents   *agent.Registry
	Active   *agent.Active   // active-agent pointer; snapshot taken per run
	Memory   *memory.Store
	Plans    *planstore.Store
	Tools    *toolrunner.Registry
	Merger   *merger.Merger
	Logger   logger.Logger
	Sink     sink.Sink
	Profile  *budget.Profile // token-profile holder; snapshot taken per run
	Retry    config.RetryPolicy
	Timeouts config.Timeouts
	Metrics  *Metrics
}

// Dispatcher runs plans. Construct with New; safe to reuse across
// runs, one run at a time per plan.
type Dispatcher struct {
	cfg    Config
	runner *toolrunner.Runner
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Pool == nil || cfg.Agents == nil || cfg.Memory == nil || cfg.Plans == nil {
		return nil, fmt.Errorf("dispatcher: pool, agents, memory, and plans are all required")
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Null{}
	}
	if cfg.Tools == nil {
		cfg.Tools = toolrunner.NewRegistry()
	}
	if cfg.Active == nil {
		cfg.Active = agent.NewActive(cfg.Agents, "")
	}
	if cfg.Profile == nil {
		cfg.Profile = budget.NewProfile("standard")
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = config.DefaultRetryPolicy()
	}
	if cfg.Timeouts.Subtask <= 0 {
		cfg.Timeouts = config.DefaultTimeouts()
	}
	return &Dispatcher{
		cfg:    cfg,
		runner: toolrunner.NewRunner(cfg.Pool, cfg.Tools, cfg.Logger, cfg.Sink),
	}, nil
}

// runSnapshot is the process-wide state a run captures at dispatch
// time: the active agent and the token profile. Mid-run Switch/Set
// calls affect only later runs.
type runSnapshot struct {
	activeAgentID string
	profile       models.TokenProfile
}

// subtaskOutcome is one worker's report back to the wave loop.
type subtaskOutcome struct {
	id     string
	status models.SubtaskStatus
	cause  string
	err    error
}

// Run executes the plan saved under planID to completion and returns
// the merged final answer. Any subtask failure aborts the run before
// the next wave; the error is a *models.DispatcherAborted naming the
// failing subtask, except for caller cancellation which surfaces as
// the context's error.
func (d *Dispatcher) Run(ctx context.Context, planID string) (string, error) {
	graph, err := d.cfg.Plans.Load(planID)
	if err != nil {
		return "", &models.DispatcherAborted{SubtaskID: "", Cause: models.KindFatal, Err: err}
	}

	snap := runSnapshot{
		activeAgentID: d.cfg.Active.CurrentID(),
		profile:       d.cfg.Profile.Snapshot(),
	}

	waves := partitionWaves(graph)
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogRunStart(graph.Metadata.Goal, len(graph.Subtasks), len(waves))
	}

	d.cfg.Sink.Start()
	defer d.cfg.Sink.Stop()

	byID := graph.ByID()
	for _, w := range waves {
		if err := d.checkDependencies(graph, byID, w); err != nil {
			return "", err
		}

		outcomes := d.executeWave(ctx, planID, graph, byID, w, snap)

		// Render terminal statuses in ascending identifier order, only
		// after the whole wave has joined.
		failedCount := 0
		var firstFailure *subtaskOutcome
		for _, id := range w.subtasks {
			o := outcomes[id]
			if o == nil {
				continue
			}
			d.cfg.Sink.Status(id, o.status)
			if o.status == models.StatusFailed {
				failedCount++
				if firstFailure == nil {
					firstFailure = o
				}
			}
		}
		if d.cfg.Logger != nil {
			d.cfg.Logger.LogWaveComplete(w.group, w.subtasks, failedCount)
		}

		if firstFailure != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &models.DispatcherAborted{
				SubtaskID: firstFailure.id,
				Cause:     causeKind(firstFailure.cause),
				Err:       firstFailure.err,
			}
		}
	}

	return d.merge(ctx, planID, graph, snap.profile)
}

// checkDependencies verifies every dependency of the wave's subtasks
// is completed before any of them is scheduled. A failed dependency
// aborts the run.
func (d *Dispatcher) checkDependencies(graph *models.TaskGraph, byID map[string]int, w wave) error {
	for _, id := range w.subtasks {
		s := &graph.Subtasks[byID[id]]
		if s.Result.Status != models.StatusPending {
			continue
		}
		for _, dep := range s.DependsOn {
			idx, ok := byID[dep]
			if !ok {
				return &models.DispatcherAborted{SubtaskID: id, Cause: models.KindFatal,
					Err: fmt.Errorf("dependency %q not in graph", dep)}
			}
			switch graph.Subtasks[idx].Result.Status {
			case models.StatusCompleted:
			case models.StatusFailed:
				return &models.DispatcherAborted{SubtaskID: dep, Cause: models.KindTransport,
					Err: fmt.Errorf("dependency %q of %q failed", dep, id)}
			default:
				return &models.DispatcherAborted{SubtaskID: id, Cause: models.KindFatal,
					Err: fmt.Errorf("dependency %q of %q never completed", dep, id)}
			}
		}
	}
	return nil
}

// executeWave fans the wave's subtasks out to one goroutine each and
// joins them. The concurrency cap is the wave size, so the semaphore
// of the general pattern degenerates to a plain WaitGroup.
func (d *Dispatcher) executeWave(ctx context.Context, planID string, graph *models.TaskGraph, byID map[string]int, w wave, snap runSnapshot) map[string]*subtaskOutcome {
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogWaveStart(w.group, w.subtasks)
	}

	resultsCh := make(chan *subtaskOutcome, len(w.subtasks))
	var wg sync.WaitGroup

	for _, id := range w.subtasks {
		s := &graph.Subtasks[byID[id]]
		if s.Result.Status != models.StatusPending {
			// Already terminal from a previous run's plan file.
			resultsCh <- &subtaskOutcome{id: id, status: s.Result.Status, cause: s.Result.Cause}
			continue
		}

		wg.Add(1)
		go func(sub *models.Subtask) {
			defer wg.Done()
			resultsCh <- d.executeSubtask(ctx, planID, sub, snap)
		}(s)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	outcomes := make(map[string]*subtaskOutcome, len(w.subtasks))
	for o := range resultsCh {
		outcomes[o.id] = o
		// Keep the in-memory graph in step with the plan file so later
		// waves' dependency checks see this wave's terminal states.
		s := &graph.Subtasks[byID[o.id]]
		s.Result.Status = o.status
		s.Result.Cause = o.cause
	}
	return outcomes
}

// executeSubtask drives one subtask through its full lifecycle:
// pending -> running -> completed|failed, persisting each transition
// before moving on.
func (d *Dispatcher) executeSubtask(ctx context.Context, planID string, s *models.Subtask, snap runSnapshot) *subtaskOutcome {
	if err := ctx.Err(); err != nil {
		return d.fail(planID, s, causeCancelled, err, false)
	}

	d.cfg.Metrics.subtaskStarted()
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogSubtaskStart(s.ID, s.Title, s.AgentID, string(s.Engine))
	}

	// A subtask that names no target runs under the active agent as
	// captured when the run started.
	agentID := s.AgentID
	if agentID == "" {
		agentID = snap.activeAgentID
	}
	ag, ok := d.cfg.Agents.Get(agentID)
	if !ok {
		return d.fail(planID, s, "fatal", fmt.Errorf("agent %q not registered", agentID), true)
	}

	if err := d.transition(planID, s.ID, func(sub *models.Subtask) {
		sub.Result.Status = models.StatusRunning
	}); err != nil {
		return d.fail(planID, s, "fatal", err, false)
	}
	d.cfg.Sink.Status(s.ID, models.StatusRunning)

	output, backendName, err := d.executeEngine(ctx, s, ag, snap.profile)
	if err != nil {
		if ctx.Err() != nil {
			return d.fail(planID, s, causeCancelled, ctx.Err(), true)
		}
		return d.fail(planID, s, classifyCause(err), err, true)
	}

	path, err := d.cfg.Memory.Save(ag, ag.Instruction, s.Objective, output)
	if err != nil {
		return d.fail(planID, s, "fatal", err, true)
	}

	if err := d.transition(planID, s.ID, func(sub *models.Subtask) {
		sub.Result.Status = models.StatusCompleted
		sub.Result.MemoryPath = path
	}); err != nil {
		return d.fail(planID, s, "fatal", err, true)
	}

	s.Result.MemoryPath = path
	d.cfg.Metrics.subtaskCompleted()
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogSubtaskComplete(s.ID, backendName)
	}
	return &subtaskOutcome{id: s.ID, status: models.StatusCompleted}
}

// executeEngine routes on the engine selector and applies the retry
// policy where it belongs: direct LLM calls and subprocess runs are
// retried on transport failure, the tool runner handles its own
// recovery.
func (d *Dispatcher) executeEngine(ctx context.Context, s *models.Subtask, ag models.Agent, profile models.TokenProfile) (output, backendName string, err error) {
	history, memErr := d.cfg.Memory.LoadContext(ag, s.Objective, contextLimit)
	if memErr != nil {
		history = nil
	}

	switch s.Engine {
	case models.EngineLLMOnly:
		return d.withRetry(ctx, func() (string, string, error) {
			return d.invokeLLM(ctx, s, ag, history, profile)
		})

	case models.EngineAgenticTool:
		answer, runErr := d.runner.Run(ctx, toolrunner.Request{
			SubtaskID:  s.ID,
			Preamble:   ag.Instruction,
			Objective:  executorPrompt(s),
			AllowList:  s.ToolAllow,
			StepBudget: s.StepBudget,
			MaxTokens:  profile.Subtask,
		})
		return answer, "tool-runner", runErr

	case models.EngineSubprocess:
		return d.withRetry(ctx, func() (string, string, error) {
			return d.invokeSubprocess(ctx, s)
		})

	default:
		return "", "", fmt.Errorf("engine %q is not routable", s.Engine)
	}
}

// withRetry applies the configured retry policy to fn.
func (d *Dispatcher) withRetry(ctx context.Context, fn func() (string, string, error)) (string, string, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Retry.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		output, backendName, err := fn()
		if err == nil {
			return output, backendName, nil
		}
		var pe *backend.PolicyError
		if errors.As(err, &pe) {
			return "", "", err
		}
		lastErr = err
		if attempt < d.cfg.Retry.Attempts {
			d.cfg.Metrics.retryAttempted()
			if sleepErr := sleepCtx(ctx, d.cfg.Retry.Delay); sleepErr != nil {
				return "", "", sleepErr
			}
		}
	}
	return "", "", lastErr
}

// invokeLLM streams one direct backend call, forwarding visible chunks
// to the subtask's sink pane with scratch-pad regions elided.
func (d *Dispatcher) invokeLLM(ctx context.Context, s *models.Subtask, ag models.Agent, history []models.Message, profile models.TokenProfile) (string, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Subtask)
	defer cancel()

	req := models.GenerateRequest{
		System:    ag.Instruction,
		History:   history,
		Prompt:    executorPrompt(s),
		MaxTokens: profile.Subtask,
	}

	var buf strings.Builder
	filter := &textmarker.StreamFilter{}
	resp, err := d.cfg.Pool.Stream(callCtx, req, func(chunk models.StreamChunk) error {
		if chunk.Reset {
			buf.Reset()
			filter.Reset()
			return nil
		}
		if chunk.Text != "" {
			buf.WriteString(chunk.Text)
			if visible := filter.Feed(chunk.Text); visible != "" {
				d.cfg.Sink.Chunk(s.ID, visible)
			}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	if tail := filter.Flush(); tail != "" {
		d.cfg.Sink.Chunk(s.ID, tail)
	}

	text := resp.Text
	if text == "" {
		text = buf.String()
	}
	return textmarker.StripScratchpad(text), resp.Backend, nil
}

// invokeSubprocess runs the subtask as an external command. The
// planner's tool_params hints carry the invocation: "command" plus
// optional "args", "workdir", "stdin", and "timeout_seconds".
func (d *Dispatcher) invokeSubprocess(ctx context.Context, s *models.Subtask) (string, string, error) {
	command, _ := s.ToolParams["command"].(string)
	if command == "" {
		return "", "", fmt.Errorf("subtask %s: subprocess engine without a command", s.ID)
	}

	req := subprocess.Request{
		Command: command,
		WorkDir: stringParam(s.ToolParams, "workdir"),
		Stdin:   stringParam(s.ToolParams, "stdin"),
		Timeout: d.cfg.Timeouts.Subprocess,
	}
	if raw, ok := s.ToolParams["args"].([]any); ok {
		for _, a := range raw {
			if str, ok := a.(string); ok {
				req.Args = append(req.Args, str)
			}
		}
	}
	if secs, ok := s.ToolParams["timeout_seconds"].(float64); ok && secs > 0 {
		req.Timeout = time.Duration(secs) * time.Second
	}

	result, err := subprocess.Run(ctx, req)
	if err != nil {
		return "", "", err
	}
	if result.ExitCode != 0 {
		return "", "", fmt.Errorf("subtask %s: %s exited %d: %s",
			s.ID, command, result.ExitCode, firstLines(result.Stderr, 5))
	}
	d.cfg.Sink.Chunk(s.ID, result.Stdout)
	return result.Stdout, command, nil
}

// fail records a failed terminal state. persist controls whether the
// plan file is updated (a load failure can't be persisted); a
// cancelled subtask keeps its partial output out of memory entirely.
func (d *Dispatcher) fail(planID string, s *models.Subtask, cause string, err error, persist bool) *subtaskOutcome {
	if persist {
		d.transition(planID, s.ID, func(sub *models.Subtask) {
			sub.Result.Status = models.StatusFailed
			sub.Result.Cause = cause
			if err != nil {
				sub.Result.Error = err.Error()
			}
		})
	}
	d.cfg.Metrics.subtaskFailed()
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogSubtaskFailed(s.ID, cause, err)
	}
	return &subtaskOutcome{id: s.ID, status: models.StatusFailed, cause: cause, err: err}
}

// transition persists one subtask mutation through the plan store's
// per-path lock before the dispatcher makes its next scheduling
// decision.
func (d *Dispatcher) transition(planID, subtaskID string, mutate func(*models.Subtask)) error {
	return d.cfg.Plans.UpdateSubtask(planID, subtaskID, mutate)
}

// merge produces the final answer: the configured merger when
// available, its deterministic fallback summary otherwise.
func (d *Dispatcher) merge(ctx context.Context, planID string, graph *models.TaskGraph, profile models.TokenProfile) (string, error) {
	if d.cfg.Merger == nil {
		return "", nil
	}

	final, err := d.cfg.Merger.Merge(ctx, graph.Metadata.Goal, graph, profile.Merger)
	if err != nil {
		var unavailable *models.MergerUnavailable
		if !errors.As(err, &unavailable) {
			return "", err
		}
		final = d.cfg.Merger.FallbackSummary(graph.Metadata.Goal, graph)
	}

	graph.Metadata.MergerProvider = d.cfg.Merger.Provider()
	d.cfg.Plans.Save(planID, graph)
	return final, nil
}

// executorPrompt composes the instruction a subtask's executor sees:
// the objective plus any planner-supplied notes.
func executorPrompt(s *models.Subtask) string {
	if s.Notes == "" {
		return s.Objective
	}
	return s.Objective + "\n\nNotes from the planner:\n" + s.Notes
}

// classifyCause maps an execution error onto the result slot's cause
// vocabulary.
func classifyCause(err error) string {
	var pe *backend.PolicyError
	if errors.As(err, &pe) {
		return "policy"
	}
	var exhausted *models.ToolRunnerExhausted
	var toolErr *models.ToolRunnerToolError
	if errors.As(err, &exhausted) || errors.As(err, &toolErr) {
		return "tool"
	}
	return "transport"
}

// causeKind maps a result-slot cause back onto the error taxonomy for
// DispatcherAborted.
func causeKind(cause string) models.ErrorKind {
	switch cause {
	case "policy":
		return models.KindPolicy
	case "fatal":
		return models.KindFatal
	case "tool":
		return models.KindMalformed
	default:
		return models.KindTransport
	}
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Package planner turns a user goal into a validated TaskGraph by
// prompting a planning model for a JSON decomposition, cleaning the
// response, and validating every graph invariant. A plan that fails to
// parse or validate degrades to a single-subtask fallback graph rather
// than failing the run; only an unreachable planner backend surfaces
// as an error.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/logger"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/textmarker"
)

// DefaultTimeout bounds one planning call.
const DefaultTimeout = 180 * time.Second

// Backend is the single-shot inference surface the planner needs;
// *backend.Pool satisfies it.
type Backend interface {
	Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
}

// AgentSummary is one allowed agent enumerated in the planning prompt.
type AgentSummary struct {
	ID          string
	Description string
}

// Context carries everything the planner may condition on besides the
// goal itself.
type Context struct {
	Agents        []AgentSummary
	Engines       []models.EngineSelector
	MemorySummary string
	HostFacts     string
	Profile       models.TokenProfile
}

// Planner plans. Provider names the backend configuration for the plan
// metadata block.
type Planner struct {
	backend   Backend
	validator *Validator
	logger    logger.Logger
	provider  string
	model     string
	timeout   time.Duration
}

// New builds a Planner. log may be nil.
func New(b Backend, v *Validator, log logger.Logger, provider, model string) *Planner {
	return &Planner{
		backend:   b,
		validator: v,
		logger:    log,
		provider:  provider,
		model:     model,
		timeout:   DefaultTimeout,
	}
}

// SetTimeout overrides the planning call deadline.
func (p *Planner) SetTimeout(d time.Duration) { p.timeout = d }

// Plan produces a validated TaskGraph for goal. An unreachable backend
// returns PlannerUnavailable and a deadline breach PlannerTimeout;
// every other failure mode degrades to a fallback graph with the
// fallback flag set.
func (p *Planner) Plan(ctx context.Context, goal string, pctx Context) (*models.TaskGraph, error) {
	planCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.backend.Generate(planCtx, models.GenerateRequest{
		System:    plannerSystemPrompt,
		Prompt:    renderPlanPrompt(goal, pctx),
		MaxTokens: pctx.Profile.Planner,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &models.PlannerTimeout{After: p.timeout.String()}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.PlannerUnavailable{Cause: err}
	}

	graph, parseErr := p.parsePlan(resp.Text, goal)
	if parseErr != nil {
		p.warn(parseErr.Error())
		return p.fallback(goal), nil
	}

	if err := p.validator.Validate(graph); err != nil {
		p.warn(err.Error())
		return p.fallback(goal), nil
	}

	graph.Metadata.Goal = goal
	graph.Metadata.PlannerProvider = p.provider
	graph.Metadata.PlannerModel = p.model
	graph.Metadata.CreatedAt = time.Now()
	return graph, nil
}

// parsePlan cleans the raw model response and unmarshals the graph.
// Subtasks missing identifiers get fresh ones before validation so a
// sloppy planner doesn't force a fallback over a formality.
func (p *Planner) parsePlan(raw, goal string) (*models.TaskGraph, error) {
	clean := stripFences(textmarker.StripScratchpad(raw))
	if clean == "" {
		return nil, fmt.Errorf("planner returned an empty response")
	}

	var graph models.TaskGraph
	if err := json.Unmarshal([]byte(clean), &graph); err != nil {
		// Mixed output: take the outermost object if one is present.
		start := strings.Index(clean, "{")
		end := strings.LastIndex(clean, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("planner output is not JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(clean[start:end+1]), &graph); err != nil {
			return nil, fmt.Errorf("planner output is not a task graph: %v", err)
		}
	}

	if len(graph.Subtasks) == 0 {
		return nil, fmt.Errorf("planner produced no subtasks")
	}

	for i := range graph.Subtasks {
		s := &graph.Subtasks[i]
		if s.ID == "" {
			s.ID = uuid.NewString()[:8]
		}
		if s.Group <= 0 {
			s.Group = 1
		}
		if s.Engine == "" {
			s.Engine = models.EngineLLMOnly
		}
		s.Result = models.ResultSlot{Status: models.StatusPending}
	}
	if graph.Merge.Strategy == "" {
		graph.Merge.Strategy = "synthesize"
	}
	return &graph, nil
}

func (p *Planner) fallback(goal string) *models.TaskGraph {
	graph := models.FallbackGraph(goal, p.provider, time.Now())
	if len(p.validatorAgents()) > 0 {
		graph.Subtasks[0].AgentID = p.validatorAgents()[0]
	}
	return graph
}

// validatorAgents exposes the validator's known agent IDs so the
// fallback subtask can target a real agent.
func (p *Planner) validatorAgents() []string {
	if p.validator == nil {
		return nil
	}
	return p.validator.agentIDs()
}

func (p *Planner) warn(reason string) {
	if p.logger != nil {
		p.logger.LogValidationWarning(reason)
	}
}

// stripFences removes a surrounding markdown code fence, with or
// without a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "" || isFenceTag(first) {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

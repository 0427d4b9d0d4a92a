package toolrunner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomrun/loom/internal/backend"
	"github.com/loomrun/loom/internal/logger"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/sink"
	"github.com/loomrun/loom/internal/textmarker"
)

// DefaultToolTimeout bounds a tool executor that declares no timeout of
// its own.
const DefaultToolTimeout = 60 * time.Second

// DefaultStepBudget is used when a request leaves StepBudget at zero.
const DefaultStepBudget = 8

// toolFailureLimit is how many times one tool may fail within a single
// run before the runner gives up.
const toolFailureLimit = 3

// Backend is the inference surface the runner drives each turn.
// *backend.Pool satisfies it; tests pass a StubAdapter.
type Backend interface {
	Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
	Stream(ctx context.Context, req models.GenerateRequest, onChunk backend.ChunkFunc) (*models.GenerateResponse, error)
}

// Request configures one agentic run.
type Request struct {
	SubtaskID  string   // labels streamed output and log lines
	Preamble   string   // agent system preamble
	Objective  string   // what the loop is trying to accomplish
	AllowList  []string // tools the model may call; empty allows none
	StepBudget int      // max model turns; 0 means DefaultStepBudget
	MaxTokens  int      // per-turn token budget
}

// Runner drives the agentic loop. Construct once and reuse; all state
// for a run lives on the stack of Run.
type Runner struct {
	backend  Backend
	registry *Registry
	logger   logger.Logger
	sink     sink.Sink // nil disables streaming passthrough
}

// NewRunner builds a Runner. log and out may be nil.
func NewRunner(b Backend, reg *Registry, log logger.Logger, out sink.Sink) *Runner {
	return &Runner{backend: b, registry: reg, logger: log, sink: out}
}

// Run executes the loop until a final answer, the step budget, or a
// repeatedly failing tool stops it.
func (r *Runner) Run(ctx context.Context, req Request) (string, error) {
	budget := req.StepBudget
	if budget <= 0 {
		budget = DefaultStepBudget
	}

	system := r.systemPrompt(req)
	dialog := []models.Message{}
	userTurn := req.Objective
	toolFailures := make(map[string]int)

	for step := 1; step <= budget; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		output, err := r.invokeTurn(ctx, system, dialog, userTurn, req)
		if err != nil {
			return "", err
		}

		clean := textmarker.StripScratchpad(output)
		parsed := parseTurn(clean)

		dialog = append(dialog,
			models.Message{Role: "user", Content: userTurn},
			models.Message{Role: "assistant", Content: clean},
		)

		switch {
		case parsed.call != nil && !parsed.hasFinal:
			observation, fatal := r.executeCall(ctx, req, parsed.call, toolFailures)
			if fatal != nil {
				return "", fatal
			}
			userTurn = observation

		case parsed.hasFinal && parsed.call == nil:
			return parsed.finalAnswer, nil

		default:
			// Both markers, or neither: prose means the model answered
			// without the marker; silence means it needs a nudge.
			if parsed.prose {
				return clean, nil
			}
			userTurn = "Observation: your last reply contained no recognizable marker. " +
				"Reply with exactly one of:\n" +
				`Action: {"name": "<tool>", "arguments": {...}}` + "\n" +
				"or\nFinal Answer: <your answer>"
		}
	}

	return "", &models.ToolRunnerExhausted{Steps: budget}
}

// invokeTurn makes one model call, streaming through the scratch-pad
// filter when a sink is attached.
func (r *Runner) invokeTurn(ctx context.Context, system string, dialog []models.Message, userTurn string, req Request) (string, error) {
	genReq := models.GenerateRequest{
		System:    system,
		History:   dialog,
		Prompt:    userTurn,
		MaxTokens: req.MaxTokens,
	}

	if r.sink == nil {
		resp, err := r.backend.Generate(ctx, genReq)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}

	var buf strings.Builder
	filter := &textmarker.StreamFilter{}
	resp, err := r.backend.Stream(ctx, genReq, func(chunk models.StreamChunk) error {
		if chunk.Reset {
			buf.Reset()
			filter.Reset()
			return nil
		}
		if chunk.Text != "" {
			buf.WriteString(chunk.Text)
			if visible := filter.Feed(chunk.Text); visible != "" {
				r.sink.Chunk(req.SubtaskID, visible)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if tail := filter.Flush(); tail != "" {
		r.sink.Chunk(req.SubtaskID, tail)
	}
	// The accumulated buffer, not the joined chunks, is authoritative:
	// adapters may return more than they streamed.
	if buf.Len() == 0 {
		return resp.Text, nil
	}
	return buf.String(), nil
}

// executeCall runs one validated tool call and renders its observation.
// A non-nil second return aborts the whole run.
func (r *Runner) executeCall(ctx context.Context, req Request, call *models.ToolCall, failures map[string]int) (string, error) {
	if !allowed(call.Name, req.AllowList) {
		if r.logger != nil {
			r.logger.LogToolCall(req.SubtaskID, call.Name, true)
		}
		return fmt.Sprintf("Observation: tool %q is not in the allowed tool list for this task. "+
			"Allowed tools: %s.", call.Name, strings.Join(req.AllowList, ", ")), nil
	}

	tool, ok := r.registry.get(call.Name)
	if !ok {
		return fmt.Sprintf("Observation: tool %q is not registered.", call.Name), nil
	}

	if err := tool.validateArgs(call.Arguments); err != nil {
		return fmt.Sprintf("Observation: arguments for tool %q failed validation: %v", call.Name, err), nil
	}

	if r.logger != nil {
		r.logger.LogToolCall(req.SubtaskID, call.Name, false)
	}

	result, err := r.invokeTool(ctx, tool, call.Arguments)
	if err != nil {
		failures[call.Name]++
		if failures[call.Name] >= toolFailureLimit {
			return "", &models.ToolRunnerToolError{Tool: call.Name, Cause: err}
		}
		return fmt.Sprintf("Observation from tool %q: error: %v", call.Name, err), nil
	}
	return fmt.Sprintf("Observation from tool %q: %s", call.Name, result), nil
}

// invokeTool runs the executor under its declared timeout.
func (r *Runner) invokeTool(ctx context.Context, tool *registeredTool, args map[string]any) (string, error) {
	timeout := tool.desc.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.desc.Exec(toolCtx, args)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-toolCtx.Done():
		return "", fmt.Errorf("tool %q exceeded its %s timeout", tool.desc.Name, timeout)
	}
}

// systemPrompt assembles the preamble plus the tool protocol
// instructions for the allowed tool subset.
func (r *Runner) systemPrompt(req Request) string {
	var sb strings.Builder
	if req.Preamble != "" {
		sb.WriteString(req.Preamble)
		sb.WriteString("\n\n")
	}
	sb.WriteString("You work in steps. Each reply must contain exactly one of the two markers:\n")
	sb.WriteString(`Action: {"name": "<tool>", "arguments": {<arguments matching the tool's schema>}}` + "\n")
	sb.WriteString("Final Answer: <your complete answer>\n\n")
	if tools := r.registry.Describe(req.AllowList); tools != "" {
		sb.WriteString("Available tools:\n")
		sb.WriteString(tools)
	} else {
		sb.WriteString("No tools are available; reply with a Final Answer.\n")
	}
	return sb.String()
}

func allowed(name string, allowList []string) bool {
	for _, a := range allowList {
		if a == name {
			return true
		}
	}
	return false
}

package planner

import (
	"fmt"
	"strings"

	"github.com/loomrun/loom/internal/models"
)

// plannerSystemPrompt pins the output contract: raw JSON matching the
// TaskGraph shape, no prose, and no scratch-pad content in the output
// region.
const plannerSystemPrompt = `You are a planning assistant. Your ONLY output must be a single valid JSON object describing a task graph. No markdown, no code fences, no prose, no explanations. Never include <think> regions in your output.`

// renderPlanPrompt builds the planning instruction: allowed agents and
// engines enumerated verbatim, context the planner may use, and the
// exact JSON schema of the expected graph.
func renderPlanPrompt(goal string, pctx Context) string {
	var sb strings.Builder

	sb.WriteString("Decompose the goal below into a task graph.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n\n", goal)

	sb.WriteString("Allowed agents (use these identifiers verbatim):\n")
	for _, a := range pctx.Agents {
		fmt.Fprintf(&sb, "- %s: %s\n", a.ID, a.Description)
	}

	sb.WriteString("\nAllowed engines (use these values verbatim):\n")
	for _, e := range pctx.Engines {
		fmt.Fprintf(&sb, "- %s\n", e)
	}

	if pctx.MemorySummary != "" {
		fmt.Fprintf(&sb, "\nRecent conversation summary:\n%s\n", pctx.MemorySummary)
	}
	if pctx.HostFacts != "" {
		fmt.Fprintf(&sb, "\nHost system:\n%s\n", pctx.HostFacts)
	}

	sb.WriteString(`
Rules:
- Each subtask needs: "id" (unique string), "title", "objective", "agent_id" (from the allowed agents), "engine" (from the allowed engines), "group" (positive integer; subtasks sharing a group run concurrently and must not depend on each other), "depends_on" (list of subtask ids that must complete first).
- Tasks that only read or inspect should use the "agentic-tool" engine with read-only tools; tasks that modify files or run commands may use "subprocess".
- Optional per subtask: "tool_allow" (list of tool names), "step_budget" (integer), "notes".
- The "merge" object needs a "strategy" string and may carry ordered "steps".
- Dependencies across groups only; lower group numbers run first.

Output a JSON object of the shape:
{"subtasks": [{"id": "...", "title": "...", "objective": "...", "agent_id": "...", "engine": "llm-only", "group": 1, "depends_on": []}], "merge": {"strategy": "synthesize"}}
`)
	return sb.String()
}

// DefaultEngines is the engine list handed to the planner when the
// caller doesn't restrict it.
var DefaultEngines = []models.EngineSelector{
	models.EngineLLMOnly,
	models.EngineAgenticTool,
	models.EngineSubprocess,
}

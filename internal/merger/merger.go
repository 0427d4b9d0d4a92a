// Package merger synthesizes the outputs of a completed TaskGraph into
// one final answer. The real merger prompts a backend with ordered
// subtask excerpts; when that backend is unreachable the dispatcher
// falls back to the deterministic internal summary in fallback.go.
package merger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loomrun/loom/internal/logger"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/textmarker"
)

// DefaultTimeout bounds one merge call.
const DefaultTimeout = 180 * time.Second

// excerptCeiling is the per-subtask character cap applied before
// composing the merge instruction.
const excerptCeiling = 2000

// Backend is the single-shot inference surface the merger needs;
// *backend.Pool satisfies it.
type Backend interface {
	Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
}

// ResultReader resolves a subtask's result-slot path to the stored
// output text. *memory.Store satisfies it.
type ResultReader interface {
	ReadResult(path string) (string, error)
}

// Merger composes the final answer.
type Merger struct {
	backend  Backend
	results  ResultReader
	logger   logger.Logger
	provider string
	timeout  time.Duration
}

// New builds a Merger. log may be nil.
func New(b Backend, results ResultReader, log logger.Logger, provider string) *Merger {
	return &Merger{
		backend:  b,
		results:  results,
		logger:   log,
		provider: provider,
		timeout:  DefaultTimeout,
	}
}

// SetTimeout overrides the merge call deadline.
func (m *Merger) SetTimeout(d time.Duration) { m.timeout = d }

// Provider returns the provider name recorded in plan metadata.
func (m *Merger) Provider() string { return m.provider }

// Merge synthesizes the completed graph's results. An unreachable
// backend returns MergerUnavailable; the caller decides whether to
// degrade to FallbackSummary.
func (m *Merger) Merge(ctx context.Context, goal string, graph *models.TaskGraph, maxTokens int) (string, error) {
	mergeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	excerpts := m.collectExcerpts(graph, excerptCeiling)

	resp, err := m.backend.Generate(mergeCtx, models.GenerateRequest{
		System:    mergerSystemPrompt,
		Prompt:    renderMergePrompt(goal, graph.Merge, excerpts),
		MaxTokens: maxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &models.MergerUnavailable{Cause: err}
	}

	// Defense in depth: the prompt forbids scratch-pad regions, strip
	// any that slip through anyway.
	return textmarker.StripScratchpad(resp.Text), nil
}

const mergerSystemPrompt = `You synthesize task outputs into one coherent final answer. Output only the answer itself: no meta-commentary, no self-referential phrases, no <think> regions.`

// excerpt is one subtask's contribution, in identifier order.
type excerpt struct {
	ID    string
	Title string
	Text  string
}

// collectExcerpts reads each subtask's stored result, truncates it to
// ceiling characters, and orders the list by subtask identifier.
func (m *Merger) collectExcerpts(graph *models.TaskGraph, ceiling int) []excerpt {
	var out []excerpt
	for _, s := range graph.Subtasks {
		if s.Result.Status != models.StatusCompleted || s.Result.MemoryPath == "" {
			continue
		}
		text, err := m.results.ReadResult(s.Result.MemoryPath)
		if err != nil {
			if m.logger != nil {
				m.logger.LogValidationWarning(fmt.Sprintf("merger: unreadable result for %s: %v", s.ID, err))
			}
			continue
		}
		out = append(out, excerpt{ID: s.ID, Title: s.Title, Text: truncate(text, ceiling)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func renderMergePrompt(goal string, merge models.MergeDescriptor, excerpts []excerpt) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\n", goal)
	fmt.Fprintf(&sb, "Merge strategy: %s\n", merge.Strategy)
	if len(merge.Steps) > 0 {
		sb.WriteString("Merge steps, in order:\n")
		for i, step := range merge.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	sb.WriteString("\nTask outputs:\n")
	for _, e := range excerpts {
		fmt.Fprintf(&sb, "\n[%s] %s\n%s\n", e.ID, e.Title, e.Text)
	}
	sb.WriteString("\nCombine the task outputs into one final answer to the goal.")
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

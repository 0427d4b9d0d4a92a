package merger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/loomrun/loom/internal/backend"
	"github.com/loomrun/loom/internal/models"
)

// mapReader serves results from a map keyed by fake paths.
type mapReader map[string]string

func (m mapReader) ReadResult(path string) (string, error) {
	if text, ok := m[path]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no result at %s", path)
}

func completedGraph() *models.TaskGraph {
	return &models.TaskGraph{
		Subtasks: []models.Subtask{
			{ID: "s2", Title: "Second", Result: models.ResultSlot{Status: models.StatusCompleted, MemoryPath: "p2"}},
			{ID: "s1", Title: "First", Result: models.ResultSlot{Status: models.StatusCompleted, MemoryPath: "p1"}},
		},
		Merge:    models.MergeDescriptor{Strategy: "synthesize"},
		Metadata: models.Metadata{Goal: "the goal"},
	}
}

func TestMerge_ComposesInIdentifierOrder(t *testing.T) {
	var prompt string
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Respond: func(n int, req models.GenerateRequest) (string, error) {
			prompt = req.Prompt
			return "merged answer", nil
		},
	}
	m := New(stub, mapReader{"p1": "first result", "p2": "second result"}, nil, "stub")

	out, err := m.Merge(context.Background(), "the goal", completedGraph(), 4096)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out != "merged answer" {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(prompt, "the goal") || !strings.Contains(prompt, "synthesize") {
		t.Errorf("prompt missing goal or strategy:\n%s", prompt)
	}
	// s1's excerpt must precede s2's even though the graph lists s2 first.
	if strings.Index(prompt, "first result") > strings.Index(prompt, "second result") {
		t.Error("excerpts not in identifier order")
	}
}

func TestMerge_UnavailableBackend(t *testing.T) {
	stub := &backend.StubAdapter{
		BackendName: "stub",
		Respond: func(n int, _ models.GenerateRequest) (string, error) {
			return "", errors.New("connection refused")
		},
	}
	m := New(stub, mapReader{}, nil, "stub")

	_, err := m.Merge(context.Background(), "goal", completedGraph(), 4096)
	var unavailable *models.MergerUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("want MergerUnavailable, got %v", err)
	}
}

func TestMerge_StripsResidualScratchpad(t *testing.T) {
	stub := &backend.StubAdapter{BackendName: "stub", Text: "<think>hmm</think>clean answer"}
	m := New(stub, mapReader{}, nil, "stub")

	out, err := m.Merge(context.Background(), "goal", &models.TaskGraph{}, 4096)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out != "clean answer" {
		t.Errorf("out = %q", out)
	}
}

func TestFallbackSummary_Deterministic(t *testing.T) {
	m := New(nil, mapReader{"p1": "alpha output", "p2": "beta output"}, nil, "stub")
	graph := completedGraph()

	first := m.FallbackSummary("the goal", graph)
	second := m.FallbackSummary("the goal", graph)
	if first != second {
		t.Error("back-to-back fallback merges differ")
	}
	if !strings.HasPrefix(first, "the goal") {
		t.Errorf("summary does not open with the goal verbatim:\n%s", first)
	}
	if !strings.Contains(first, "s1") || !strings.Contains(first, "alpha output") {
		t.Errorf("summary missing subtask content:\n%s", first)
	}
	if strings.Index(first, "alpha output") > strings.Index(first, "beta output") {
		t.Error("fallback entries not in identifier order")
	}
}

func TestFallbackSummary_TruncatesLongResults(t *testing.T) {
	long := strings.Repeat("x", 2000)
	m := New(nil, mapReader{"p1": long, "p2": "short"}, nil, "stub")

	summary := m.FallbackSummary("goal", completedGraph())
	if strings.Contains(summary, strings.Repeat("x", 501)) {
		t.Error("result not truncated to the excerpt ceiling")
	}
}

func TestPlainText_FlattensMarkdown(t *testing.T) {
	in := "# Heading\n\nSome *emphasized* text with `code`.\n\n```go\nfmt.Println(1)\n```\n"
	out := plainText(in)
	for _, banned := range []string{"#", "*", "```"} {
		if strings.Contains(out, banned) {
			t.Errorf("plainText left %q in output:\n%s", banned, out)
		}
	}
	for _, want := range []string{"Heading", "emphasized", "code", "fmt.Println(1)"} {
		if !strings.Contains(out, want) {
			t.Errorf("plainText lost %q:\n%s", want, out)
		}
	}
}

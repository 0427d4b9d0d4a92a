package planstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/models"
)

// A saved graph must load back exactly, field for field.
func TestStore_RoundTripPreservesGraph(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	graph := &models.TaskGraph{
		Subtasks: []models.Subtask{
			{
				ID: "s1", Title: "Research", Objective: "dig into the topic",
				AgentID: "researcher", Engine: models.EngineAgenticTool, Group: 1,
				ToolAllow: []string{"read_file", "list_dir"}, StepBudget: 6,
				Notes:      "prefer primary sources",
				ToolParams: map[string]any{"depth": "shallow"},
				ReadOnly:   true,
				Result:     models.ResultSlot{Status: models.StatusPending},
			},
			{
				ID: "s2", Title: "Write", Objective: "draft the answer",
				AgentID: "writer", Engine: models.EngineLLMOnly, Group: 2,
				DependsOn: []string{"s1"},
				Result:    models.ResultSlot{Status: models.StatusPending},
			},
		},
		Merge: models.MergeDescriptor{
			Strategy: "synthesize",
			Steps:    []string{"outline", "draft", "polish"},
		},
		Metadata: models.Metadata{
			Goal:            "answer the question",
			PlannerProvider: "local-cli",
			PlannerModel:    "m1",
			MergerProvider:  "local-cli",
			CreatedAt:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			Fallback:        false,
		},
	}

	require.NoError(t, store.Save("rt", graph))
	loaded, err := store.Load("rt")
	require.NoError(t, err)

	require.Equal(t, graph.Subtasks, loaded.Subtasks)
	require.Equal(t, graph.Merge, loaded.Merge)
	require.True(t, graph.Metadata.CreatedAt.Equal(loaded.Metadata.CreatedAt))
	loaded.Metadata.CreatedAt = graph.Metadata.CreatedAt
	require.Equal(t, graph.Metadata, loaded.Metadata)
}

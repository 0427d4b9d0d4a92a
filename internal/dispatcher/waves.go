package dispatcher

import (
	"sort"

	"github.com/loomrun/loom/internal/models"
)

// wave is one concurrent batch: every subtask sharing a parallel-group
// number, ordered by identifier for deterministic rendering.
type wave struct {
	group    int
	subtasks []string // subtask IDs, ascending
}

// partitionWaves splits the graph's subtasks into waves by ascending
// parallel-group number. Subtask identifiers inside each wave are
// sorted so every iteration over a wave is in render order.
func partitionWaves(graph *models.TaskGraph) []wave {
	byGroup := make(map[int][]string)
	for _, s := range graph.Subtasks {
		byGroup[s.Group] = append(byGroup[s.Group], s.ID)
	}

	groups := make([]int, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	waves := make([]wave, 0, len(groups))
	for _, g := range groups {
		ids := byGroup[g]
		sort.Strings(ids)
		waves = append(waves, wave{group: g, subtasks: ids})
	}
	return waves
}

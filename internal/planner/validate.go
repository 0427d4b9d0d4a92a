package planner

import (
	"fmt"

	"github.com/loomrun/loom/internal/models"
)

// AgentChecker is the slice of the agent registry the validator needs.
type AgentChecker interface {
	Exists(id string) bool
	IDs() []string
}

// Validator rejects any TaskGraph that violates a structural
// invariant: duplicate or empty identifiers, dangling or cyclic
// dependencies, dependency edges inside a parallel group, engines
// outside the whitelist, or unknown target agents.
type Validator struct {
	agents AgentChecker
}

// NewValidator builds a Validator over the given agent registry.
func NewValidator(agents AgentChecker) *Validator {
	return &Validator{agents: agents}
}

func (v *Validator) agentIDs() []string {
	if v == nil || v.agents == nil {
		return nil
	}
	return v.agents.IDs()
}

// Validate returns the first invariant violation found, as a
// *models.ValidationError carrying the offending identifier and value.
func (v *Validator) Validate(graph *models.TaskGraph) error {
	if graph == nil || len(graph.Subtasks) == 0 {
		return &models.ValidationError{Reason: "plan has no subtasks"}
	}

	byID := make(map[string]*models.Subtask, len(graph.Subtasks))
	for i := range graph.Subtasks {
		s := &graph.Subtasks[i]
		if s.ID == "" {
			return &models.ValidationError{Reason: "subtask has empty identifier"}
		}
		if _, dup := byID[s.ID]; dup {
			return &models.ValidationError{Reason: "duplicate subtask identifier", SubtaskID: s.ID}
		}
		byID[s.ID] = s
	}

	for i := range graph.Subtasks {
		s := &graph.Subtasks[i]

		if !models.ValidEngineSelectors[s.Engine] {
			return &models.ValidationError{
				Reason:    "engine is not in the allowed set",
				SubtaskID: s.ID,
				BadValue:  string(s.Engine),
			}
		}
		if s.Group <= 0 {
			return &models.ValidationError{
				Reason:    "parallel group must be a positive integer",
				SubtaskID: s.ID,
				BadValue:  fmt.Sprintf("%d", s.Group),
			}
		}
		if v.agents != nil && !v.agents.Exists(s.AgentID) {
			return &models.ValidationError{
				Reason:    "target agent is not registered",
				SubtaskID: s.ID,
				BadValue:  s.AgentID,
			}
		}

		for _, dep := range s.DependsOn {
			target, ok := byID[dep]
			if !ok {
				return &models.ValidationError{
					Reason:    "dependency references a missing subtask",
					SubtaskID: s.ID,
					BadValue:  dep,
				}
			}
			if target.Group == s.Group {
				return &models.ValidationError{
					Reason:    "dependency edge inside a parallel group",
					SubtaskID: s.ID,
					BadValue:  dep,
				}
			}
		}
	}

	if node, cyclic := graph.HasCycle(); cyclic {
		return &models.ValidationError{
			Reason:    "dependency cycle detected",
			SubtaskID: node,
		}
	}
	return nil
}

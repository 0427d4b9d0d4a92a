package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/planner"
)

// NewValidateCommand creates "loom validate": check a plan file
// against every graph invariant without executing it.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.json>",
		Short: "Validate a plan file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var graph models.TaskGraph
			if err := json.Unmarshal(data, &graph); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			validator := planner.NewValidator(rt.agents)
			if err := validator.Validate(&graph); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %v\n", err)
				return fmt.Errorf("validation failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %d subtasks, %d waves\n",
				len(graph.Subtasks), len(graph.Groups()))
			return nil
		},
	}
}

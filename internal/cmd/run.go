package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/models"
)

// NewRunCommand creates the "loom run" command: plan a goal, execute
// the graph, print the merged answer.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run \"<goal>\"",
		Short: "Plan and execute a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			goal := args[0]
			graph, err := rt.planner.Plan(ctx, goal, rt.plannerContext())
			if err != nil {
				return reportFailure(cmd, "", err)
			}

			planID, planPath, err := rt.plans.Create(graph, goal)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan: %s (%d subtasks%s)\n",
				planPath, len(graph.Subtasks), fallbackNote(graph))

			final, err := rt.dispatcher.Run(ctx, planID)
			if err != nil {
				return reportFailure(cmd, planID, err)
			}

			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), final)
			return nil
		},
	}
	return cmd
}

// NewPlanCommand creates "loom plan": produce and persist a plan
// without executing it.
func NewPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan \"<goal>\"",
		Short: "Plan a goal without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			graph, err := rt.planner.Plan(cmd.Context(), args[0], rt.plannerContext())
			if err != nil {
				return reportFailure(cmd, "", err)
			}

			_, planPath, err := rt.plans.Create(graph, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plan: %s%s\n", planPath, fallbackNote(graph))
			for _, s := range graph.Subtasks {
				deps := ""
				if len(s.DependsOn) > 0 {
					deps = " <- " + strings.Join(s.DependsOn, ",")
				}
				fmt.Fprintf(out, "  [%d] %s %s (%s, %s)%s\n", s.Group, s.ID, s.Title, s.AgentID, s.Engine, deps)
			}
			return nil
		},
	}
}

func fallbackNote(graph *models.TaskGraph) string {
	if graph.Metadata.Fallback {
		return ", fallback"
	}
	return ""
}

// reportFailure renders the one-screen failure report: subtask, error
// kind, cause, and a hint. Stack traces stay behind LOOM_DEBUG.
func reportFailure(cmd *cobra.Command, planID string, err error) error {
	out := cmd.ErrOrStderr()

	var aborted *models.DispatcherAborted
	if errors.As(err, &aborted) {
		fmt.Fprintf(out, "run aborted at subtask %s\n", aborted.SubtaskID)
		fmt.Fprintf(out, "kind:  %s\n", aborted.Cause)
		fmt.Fprintf(out, "cause: %s\n", rootCause(aborted.Err))
		if hint := models.FailureHint(aborted.Cause); hint != "" {
			fmt.Fprintf(out, "hint:  %s\n", hint)
		}
		if planID != "" {
			fmt.Fprintf(out, "plan file kept for inspection: %s\n", planID)
		}
		if os.Getenv("LOOM_DEBUG") != "" {
			fmt.Fprintf(out, "debug: %+v\n", err)
		}
		return fmt.Errorf("run failed")
	}

	var unavailable *models.PlannerUnavailable
	if errors.As(err, &unavailable) {
		fmt.Fprintf(out, "planner unreachable: %s\n", rootCause(unavailable.Cause))
		fmt.Fprintf(out, "hint:  %s\n", models.FailureHint(models.KindTransport))
		return fmt.Errorf("planning failed")
	}

	return err
}

// rootCause unwraps err to its lowest-level message, one paragraph at
// most.
func rootCause(err error) string {
	if err == nil {
		return "unknown"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	msg := err.Error()
	if len(msg) > 400 {
		msg = msg[:400] + "..."
	}
	return msg
}

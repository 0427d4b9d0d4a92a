package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewMemoryCommand creates "loom memory" with its subcommands:
// category listing, clearing, and context-window control.
func NewMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage conversational memory",
	}
	cmd.AddCommand(newMemoryListCommand())
	cmd.AddCommand(newMemoryShowCommand())
	cmd.AddCommand(newMemoryClearCommand())
	cmd.AddCommand(newMemoryWindowCommand())
	cmd.AddCommand(newMemoryResetCommand())
	return cmd
}

func newMemoryWindowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "window [minutes]",
		Short: "Show or set the retrieval context window",
		Long: `Without an argument, prints the current context window in minutes.
With one, sets the window for this invocation: positive values are
clamped to 1-1440, zero disables retrieval entirely. Put
context_window_minutes in the config file to make it stick.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			session := rt.memory.Session()
			if len(args) == 1 {
				minutes, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("minutes must be an integer: %w", err)
				}
				session.SetWindow(minutes)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "context window: %d minutes\n", session.Window())
			return nil
		},
	}
}

func newMemoryResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Re-anchor the session, hiding existing records from retrieval",
		Long: `Re-anchors the session start to now. No files are deleted; records
written before this moment simply fall outside the retrieval cutoff
until new ones accumulate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.memory.Session().Reset()
			fmt.Fprintln(cmd.OutOrStdout(), "session re-anchored; retrieval starts fresh from now")
			return nil
		},
	}
}

func newMemoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-path>",
		Short: "Print one memory record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.memory.Read(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agent: %s (%s)\n", rec.Agent, rec.AgentKey)
			fmt.Fprintf(out, "time:  %s\n", rec.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "tags:  %s\n\n", strings.Join(rec.Tags, ", "))
			fmt.Fprintf(out, "user:\n%s\n\nassistant:\n%s\n", rec.UserTurn, rec.AssistantTurn)
			return nil
		},
	}
}

func newMemoryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List memory categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			categories, err := rt.memory.ListCategories()
			if err != nil {
				return err
			}
			for _, c := range categories {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
}

func newMemoryClearCommand() *cobra.Command {
	var keepLast int
	cmd := &cobra.Command{
		Use:   "clear <category>",
		Short: "Delete a category's records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.memory.Clear(args[0], keepLast); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s (kept %d)\n", args[0], keepLast)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "number of most recent records to keep")
	return cmd
}

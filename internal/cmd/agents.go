package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewAgentsCommand creates "loom agents": list the registered agents.
func NewAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			activeID := rt.active.CurrentID()
			for _, a := range rt.agents.List() {
				marker := " "
				if a.ID == activeID {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-20s %-24s categories: %s\n",
					marker, a.ID, a.DisplayName, strings.Join(a.MemoryCategories, ", "))
			}
			return nil
		},
	}
}

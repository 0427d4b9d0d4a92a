// Package cmd builds the loom command tree. This is the assembly
// layer: it loads configuration and agent profiles from disk, wires
// the core components together, and hands goals to the dispatcher.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomrun/loom/internal/config"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates the root cobra command for loom.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loom",
		Short: "Local multi-agent orchestration runtime",
		Long: `Loom decomposes a goal into a task graph, executes its nodes across
a prioritized pool of inference backends, and synthesizes the per-node
outputs into a final answer.

Plans, memory records, and run logs persist under the configured
memory root; interrupted runs leave a parseable plan file behind.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "path to a loom config file (YAML)")
	cmd.PersistentFlags().String("agents", ".loom/agents", "directory of agent profile files")
	cmd.PersistentFlags().String("agent", "", "switch the active agent for this invocation")
	cmd.PersistentFlags().String("profile", "", "switch the token-profile preset (frugal, standard, generous)")
	cmd.PersistentFlags().String("log-level", "", "override the configured log level")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewAgentsCommand())
	cmd.AddCommand(NewMemoryCommand())

	return cmd
}

// loadConfig reads the config file named by the flag, or returns the
// defaults when none is given. File loading lives here, outside the
// core, on purpose.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.DefaultConfig()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	socketPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "decider",
		Short: "Decision engine for cluster optimization audits",
		Long: `decider turns audit requests into recommended action plans.

An audit template names a goal, optionally a strategy, and a scope over the
cluster. Running an audit builds a data model of the scoped cluster, runs the
strategy and stores the actions it proposes as an action plan.

The serve command runs the engine. The other commands manage templates and
inspect plans in the database, or talk to a running engine over its control
socket.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTemplateCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newActionCommand())

	return rootCmd
}

package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for coordinator
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Contract-driven plan execution with recovery and replay",
		Long: `Coordinator executes plans: DAGs of action contracts bound to external
capabilities. Steps run in dependency batches behind typed gates, recover
through retry, alternate, replan and escalate policies, and are validated
again in the background by retrospect checks. A failed retrospect
invalidates the affected artifacts, compensates their side effects and
replays the sub-DAG under a new plan version.

Plans are YAML, JSON or Markdown with a fenced yaml block.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text; main prints the error
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}

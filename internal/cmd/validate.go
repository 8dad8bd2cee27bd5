package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/coordinator/internal/executor"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/parser"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file-or-directory>...",
		Short: "Validate one or more plans",
		Long: `Parse and validate plans, checking for:
  - Unique step ids and known capability references
  - Missing or circular dependencies
  - Input references to steps outside a step's ancestors
  - Gate and retrospect assertions that fail to compile
  - Malformed fallback, compensation and replan declarations

Exit code: 0 if every plan is valid, 1 otherwise`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlans(args, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	return cmd
}

// validatePlans validates each path and reports per-path results.
func validatePlans(paths []string, output io.Writer) error {
	evaluator := gate.NewEvaluator()
	failed := 0
	for _, path := range paths {
		if err := validatePlan(evaluator, path, output); err != nil {
			fmt.Fprintf(output, "✗ %s: %v\n", path, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plan(s) invalid", failed, len(paths))
	}
	return nil
}

func validatePlan(evaluator *gate.Evaluator, path string, output io.Writer) error {
	plan, err := parser.ParseFile(path)
	if err != nil {
		return err
	}
	if err := evaluator.ValidatePlan(plan); err != nil {
		return err
	}
	batches, err := executor.CalculateBatches(plan)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "✓ %s: plan %s (v%d), %d step(s) in %d batch(es)\n",
		path, plan.ID, plan.Version, len(plan.Steps), len(batches))
	return nil
}

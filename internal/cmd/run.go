package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/coordinator/internal/config"
	"github.com/harrison/coordinator/internal/executor"
	"github.com/harrison/coordinator/internal/gate"
	"github.com/harrison/coordinator/internal/models"
	"github.com/harrison/coordinator/internal/parser"
	"github.com/harrison/coordinator/internal/state"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan-file-or-directory>",
		Short: "Execute a plan",
		Long: `Execute a plan by invoking the capabilities bound to its steps.

The run command parses the plan (YAML, JSON, Markdown or a directory of
numbered plan files), checks every gate and retrospect assertion, and
executes steps in dependency batches. Each completed batch is checkpointed
so an interrupted run can be resumed.

Capabilities are bound in .coordinator/config.yaml:

  capabilities:
    - name: warehouse.query
      command: ./bin/query
      cost_usd: 0.02
      timeout: 2m

Examples:
  coordinator run plan.yaml
  coordinator run --dry-run plan.md            # Validate and show batches
  coordinator run --timeout 30m plan.yaml      # Cancel after 30 minutes
  coordinator run --resume plan.yaml           # Continue from the last checkpoint
  coordinator run --config custom.yaml plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .coordinator/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "Validate the plan without executing steps")
	cmd.Flags().Int("max-concurrency", 0, "Maximum number of concurrent steps per batch (0 = use config)")
	cmd.Flags().String("log-level", "", "Console log level: trace, debug, info, warn, error")
	cmd.Flags().String("log-dir", "", "Directory for audit logs")
	cmd.Flags().Duration("timeout", 0, "Maximum execution time (e.g., 30m, 2h)")
	cmd.Flags().Bool("resume", false, "Resume from the latest checkpoint of this plan")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	plan, err := parser.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if err := gate.NewEvaluator().ValidatePlan(plan); err != nil {
		return fmt.Errorf("invalid plan %s: %w", plan.ID, err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	missing := missingCapabilities(plan, reg)

	out := cmd.OutOrStdout()
	if cfg.DryRun {
		return dryRun(out, plan, missing)
	}
	if len(missing) > 0 {
		return fmt.Errorf("plan %s references unbound capabilities: %s", plan.ID, strings.Join(missing, ", "))
	}

	rt, err := newRuntime(cfg, reg, out)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resume, _ := cmd.Flags().GetBool("resume")
	result, err := execute(ctx, rt, plan, resume)
	if err == nil {
		if !result.Success {
			return fmt.Errorf("plan %s finished without meeting its acceptance tests", plan.ID)
		}
		return nil
	}

	var escalated *executor.EscalatedError
	switch {
	case errors.As(err, &escalated):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if rt.store != nil {
			return fmt.Errorf("run interrupted: %w (resume with: coordinator run --resume %s)", err, args[0])
		}
		return fmt.Errorf("run interrupted: %w", err)
	default:
		return err
	}
}

// applyRunFlags overrides config values with flags the user set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	var (
		maxConcurrency *int
		logLevel       *string
		logDir         *string
		dryRun         *bool
	)
	if cmd.Flags().Changed("max-concurrency") {
		v, _ := cmd.Flags().GetInt("max-concurrency")
		if v > 0 {
			maxConcurrency = &v
		}
	}
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		v = strings.ToLower(v)
		logLevel = &v
	}
	if cmd.Flags().Changed("log-dir") {
		v, _ := cmd.Flags().GetString("log-dir")
		logDir = &v
	}
	if cmd.Flags().Changed("dry-run") {
		v, _ := cmd.Flags().GetBool("dry-run")
		dryRun = &v
	}
	cfg.MergeWithFlags(maxConcurrency, logLevel, logDir, dryRun)
}

// execute starts a fresh run, or continues the latest checkpoint when
// resume is set and one exists.
func execute(ctx context.Context, rt *runtime, plan *models.Plan, resume bool) (*models.ExecutionResult, error) {
	if resume {
		if rt.store == nil {
			return nil, errors.New("--resume requires persistence to be enabled")
		}
		cp, err := rt.store.LoadLatest(ctx, plan.ID)
		switch {
		case err == nil:
			rt.console.LogInfo(fmt.Sprintf("Resuming plan %s at version %d (checkpoint %s)",
				cp.PlanID, cp.Version, cp.SavedAt.Format(time.RFC3339)))
			return rt.coordinator.Resume(ctx, cp)
		case errors.Is(err, state.ErrNotFound):
			rt.console.LogWarn(fmt.Sprintf("No checkpoint for plan %s, starting a new run", plan.ID))
		default:
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}
	return rt.coordinator.ExecuteTask(ctx, plan)
}

// dryRun prints the plan's static batches without invoking anything.
func dryRun(w io.Writer, plan *models.Plan, missing []string) error {
	batches, err := executor.CalculateBatches(plan)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Plan: %s (v%d)\n", plan.ID, plan.Version)
	if plan.Brief.Objective != "" {
		fmt.Fprintf(w, "Objective: %s\n", plan.Brief.Objective)
	}
	if b := plan.Brief.Constraints.Budget; b.CostUSD > 0 || b.LatencySec > 0 {
		fmt.Fprintf(w, "Budget: $%.2f, %s\n", b.CostUSD, b.Latency())
	}
	fmt.Fprintf(w, "Steps: %d\n", len(plan.Steps))
	fmt.Fprintf(w, "Batches: %d\n\n", len(batches))
	for _, batch := range batches {
		fmt.Fprintf(w, "%s:\n", batch.Name)
		for _, id := range batch.StepIDs {
			step, _ := plan.Step(id)
			fmt.Fprintf(w, "  - %s -> %s\n", id, step.Capability)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(w, "\nWarning: unbound capabilities: %s\n", strings.Join(missing, ", "))
	}
	fmt.Fprintf(w, "\nDry run: no steps were executed\n")
	return nil
}

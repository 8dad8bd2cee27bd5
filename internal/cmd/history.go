package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/coordinator/internal/executor"
	"github.com/harrison/coordinator/internal/state"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <plan-id>",
		Short: "Show the persisted versions of a plan",
		Long: `List every checkpointed version of a plan with the structural change
that produced it and the escalations raised while it was current.

With --version, show the step states recorded in that version's checkpoint.

Examples:
  coordinator history quarterly-report
  coordinator history quarterly-report --version 2
  coordinator history quarterly-report --json`,
		Args: cobra.ExactArgs(1),
		RunE: historyCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .coordinator/config.yaml)")
	cmd.Flags().Int("version", 0, "Show step states for one version")
	cmd.Flags().Bool("json", false, "Output JSON")

	return cmd
}

func historyCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("persistence is disabled; no history is recorded")
	}
	defer store.Close()

	planID := args[0]
	version, _ := cmd.Flags().GetInt("version")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	if version > 0 {
		cp, err := store.Load(cmd.Context(), planID, version)
		if err != nil {
			return fmt.Errorf("plan %s version %d: %w", planID, version, err)
		}
		if asJSON {
			return writeJSON(out, cp)
		}
		printCheckpoint(out, cp)
		return nil
	}

	versions, err := store.Versions(cmd.Context(), planID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("plan %s: %w", planID, state.ErrNotFound)
	}
	if asJSON {
		return writeJSON(out, versions)
	}
	printVersions(out, versions)
	return nil
}

func printVersions(out io.Writer, versions []state.VersionInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tRUN\tSAVED\tESCALATIONS\tCHANGE")
	for _, v := range versions {
		change := v.Change
		if change == "" {
			change = "-"
		}
		fmt.Fprintf(w, "v%d\t%s\t%s\t%d\t%s\n",
			v.Version,
			truncate(v.RunID, 8),
			v.SavedAt.Format("2006-01-02 15:04:05"),
			v.Escalations,
			change,
		)
	}
	w.Flush()
}

func printCheckpoint(out io.Writer, cp *executor.Checkpoint) {
	fmt.Fprintf(out, "Plan %s v%d (saved %s)\n", cp.PlanID, cp.Version, cp.SavedAt.Format("2006-01-02 15:04:05"))
	if p := cp.Latest(); p != nil && p.Change != "" {
		fmt.Fprintf(out, "Change: %s\n", p.Change)
	}
	if cp.Run == nil {
		return
	}
	fmt.Fprintf(out, "Run: %s, cost $%.4f, %d invocation(s)\n\n",
		cp.Run.RunID, cp.Run.Metrics.CostUSD, cp.Run.Metrics.Invocations)

	ids := make([]string, 0, len(cp.Run.Steps))
	for id := range cp.Run.Steps {
		ids = append(ids, id)
	}
	if p := cp.Latest(); p != nil {
		ids = ids[:0]
		for _, s := range p.Steps {
			if _, ok := cp.Run.Steps[s.ID]; ok {
				ids = append(ids, s.ID)
			}
		}
	} else {
		sort.Strings(ids)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tVERSION\tATTEMPTS\tARTIFACT\tERROR")
	for _, id := range ids {
		st := cp.Run.Steps[id]
		fmt.Fprintf(w, "%s\t%s\tv%d\t%d\t%s\t%s\n",
			id, st.Status, st.PlanVersion, st.Attempts, truncate(st.ArtifactID, 8), st.Error)
	}
	w.Flush()

	for _, ev := range cp.Run.Escalations {
		fmt.Fprintf(out, "\n[%s] %s: %s", ev.Severity, ev.StepID, ev.Message)
	}
	if len(cp.Run.Escalations) > 0 {
		fmt.Fprintln(out)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

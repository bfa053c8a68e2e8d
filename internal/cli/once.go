package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/feedbridge/internal/bridge"
	"github.com/ppiankov/feedbridge/internal/config"
)

var onceDryRun bool

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single poll cycle and exit",
	Long: `Polls every source once, forwards new items and saves the state.
With --dry-run, items are written to the log instead of their destinations
and the state is not saved.`,
	RunE: onceAction,
}

func init() {
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "log items instead of forwarding them; do not save state")
	rootCmd.AddCommand(onceCmd)
}

func onceAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger, onceDryRun)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.engine.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}
	printCycleReport(os.Stdout, report, onceDryRun)
	return nil
}

func printCycleReport(w io.Writer, r bridge.CycleReport, dryRun bool) {
	sent := fmt.Sprintf("%d sent", r.Sent+r.SentWithoutMedia)
	if r.SentWithoutMedia > 0 {
		sent += fmt.Sprintf(" (%d without media)", r.SentWithoutMedia)
	}
	fmt.Fprintf(w, "Fetched %d items, %d new, %s, %d skipped, %d failed",
		r.Fetched, r.Novel, sent, r.Skipped, r.Failed)
	if r.SourceErrors > 0 {
		fmt.Fprintf(w, ", %d sources unreachable", r.SourceErrors)
	}
	fmt.Fprintf(w, " in %s", r.Duration.Round(time.Millisecond))
	if r.Interrupted {
		fmt.Fprint(w, " (interrupted)")
	}
	if dryRun {
		fmt.Fprint(w, " (dry run, state not saved)")
	}
	fmt.Fprintln(w)
}

package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/feedbridge/internal/bridge"
	"github.com/ppiankov/feedbridge/internal/checkpoint"
	"github.com/ppiankov/feedbridge/internal/config"
	"github.com/ppiankov/feedbridge/internal/render"
)

var (
	stateJSON    bool
	stateNoColor bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show persisted per-source state",
	RunE:  stateShowAction,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show persisted per-source state",
	RunE:  stateShowAction,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <source>",
	Short: "Forget the processed items of one source",
	Long: `Drops the stored state of one source. Items still inside its fetch
window are forwarded again on the next cycle. Stop a running serve first,
or its next checkpoint restores the entry.`,
	Args: cobra.ExactArgs(1),
	RunE: stateResetAction,
}

func init() {
	stateCmd.PersistentFlags().BoolVar(&stateJSON, "json", false, "output JSON")
	stateCmd.PersistentFlags().BoolVar(&stateNoColor, "no-color", false, "disable ANSI colors")
	stateCmd.AddCommand(stateShowCmd, stateResetCmd)
	rootCmd.AddCommand(stateCmd)
}

func stateShowAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap, backend, err := loadSnapshot(cmd, cfg)
	if err != nil {
		return err
	}
	_ = backend.Close()

	var f render.Formatter = render.NewTerminal(!stateNoColor)
	if stateJSON {
		f = render.NewJSON()
	}
	return f.Format(os.Stdout, buildStateReport(cfg, snap, time.Now()))
}

func stateResetAction(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap, backend, err := loadSnapshot(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	id := args[0]
	entry, ok := snap.Sources[id]
	if !ok {
		return fmt.Errorf("no state recorded for source %q", id)
	}
	delete(snap.Sources, id)
	if err := backend.Save(cmd.Context(), snap); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	fmt.Printf("Reset %s (%d processed ids dropped).\n", id, len(entry.Processed))
	return nil
}

// loadSnapshot opens the configured backend and reads the snapshot with
// legacy keys moved to their source ids. The caller closes the backend.
func loadSnapshot(cmd *cobra.Command, cfg *config.Config) (*bridge.Snapshot, checkpoint.Backend, error) {
	dsn := cfg.StateDSN()
	backend, err := checkpoint.Open(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open state %s: %w", checkpoint.Redact(dsn), err)
	}
	snap, err := backend.Load(cmd.Context())
	if err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("load state %s: %w", checkpoint.Redact(dsn), err)
	}
	checkpoint.Rekey(snap, stateAliases(cfg))
	return snap, backend, nil
}

func buildStateReport(cfg *config.Config, snap *bridge.Snapshot, now time.Time) render.StateReport {
	report := render.StateReport{
		Backend:   checkpoint.Redact(cfg.StateDSN()),
		Capacity:  cfg.Engine.ProcessedCapacity,
		LastCycle: snap.LastCycle,
		Now:       now,
	}

	configured := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		configured[s.ID] = true
		entry := snap.Sources[s.ID]
		report.Sources = append(report.Sources, render.SourceReport{
			ID:          s.ID,
			Name:        s.Name,
			Kind:        s.Kind,
			Destination: s.Destination,
			Processed:   len(entry.Processed),
			HighWater:   entry.HighWater,
			Floor:       entry.Floor,
			Configured:  true,
		})
	}
	for id, entry := range snap.Sources {
		if configured[id] {
			continue
		}
		report.Sources = append(report.Sources, render.SourceReport{
			ID:        id,
			Processed: len(entry.Processed),
			HighWater: entry.HighWater,
			Floor:     entry.Floor,
		})
	}
	return report
}

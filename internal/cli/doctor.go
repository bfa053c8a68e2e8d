package cli

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/feedbridge/internal/bridge"
	"github.com/ppiankov/feedbridge/internal/checkpoint"
	"github.com/ppiankov/feedbridge/internal/config"
	"github.com/ppiankov/feedbridge/internal/source"
)

// sessionFile is the Telethon session created by collector_telegram.py.
const sessionFile = "feedbridge.session"

// Seams for the interpreter checks; tests replace them.
var (
	lookPath           = exec.LookPath
	execCommandContext = exec.CommandContext
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, state and dependencies",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true
	ctx := cmd.Context()

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		return fmt.Errorf("some checks failed")
	}
	printCheck(true, "config.yaml (%d sources, %d destinations)", len(cfg.Sources), len(cfg.Destinations))

	// Destinations
	used := make(map[string]int)
	for _, s := range cfg.Sources {
		used[s.Destination]++
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Destinations)) {
		d := cfg.Destinations[name]
		if used[name] == 0 {
			printInfo("destination %s (%s) has no sources", name, d.Kind)
			continue
		}
		printCheck(true, "destination %s (%s, %d sources)", name, d.Kind, used[name])
	}

	// State backend
	dsn := checkpoint.Redact(cfg.StateDSN())
	var snap *bridge.Snapshot
	backend, err := checkpoint.Open(cfg.StateDSN())
	if err != nil {
		printCheck(false, "state %s: %v", dsn, err)
		ok = false
	} else {
		snap, err = backend.Load(ctx)
		_ = backend.Close()
		if err != nil {
			printCheck(false, "state %s: %v", dsn, err)
			ok = false
		} else {
			printCheck(true, "state %s (%d sources)", dsn, len(snap.Sources))
		}
	}

	// Telegram collector
	if hasSourceKind(cfg, source.KindTelegram) {
		if !checkTelegram(ctx, cfg) {
			ok = false
		}
	}

	// State health (info-level, non-fatal)
	if snap != nil {
		checkStateHealth(cfg, snap, time.Now())
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func checkTelegram(ctx context.Context, cfg *config.Config) bool {
	ok := true

	python := cfg.Telegram.PythonPath
	if python == "" {
		python = "python3"
	}
	if _, err := lookPath(python); err != nil {
		printCheck(false, "%s not found", python)
		return false
	}
	printCheck(true, "%s", python)

	if err := execCommandContext(ctx, python, "-c", "import telethon").Run(); err != nil {
		printCheck(false, "telethon not installed (pip install telethon)")
		ok = false
	} else {
		printCheck(true, "telethon")
	}

	script := cfg.Path(cfg.Telegram.Script)
	if info, err := os.Stat(script); err != nil {
		printCheck(false, "collector script: %v", err)
		ok = false
	} else if info.IsDir() {
		printCheck(false, "collector script: %s is a directory", script)
		ok = false
	} else {
		printCheck(true, "collector script %s", script)
	}

	session := filepath.Join(cfg.Path(cfg.Telegram.SessionDir), sessionFile)
	if _, err := os.Stat(session); err != nil {
		printCheck(false, "telegram session (run collector_telegram.py --login first)")
		ok = false
	} else {
		printCheck(true, "telegram session")
	}
	return ok
}

func checkStateHealth(cfg *config.Config, snap *bridge.Snapshot, now time.Time) {
	fmt.Println()

	if snap.LastCycle.IsZero() {
		printInfo("no cycle recorded yet")
	} else {
		printInfo("last cycle %s", humanize.RelTime(snap.LastCycle, now, "ago", "from now"))
		if cfg.Engine.Schedule == "" && now.Sub(snap.LastCycle) > 3*cfg.Engine.Interval.Duration {
			printInfo("last cycle is older than 3 intervals (%s); is serve running?", cfg.Engine.Interval.Duration)
		}
	}

	configured := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		configured[s.ID] = true
		entry, seen := snap.Sources[s.ID]
		switch {
		case !seen:
			printInfo("never forwarded: %s", s.ID)
		case len(entry.Processed) >= cfg.Engine.ProcessedCapacity:
			printInfo("full: %s holds %s processed ids, older ones rely on the floor %s",
				s.ID, humanize.Comma(int64(len(entry.Processed))), entry.Floor)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(snap.Sources)) {
		if !configured[id] {
			printInfo("orphaned state: %s (remove with: feedbridge state reset %s)", id, id)
		}
	}
}

func hasSourceKind(cfg *config.Config, kind string) bool {
	for _, s := range cfg.Sources {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}

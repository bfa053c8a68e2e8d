package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/feedbridge/internal/bridge"
	"github.com/ppiankov/feedbridge/internal/checkpoint"
	"github.com/ppiankov/feedbridge/internal/config"
	"github.com/ppiankov/feedbridge/internal/health"
	"github.com/ppiankov/feedbridge/internal/schedule"
)

const finalCheckpointTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll sources on schedule and forward new items until stopped",
	RunE:  serveAction,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sched, err := cycleSchedule(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	return runServe(ctx, a, sched, logger)
}

// cycleSchedule returns the cron schedule when one is configured and the
// fixed interval otherwise.
func cycleSchedule(cfg *config.Config) (schedule.Schedule, error) {
	if cfg.Engine.Schedule != "" {
		s, err := schedule.Parse(cfg.Engine.Schedule, cfg.Location())
		if err != nil {
			return nil, fmt.Errorf("engine.schedule: %w", err)
		}
		return s, nil
	}
	return schedule.Every(cfg.Engine.Interval.Duration), nil
}

// runServe runs the first cycle immediately, then one per schedule tick,
// alongside the checkpoint ticker and the optional health endpoint. When
// ctx is cancelled the state is saved one last time.
func runServe(ctx context.Context, a *app, sched schedule.Schedule, log zerolog.Logger) error {
	log.Info().
		Int("sources", len(a.cfg.Sources)).
		Int("destinations", len(a.cfg.Destinations)).
		Str("schedule", fmt.Sprint(sched)).
		Str("state", checkpoint.Redact(a.cfg.StateDSN())).
		Msg("feedbridge started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runner := &schedule.Runner{
			Schedule:  sched,
			Immediate: true,
			Logger:    log,
			Job:       func(ctx context.Context) { runCycle(ctx, a.engine, log) },
		}
		if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.engine.RunCheckpoints(gctx, a.cfg.Engine.CheckpointInterval.Duration)
		return nil
	})

	if a.cfg.Health.Enabled {
		g.Go(func() error {
			h := health.Handler(a.engine.Stats, a.cfg.Health.StaleAfter.Duration)
			if err := health.Serve(gctx, a.cfg.Health.Addr, h, log); err != nil {
				return fmt.Errorf("health endpoint: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), finalCheckpointTimeout)
	defer cancel()
	if cerr := a.engine.Checkpoint(saveCtx); cerr != nil {
		log.Error().Err(cerr).Msg("Final checkpoint failed")
		if err == nil {
			err = cerr
		}
	}
	log.Info().Msg("feedbridge stopped")
	return err
}

func runCycle(ctx context.Context, engine *bridge.Engine, log zerolog.Logger) {
	if _, err := engine.RunCycle(ctx); err != nil {
		if errors.Is(err, bridge.ErrCycleInProgress) {
			log.Warn().Msg("Previous cycle still running, trigger skipped")
			return
		}
		log.Error().Err(err).Msg("Poll cycle failed")
	}
}

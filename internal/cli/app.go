package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
	"github.com/ppiankov/feedbridge/internal/checkpoint"
	"github.com/ppiankov/feedbridge/internal/config"
	"github.com/ppiankov/feedbridge/internal/privacy"
	"github.com/ppiankov/feedbridge/internal/render"
	"github.com/ppiankov/feedbridge/internal/sink"
	"github.com/ppiankov/feedbridge/internal/source"
)

// discordClient is the HTTP client for the Discord sink. Tests replace it;
// nil selects the sink default.
var discordClient *http.Client

// app is a fully wired engine plus the resources it owns.
type app struct {
	cfg     *config.Config
	engine  *bridge.Engine
	backend checkpoint.Backend
}

func (a *app) Close() error {
	return a.backend.Close()
}

// buildApp wires cfg into an engine and loads the persisted state. With
// dryRun every destination is replaced by the log sink and the engine never
// checkpoints, so the stored state is left untouched.
func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, dryRun bool) (*app, error) {
	sources := bridgeSources(cfg)

	guard := bridge.NewMediaGuard(nil, log)
	fetchers, err := buildFetchers(cfg, guard, log)
	if err != nil {
		return nil, err
	}

	destinations, err := buildDestinations(cfg, log, dryRun)
	if err != nil {
		return nil, err
	}

	var transform func(string) string
	if cfg.Privacy.Redact.Enabled && len(cfg.Privacy.Redact.Patterns) > 0 {
		r, err := privacy.New(cfg.Privacy.Redact.Patterns, cfg.Privacy.Redact.Placeholder)
		if err != nil {
			return nil, fmt.Errorf("compile redact patterns: %w", err)
		}
		transform = r.Apply
	}

	renderer := render.New(render.Options{
		Style:         cfg.Render.Style,
		ShowLink:      *cfg.Render.ShowLink,
		ShowTimestamp: *cfg.Render.ShowTimestamp,
		Location:      cfg.Location(),
	})

	dispatcher, err := bridge.NewDispatcher(bridge.DispatcherOptions{
		Sources:       sources,
		Destinations:  destinations,
		Guard:         guard,
		Render:        renderer.Render,
		Transform:     transform,
		Pacing:        cfg.Engine.Pacing.Duration,
		SendTimeout:   cfg.Engine.SendTimeout.Duration,
		MediaEnabled:  *cfg.Media.Enabled,
		MediaMaxBytes: int64(cfg.Media.MaxBytes),
		MediaTimeout:  cfg.Media.Timeout.Duration,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	dsn := cfg.StateDSN()
	backend, err := checkpoint.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", checkpoint.Redact(dsn), err)
	}
	state, err := checkpoint.LoadState(ctx, backend, cfg.Engine.ProcessedCapacity, stateAliases(cfg), log)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load state %s: %w", checkpoint.Redact(dsn), err)
	}

	var saver bridge.Checkpointer
	if !dryRun {
		saver = backend
	}
	engine, err := bridge.New(bridge.Options{
		Sources:    sources,
		Fetchers:   fetchers,
		Dispatcher: dispatcher,
		Checkpoint: saver,
		State:      state,
		FetchLimit: cfg.Engine.FetchLimit,
		Logger:     log,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &app{cfg: cfg, engine: engine, backend: backend}, nil
}

func bridgeSources(cfg *config.Config) []bridge.Source {
	sources := make([]bridge.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, bridge.Source{
			ID:          s.ID,
			Name:        s.Name,
			Kind:        s.Kind,
			Ref:         s.Ref,
			Destination: s.Destination,
		})
	}
	return sources
}

// buildFetchers creates one fetcher per source kind in use. The Telegram
// collector also serves tg:// media through the guard.
func buildFetchers(cfg *config.Config, guard *bridge.MediaGuard, log zerolog.Logger) (map[string]bridge.SourceFetcher, error) {
	fetchers := make(map[string]bridge.SourceFetcher)
	for _, s := range cfg.Sources {
		if _, ok := fetchers[s.Kind]; ok {
			continue
		}
		switch s.Kind {
		case source.KindTelegram:
			tg, err := source.NewTelegram(source.TelegramConfig{
				Python:     cfg.Telegram.PythonPath,
				ScriptPath: cfg.Path(cfg.Telegram.Script),
				APIID:      cfg.Telegram.APIID,
				APIHash:    cfg.Telegram.APIHash,
				SessionDir: cfg.Path(cfg.Telegram.SessionDir),
				Timeout:    cfg.Telegram.Timeout.Duration,
			})
			if err != nil {
				return nil, fmt.Errorf("create telegram source: %w", err)
			}
			guard.Register(source.MediaScheme, tg)
			fetchers[s.Kind] = tg
		case source.KindRSS:
			fetchers[s.Kind] = source.NewRSS(nil)
		case source.KindReddit:
			fetchers[s.Kind] = source.NewReddit(nil)
		case source.KindHN:
			hn, err := source.NewHN(cfg.HN.MinPoints, log)
			if err != nil {
				return nil, fmt.Errorf("create hn source: %w", err)
			}
			fetchers[s.Kind] = hn
		default:
			return nil, fmt.Errorf("source %s: unsupported kind %q", s.ID, s.Kind)
		}
	}
	return fetchers, nil
}

// buildDestinations creates one sink per destination kind in use and binds
// every configured destination to it.
func buildDestinations(cfg *config.Config, log zerolog.Logger, dryRun bool) (map[string]bridge.Destination, error) {
	sinks := make(map[string]bridge.SinkDispatcher)
	sinkFor := func(kind string) (bridge.SinkDispatcher, error) {
		if dryRun {
			kind = sink.KindLog
		}
		if s, ok := sinks[kind]; ok {
			return s, nil
		}
		var (
			s   bridge.SinkDispatcher
			err error
		)
		switch kind {
		case sink.KindDiscord:
			s, err = sink.NewDiscord(sink.DiscordOptions{
				BotToken: cfg.Discord.BotToken,
				Username: cfg.Discord.Username,
				MaxBytes: int64(cfg.Discord.MaxAttachment),
				Client:   discordClient,
			})
		case sink.KindMattermost:
			s, err = sink.NewMattermost(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, int64(cfg.Mattermost.MaxAttachment), log)
		case sink.KindMatrix:
			s, err = sink.NewMatrix(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.Token, int64(cfg.Matrix.MaxAttachment), log)
		case sink.KindLog:
			s = sink.NewLog(log)
		default:
			err = fmt.Errorf("unsupported kind %q", kind)
		}
		if err != nil {
			return nil, err
		}
		sinks[kind] = s
		return s, nil
	}

	destinations := make(map[string]bridge.Destination, len(cfg.Destinations))
	for name, d := range cfg.Destinations {
		s, err := sinkFor(d.Kind)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %w", name, err)
		}
		destinations[name] = bridge.Destination{Name: name, Ref: d.Ref, Sink: s}
	}
	return destinations, nil
}

// stateAliases maps the keys older state files used for a source (the
// configured reference, bare or @-prefixed channel names) to its id.
func stateAliases(cfg *config.Config) map[string]string {
	aliases := make(map[string]string)
	for _, s := range cfg.Sources {
		aliases[s.Ref] = s.ID
		if s.Kind == source.KindTelegram {
			name := source.NormalizeChannel(s.Ref)
			aliases[name] = s.ID
			aliases["@"+name] = s.ID
		}
	}
	return aliases
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultFetchLimit         = 10
	DefaultCheckpointInterval = time.Minute
)

// Entity is a resolved source reference.
type Entity struct {
	Ref   string // reference as configured
	ID    string // fetcher-specific resolved id
	Title string
	// Unordered is set when item ids do not grow with the order items
	// enter the window, as with ranked lists.
	Unordered bool
}

// SourceFetcher reads bounded windows of recent items from one kind of
// source system.
type SourceFetcher interface {
	Resolve(ctx context.Context, ref string) (Entity, error)
	// FetchRecent returns at most limit recent items. since is a hint: items
	// with numeric ids at or below it are already known. Items must carry
	// ItemID and Timestamp; SourceID is filled in by the engine.
	FetchRecent(ctx context.Context, entity Entity, limit int, since string) ([]Item, error)
}

// Checkpointer persists state snapshots.
type Checkpointer interface {
	Save(ctx context.Context, snap *Snapshot) error
}

// Options configures an Engine.
type Options struct {
	Sources    []Source
	Fetchers   map[string]SourceFetcher // keyed by Source.Kind
	Dispatcher *Dispatcher
	Checkpoint Checkpointer
	State      *State
	FetchLimit int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	ID               string
	Fetched          int
	Novel            int
	Sent             int
	SentWithoutMedia int
	Skipped          int
	Failed           int
	SourceErrors     int
	Interrupted      bool
	Duration         time.Duration
}

// Stats is the read-only view served by the health endpoint.
type Stats struct {
	SourcesMonitored int       `json:"sources_monitored"`
	ProcessedCount   int64     `json:"processed_count"`
	LastCycle        time.Time `json:"last_cycle"`
	Cycles           int64     `json:"cycles"`
	Dispatched       int64     `json:"dispatched"`
	Failures         int64     `json:"failures"`
}

// Engine runs poll cycles over the configured sources. Only one cycle runs
// at a time; the state is written by the cycle worker alone and read by the
// checkpoint path under stateMu.
type Engine struct {
	sources    []Source
	fetchers   map[string]SourceFetcher
	dispatcher *Dispatcher
	checkpoint Checkpointer
	fetchLimit int
	now        func() time.Time
	log        zerolog.Logger

	cycleMu  sync.Mutex
	entities map[string]Entity

	stateMu sync.Mutex
	state   *State

	saveMu sync.Mutex

	cycles     atomic.Int64
	dispatched atomic.Int64
	failures   atomic.Int64
	processed  atomic.Int64
	lastCycle  atomic.Int64
}

// New validates opts and creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("engine: dispatcher is required")
	}
	for _, src := range opts.Sources {
		if _, ok := opts.Fetchers[src.Kind]; !ok {
			return nil, fmt.Errorf("engine: source %s: no fetcher for kind %q", src.ID, src.Kind)
		}
	}
	e := &Engine{
		sources:    opts.Sources,
		fetchers:   opts.Fetchers,
		dispatcher: opts.Dispatcher,
		checkpoint: opts.Checkpoint,
		fetchLimit: opts.FetchLimit,
		now:        opts.Now,
		log:        opts.Logger.With().Str("component", "engine").Logger(),
		entities:   make(map[string]Entity),
		state:      opts.State,
	}
	if e.state == nil {
		e.state = NewState(DefaultProcessedCap)
	}
	if e.fetchLimit <= 0 {
		e.fetchLimit = DefaultFetchLimit
	}
	if c := e.state.Capacity(); c < e.fetchLimit {
		return nil, fmt.Errorf("engine: processed capacity %d is below the fetch limit %d", c, e.fetchLimit)
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.processed.Store(int64(e.state.ProcessedCount()))
	if !e.state.LastCycle.IsZero() {
		e.lastCycle.Store(e.state.LastCycle.UnixNano())
	}
	return e, nil
}

// RunCycle polls every source once, dispatches the novel items in
// chronological order and checkpoints the state. It returns
// ErrCycleInProgress if another cycle is running. Per-source and per-item
// failures are logged and counted, never returned.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	start := e.now()
	report := CycleReport{ID: uuid.NewString()}
	log := e.log.With().Str("cycle_id", report.ID).Logger()
	log.Info().Int("sources", len(e.sources)).Msg("Poll cycle started")

	var pending []Item
	for _, src := range e.sources {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		window, err := e.fetch(ctx, src)
		if err != nil {
			report.SourceErrors++
			log.Error().Err(err).Str("source", src.ID).Str("ref", src.Ref).Msg("Source fetch failed")
			continue
		}
		report.Fetched += len(window)
		novel := FilterNovel(e.state, src.ID, window)
		if len(novel) > 0 {
			log.Debug().Str("source", src.ID).Int("fetched", len(window)).Int("novel", len(novel)).Msg("Novel items found")
		}
		pending = append(pending, novel...)
	}
	report.Novel = len(pending)

	cursors := lockedCursors{e: e}
	for _, item := range Order(pending) {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		out := e.dispatcher.Send(ctx, cursors, item)
		ilog := log.With().Str("source", item.SourceID).Str("item_id", item.ItemID).Logger()
		switch out.Kind {
		case Sent:
			report.Sent++
			ilog.Info().Msg("Item forwarded")
		case SentWithoutMedia:
			report.SentWithoutMedia++
			ilog.Info().AnErr("media_error", out.Err).Msg("Item forwarded without media")
		case Skipped:
			report.Skipped++
			ilog.Debug().AnErr("reason", out.Err).Msg("Item skipped")
		case Failed:
			report.Failed++
			ev := ilog.Warn()
			if errors.Is(out.Err, ErrPermanent) {
				ev = ilog.Error()
			}
			ev.Err(out.Err).Msg("Item dispatch failed, will retry next cycle")
		}
	}

	finished := e.now()
	e.stateMu.Lock()
	e.state.LastCycle = finished
	e.stateMu.Unlock()
	e.lastCycle.Store(finished.UnixNano())
	e.cycles.Add(1)
	e.dispatched.Add(int64(report.Sent + report.SentWithoutMedia))
	e.failures.Add(int64(report.Failed + report.SourceErrors))
	report.Duration = finished.Sub(start)

	if err := e.Checkpoint(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("Checkpoint after cycle failed")
	}

	log.Info().
		Int("fetched", report.Fetched).
		Int("novel", report.Novel).
		Int("sent", report.Sent).
		Int("sent_without_media", report.SentWithoutMedia).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("source_errors", report.SourceErrors).
		Bool("interrupted", report.Interrupted).
		Dur("duration", report.Duration).
		Msg("Poll cycle finished")
	return report, nil
}

func (e *Engine) fetch(ctx context.Context, src Source) ([]Item, error) {
	fetcher := e.fetchers[src.Kind]
	entity, ok := e.entities[src.ID]
	if !ok {
		var err error
		entity, err = fetcher.Resolve(ctx, src.Ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: resolve %s: %w", ErrSourceFetch, src.ID, src.Ref, err)
		}
		e.entities[src.ID] = entity
		if entity.Unordered {
			e.stateMu.Lock()
			e.state.SetUnordered(src.ID)
			e.stateMu.Unlock()
		}
	}

	items, err := fetcher.FetchRecent(ctx, entity, e.fetchLimit, e.state.Watermark(src.ID))
	if err != nil {
		delete(e.entities, src.ID)
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceFetch, src.ID, err)
	}
	for i := range items {
		items[i].SourceID = src.ID
	}
	return items, nil
}

// Checkpoint saves a snapshot of the current state. Saves are serialized so
// an older snapshot never overwrites a newer one.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.checkpoint == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.stateMu.Lock()
	snap := e.state.Snapshot()
	e.stateMu.Unlock()

	if err := e.checkpoint.Save(ctx, snap); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// RunCheckpoints saves the state every interval until ctx is cancelled.
func (e *Engine) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Checkpoint(ctx); err != nil {
				e.log.Error().Err(err).Msg("Periodic checkpoint failed")
			}
		}
	}
}

// Stats returns counters for the health endpoint without touching state.
func (e *Engine) Stats() Stats {
	st := Stats{
		SourcesMonitored: len(e.sources),
		ProcessedCount:   e.processed.Load(),
		Cycles:           e.cycles.Load(),
		Dispatched:       e.dispatched.Load(),
		Failures:         e.failures.Load(),
	}
	if ns := e.lastCycle.Load(); ns != 0 {
		st.LastCycle = time.Unix(0, ns).UTC()
	}
	return st
}

// lockedCursors advances the engine state under stateMu so a concurrent
// checkpoint never observes a half-applied mark.
type lockedCursors struct {
	e *Engine
}

func (c lockedCursors) MarkProcessed(sourceID string, item Item) {
	c.e.stateMu.Lock()
	c.e.state.MarkProcessed(sourceID, item)
	n := c.e.state.ProcessedCount()
	c.e.stateMu.Unlock()
	c.e.processed.Store(int64(n))
}

package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fakeFetcher serves fixed windows keyed by ref.
type fakeFetcher struct {
	mu        sync.Mutex
	windows   map[string][]Item
	errs      map[string]error
	resolved  int
	fetches   int
	lastSince map[string]string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		windows:   map[string][]Item{},
		errs:      map[string]error{},
		lastSince: map[string]string{},
	}
}

func (f *fakeFetcher) Resolve(_ context.Context, ref string) (Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved++
	return Entity{Ref: ref, ID: ref}, nil
}

func (f *fakeFetcher) FetchRecent(_ context.Context, entity Entity, limit int, since string) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	f.lastSince[entity.Ref] = since
	if err := f.errs[entity.Ref]; err != nil {
		return nil, err
	}
	window := f.windows[entity.Ref]
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]Item, len(window))
	copy(out, window)
	return out, nil
}

// unorderedFetcher resolves every ref to an unordered entity.
type unorderedFetcher struct {
	*fakeFetcher
}

func (f *unorderedFetcher) Resolve(ctx context.Context, ref string) (Entity, error) {
	entity, err := f.fakeFetcher.Resolve(ctx, ref)
	entity.Unordered = true
	return entity, err
}

// recordingSink records every post and fails on demand.
type recordingSink struct {
	mu       sync.Mutex
	posts    []Message
	refs     []string
	failNext []error
	maxBytes int64
	onPost   func(Message)
}

func (s *recordingSink) Post(_ context.Context, ref string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if err != nil {
			return err
		}
	}
	if s.onPost != nil {
		s.onPost(msg)
	}
	s.posts = append(s.posts, msg)
	s.refs = append(s.refs, ref)
	return nil
}

func (s *recordingSink) MaxAttachmentBytes() int64 { return s.maxBytes }

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.Text
	}
	return out
}

// memCheckpoint keeps the last saved snapshot.
type memCheckpoint struct {
	mu    sync.Mutex
	last  *Snapshot
	saves int
	err   error
}

func (m *memCheckpoint) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	m.last = snap
	return nil
}

func item(source, id string, ts int64, body string) Item {
	return Item{
		SourceID:  source,
		ItemID:    id,
		Timestamp: time.Unix(ts, 0).UTC(),
		Body:      body,
	}
}

func bodyOnly(src Source, it Item) string {
	return src.ID + ":" + it.ItemID
}

func testSources() []Source {
	return []Source{
		{ID: "A", Name: "Alpha", Kind: "fake", Ref: "@alpha", Destination: "main"},
		{ID: "B", Name: "Beta", Kind: "fake", Ref: "@beta", Destination: "main"},
	}
}

func newTestDispatcher(sink *recordingSink, sources []Source) *Dispatcher {
	d, err := NewDispatcher(DispatcherOptions{
		Sources:      sources,
		Destinations: map[string]Destination{"main": {Name: "main", Ref: "chan-1", Sink: sink}},
		Render:       bodyOnly,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		panic(err)
	}
	d.sleep = func(context.Context, time.Duration) {}
	return d
}

func newTestEngine(fetcher *fakeFetcher, sink *recordingSink, st *State, cp Checkpointer) *Engine {
	e, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{"fake": fetcher},
		Dispatcher: newTestDispatcher(sink, testSources()),
		Checkpoint: cp,
		State:      st,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		panic(err)
	}
	return e
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

var errBoom = errors.New("boom")

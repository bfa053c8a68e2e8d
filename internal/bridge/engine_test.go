package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioFetcher() *fakeFetcher {
	f := newFakeFetcher()
	f.windows["@alpha"] = []Item{item("", "5", 100, "a5"), item("", "6", 90, "a6")}
	f.windows["@beta"] = []Item{item("", "1", 95, "b1")}
	return f
}

func TestRunCycle_DispatchesChronologically(t *testing.T) {
	sink := &recordingSink{}
	cp := &memCheckpoint{}
	e := newTestEngine(scenarioFetcher(), sink, nil, cp)

	report, err := e.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"A:6", "B:1", "A:5"}, sink.texts())
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 3, report.Novel)
	assert.Equal(t, 3, report.Sent)
	assert.NotEmpty(t, report.ID)
	require.NotNil(t, cp.last)
	assert.ElementsMatch(t, []string{"5", "6"}, cp.last.Sources["A"].Processed)
	assert.Equal(t, []string{"1"}, cp.last.Sources["B"].Processed)
}

func TestRunCycle_Idempotent(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(scenarioFetcher(), sink, nil, &memCheckpoint{})

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Novel)
	assert.Len(t, sink.posts, 3)
}

func TestRunCycle_FailedItemRetriedNextCycle(t *testing.T) {
	// first post fails: A6 is left unmarked, B1 and A5 go out
	sink := &recordingSink{failNext: []error{errBoom}}
	e := newTestEngine(scenarioFetcher(), sink, nil, &memCheckpoint{})

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"B:1", "A:5"}, sink.texts())

	report, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []string{"B:1", "A:5", "A:6"}, sink.texts())
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestRunCycle_RestartResumesFromCheckpoint(t *testing.T) {
	fetcher := scenarioFetcher()
	cp := &memCheckpoint{}
	first := &recordingSink{failNext: []error{nil, nil, errBoom}}
	_, err := newTestEngine(fetcher, first, nil, cp).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A:6", "B:1"}, first.texts())

	second := &recordingSink{}
	restarted := newTestEngine(fetcher, second, Restore(cp.last, DefaultProcessedCap), cp)
	_, err = restarted.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A:5"}, second.texts())
}

func TestRunCycle_SourceFailureIsolated(t *testing.T) {
	fetcher := scenarioFetcher()
	fetcher.errs["@alpha"] = errBoom
	sink := &recordingSink{}
	e := newTestEngine(fetcher, sink, nil, nil)

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SourceErrors)
	assert.Equal(t, []string{"B:1"}, sink.texts())

	delete(fetcher.errs, "@alpha")
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B:1", "A:6", "A:5"}, sink.texts())
	assert.Equal(t, 3, fetcher.resolved, "failed source is re-resolved")
}

func TestRunCycle_OverlapRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sink := &recordingSink{}
	sink.onPost = func(Message) {
		select {
		case <-started:
		default:
			close(started)
			<-release
		}
	}
	e := newTestEngine(scenarioFetcher(), sink, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := e.RunCycle(context.Background())
		errc <- err
	}()
	<-started

	_, err := e.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-errc)
	assert.Len(t, sink.texts(), 3)
}

func TestRunCycle_CancellationStopsBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	sink.onPost = func(Message) { cancel() }
	cp := &memCheckpoint{}
	e := newTestEngine(scenarioFetcher(), sink, nil, cp)

	report, err := e.RunCycle(ctx)

	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, []string{"A:6"}, sink.texts())
	require.NotNil(t, cp.last, "checkpoint runs after an interrupted cycle")
	assert.Equal(t, []string{"6"}, cp.last.Sources["A"].Processed)
}

func TestRunCycle_PassesWatermarkAsSince(t *testing.T) {
	st := NewState(1)
	st.MarkProcessed("A", item("A", "3", 0, "x"))
	st.MarkProcessed("A", item("A", "4", 0, "x"))
	fetcher := newFakeFetcher()
	e, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{"fake": fetcher},
		Dispatcher: newTestDispatcher(&recordingSink{}, testSources()),
		State:      st,
		FetchLimit: 1,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "3", fetcher.lastSince["@alpha"])
	assert.Equal(t, "", fetcher.lastSince["@beta"])
}

func TestNew_RejectsCapacityBelowFetchLimit(t *testing.T) {
	_, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{"fake": newFakeFetcher()},
		Dispatcher: newTestDispatcher(&recordingSink{}, testSources()),
		State:      NewState(2),
		FetchLimit: 3,
		Logger:     zerolog.Nop(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below the fetch limit")
}

func TestRunCycle_NonNumericWindowNotResentAtCapacity(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.windows["@alpha"] = []Item{
		item("A", "guid-a", 1, "a"),
		item("A", "guid-b", 2, "b"),
		item("A", "guid-c", 3, "c"),
	}
	sink := &recordingSink{}
	e, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{"fake": fetcher},
		Dispatcher: newTestDispatcher(sink, testSources()),
		State:      NewState(3),
		FetchLimit: 3,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	first, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, first.Sent)
	assert.Equal(t, 0, second.Novel)
	assert.Equal(t, []string{"A:guid-a", "A:guid-b", "A:guid-c"}, sink.texts())
}

func TestRunCycle_UnorderedEntityDisablesFloor(t *testing.T) {
	st := NewState(3)
	for _, id := range []string{"100", "50", "60", "70"} {
		st.MarkProcessed("A", item("A", id, 0, "x"))
	}
	require.Equal(t, "100", st.Watermark("A"))

	fetcher := &unorderedFetcher{fakeFetcher: newFakeFetcher()}
	fetcher.windows["@alpha"] = []Item{item("A", "80", 5, "late story")}
	sink := &recordingSink{}
	e, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{"fake": fetcher},
		Dispatcher: newTestDispatcher(sink, testSources()),
		State:      st,
		FetchLimit: 3,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "", fetcher.lastSince["@alpha"])
	assert.Equal(t, []string{"A:80"}, sink.texts())
}

func TestRunCycle_CheckpointErrorDoesNotFailCycle(t *testing.T) {
	cp := &memCheckpoint{err: errors.New("disk full")}
	e := newTestEngine(scenarioFetcher(), &recordingSink{}, nil, cp)

	report, err := e.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 1, cp.saves)
}

func TestEngine_Stats(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	e, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{"fake": scenarioFetcher()},
		Dispatcher: newTestDispatcher(&recordingSink{}, testSources()),
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)

	assert.True(t, e.Stats().LastCycle.IsZero())
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)

	st := e.Stats()
	assert.Equal(t, 2, st.SourcesMonitored)
	assert.Equal(t, int64(3), st.ProcessedCount)
	assert.Equal(t, int64(1), st.Cycles)
	assert.Equal(t, int64(3), st.Dispatched)
	assert.True(t, now.Equal(st.LastCycle))
}

func TestNew_RequiresFetcherPerKind(t *testing.T) {
	_, err := New(Options{
		Sources:    testSources(),
		Fetchers:   map[string]SourceFetcher{},
		Dispatcher: newTestDispatcher(&recordingSink{}, testSources()),
		Logger:     zerolog.Nop(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake")
}

func TestRunCheckpoints_StopsOnCancel(t *testing.T) {
	cp := &memCheckpoint{}
	e := newTestEngine(scenarioFetcher(), &recordingSink{}, nil, cp)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.RunCheckpoints(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		return cp.saves > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCheckpoints did not return")
	}
}

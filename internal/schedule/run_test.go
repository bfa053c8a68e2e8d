package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by the waited duration each time after is called.
type fakeClock struct {
	t     time.Time
	waits []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	c.t = c.t.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.t
	return ch
}

func TestRunner_RunsOnSchedule(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 10, 3, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs []time.Time
	r := &Runner{
		Schedule:  mustParse(t, "*/5 * * * *"),
		Immediate: true,
		Logger:    zerolog.Nop(),
		now:       clock.now,
		after:     clock.after,
		Job: func(context.Context) {
			runs = append(runs, clock.t)
			if len(runs) == 3 {
				cancel()
			}
		},
	}

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, runs, 3)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 3, 0, 0, time.UTC), runs[0], "immediate run")
	assert.Equal(t, time.Date(2026, 1, 15, 10, 5, 0, 0, time.UTC), runs[1])
	assert.Equal(t, time.Date(2026, 1, 15, 10, 10, 0, 0, time.UTC), runs[2])
	assert.Equal(t, []time.Duration{2 * time.Minute, 5 * time.Minute}, clock.waits)
}

func TestRunner_NotImmediate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := 0
	r := &Runner{
		Schedule: Every(time.Minute),
		now:      clock.now,
		after:    clock.after,
		Job: func(context.Context) {
			runs++
			cancel()
		},
	}

	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Equal(t, 1, runs)
	assert.Equal(t, []time.Duration{time.Minute}, clock.waits)
}

func TestRunner_StopsOnCancelWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		Schedule: Every(time.Hour),
		Job:      func(context.Context) { t.Error("job should not run") },
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_ScheduleExhausted(t *testing.T) {
	r := &Runner{
		Schedule: mustParse(t, "0 0 30 2 *"),
		Job:      func(context.Context) {},
	}
	err := r.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func mustParse(t *testing.T, expr string) Schedule {
	t.Helper()
	s, err := Parse(expr, time.UTC)
	require.NoError(t, err)
	return s
}

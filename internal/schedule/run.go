package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Runner calls Job at every time the schedule yields until the context is
// cancelled. Jobs run on the runner goroutine, so a slow job delays the
// next trigger instead of overlapping it.
type Runner struct {
	Schedule  Schedule
	Job       func(ctx context.Context)
	Immediate bool // run once before waiting for the first trigger
	Logger    zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// Run blocks until ctx is done and returns ctx.Err(), or returns the error
// of a schedule that has no further run time.
func (r *Runner) Run(ctx context.Context) error {
	now := r.now
	if now == nil {
		now = time.Now
	}
	after := r.after
	if after == nil {
		after = time.After
	}

	if r.Immediate {
		r.Job(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := r.Schedule.Next(now())
		if err != nil {
			return err
		}
		wait := next.Sub(now())
		r.Logger.Debug().Time("next_run", next).Dur("wait", wait).Msg("Waiting for next cycle")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-after(wait):
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Job(ctx)
	}
}

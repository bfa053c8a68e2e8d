// Package schedule triggers poll cycles from a cron expression or a fixed
// interval.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned when a schedule cannot be parsed.
var ErrInvalidExpression = errors.New("invalid schedule expression")

// ErrNoMatch is returned when Next finds no matching time, e.g. for
// "0 0 30 2 *".
var ErrNoMatch = errors.New("schedule: no matching time")

// Schedule computes the next run time strictly after from.
type Schedule interface {
	Next(from time.Time) (time.Time, error)
}

// Every fires at a fixed interval.
type Every time.Duration

func (e Every) Next(from time.Time) (time.Time, error) {
	if e <= 0 {
		return time.Time{}, fmt.Errorf("%w: non-positive interval", ErrInvalidExpression)
	}
	return from.Add(time.Duration(e)), nil
}

func (e Every) String() string { return "@every " + time.Duration(e).String() }

// Parse accepts a 5-field cron expression (minute hour day-of-month month
// day-of-week), a descriptor such as @hourly, "@every <duration>" or a bare
// Go duration. Cron schedules are evaluated in loc, or UTC when loc is nil,
// unless the expression carries its own CRON_TZ= prefix.
func Parse(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		return parseEvery(strings.TrimSpace(rest))
	}
	if d, err := time.ParseDuration(expr); err == nil {
		return parseEvery(d.String())
	}

	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if cs, ok := parsed.(*cron.SpecSchedule); ok && !hasZonePrefix(expr) {
		cs.Location = loc
	}
	return &cronSchedule{next: parsed, expr: expr}, nil
}

func hasZonePrefix(expr string) bool {
	return strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=")
}

func parseEvery(s string) (Schedule, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	if d < time.Second {
		return nil, fmt.Errorf("%w: interval %s is below 1s", ErrInvalidExpression, d)
	}
	return Every(d), nil
}

// cronSchedule adapts a cron.Schedule, which signals "never" with the zero
// time.
type cronSchedule struct {
	next cron.Schedule
	expr string
}

func (c *cronSchedule) Next(from time.Time) (time.Time, error) {
	next := c.next.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoMatch, c.expr)
	}
	return next, nil
}

func (c *cronSchedule) String() string { return c.expr }

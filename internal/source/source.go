// Package source implements bridge.SourceFetcher for Telegram channels,
// RSS/Atom feeds, subreddits and Hacker News.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// Source kinds as used in config.
const (
	KindTelegram = "telegram"
	KindRSS      = "rss"
	KindReddit   = "reddit"
	KindHN       = "hn"
)

// Kinds lists every supported source kind.
var Kinds = []string{KindTelegram, KindRSS, KindReddit, KindHN}

// sleepFunc is used for retry backoff and request spacing.
// Tests override it to avoid real delays.
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// throttle spaces requests to the same key (usually a host) by gap.
type throttle struct {
	mu   sync.Mutex
	gap  time.Duration
	last map[string]time.Time
}

func newThrottle(gap time.Duration) *throttle {
	return &throttle{gap: gap, last: make(map[string]time.Time)}
}

func (t *throttle) wait(ctx context.Context, key string) error {
	t.mu.Lock()
	prev, seen := t.last[key]
	t.mu.Unlock()

	if seen {
		if remaining := t.gap - time.Since(prev); remaining > 0 {
			if err := sleepFunc(ctx, remaining); err != nil {
				return err
			}
		}
	}

	t.mu.Lock()
	t.last[key] = time.Now()
	t.mu.Unlock()
	return nil
}

// newest keeps the limit most recent items, newest first.
func newest(items []bridge.Item, limit int) []bridge.Item {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

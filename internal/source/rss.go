package source

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const (
	rssFetchTimeout = 30 * time.Second
	rssUserAgent    = "Mozilla/5.0 (compatible; feedbridge/1.0; +https://github.com/ppiankov/feedbridge)"
	rssMaxRetries   = 3
	rssDomainDelay  = 3 * time.Second
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s{3,}`)
)

// RSS fetches items from RSS/Atom feeds. Requests to the same host are
// spaced by rssDomainDelay.
type RSS struct {
	client   *http.Client
	throttle *throttle
	now      func() time.Time
}

// NewRSS creates an RSS/Atom fetcher. client may be nil.
func NewRSS(client *http.Client) *RSS {
	if client == nil {
		client = &http.Client{Timeout: rssFetchTimeout}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := *client
	c.Transport = &rssTransport{base: base}
	return &RSS{client: &c, throttle: newThrottle(rssDomainDelay), now: time.Now}
}

// Resolve validates the feed URL and reads the feed title.
func (rs *RSS) Resolve(ctx context.Context, ref string) (bridge.Entity, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return bridge.Entity{}, fmt.Errorf("rss: invalid feed URL %q", ref)
	}
	feedURL := u.String()
	if err := rs.throttle.wait(ctx, u.Host); err != nil {
		return bridge.Entity{}, err
	}
	feed, err := rs.fetchWithRetry(ctx, feedURL)
	if err != nil {
		return bridge.Entity{}, fmt.Errorf("rss: %w", err)
	}
	return bridge.Entity{Ref: ref, ID: feedURL, Title: feedLabel(feed, feedURL)}, nil
}

// FetchRecent returns the newest limit entries of the feed. Entries without
// a date get the fetch time.
func (rs *RSS) FetchRecent(ctx context.Context, entity bridge.Entity, limit int, _ string) ([]bridge.Item, error) {
	if err := rs.throttle.wait(ctx, feedDomain(entity.ID)); err != nil {
		return nil, err
	}
	feed, err := rs.fetchWithRetry(ctx, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("rss: %w", err)
	}
	return newest(itemsFromFeed(feed, rs.now()), limit), nil
}

// feedDomain extracts the host from a feed URL for request spacing.
func feedDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// rssTransport injects a User-Agent header into every request.
type rssTransport struct {
	base http.RoundTripper
}

func (t *rssTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", rssUserAgent)
	return t.base.RoundTrip(req)
}

func (rs *RSS) fetchWithRetry(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	var lastErr error
	for attempt := range rssMaxRetries {
		feed, err := rs.fetchFeed(ctx, feedURL)
		if err == nil {
			return feed, nil
		}
		if !isRetryableError(err) {
			return nil, err
		}
		lastErr = err
		if attempt < rssMaxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s
			if err := sleepFunc(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	s := err.Error()
	if strings.Contains(s, "timeout") || strings.Contains(s, "Timeout") {
		return true
	}
	return strings.Contains(s, "connection refused") || strings.Contains(s, "no such host") ||
		strings.Contains(s, "connection reset")
}

func (rs *RSS) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, rssFetchTimeout)
	defer cancel()

	fp := gofeed.NewParser()
	fp.Client = rs.client
	feed, err := fp.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feedURL, err)
	}
	return feed, nil
}

func itemsFromFeed(feed *gofeed.Feed, fetchedAt time.Time) []bridge.Item {
	items := make([]bridge.Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		id := itemID(entry)
		if id == "" {
			continue
		}
		ts := itemPublishedTime(entry)
		if ts.IsZero() {
			ts = fetchedAt
		}
		items = append(items, bridge.Item{
			ItemID:    id,
			Timestamp: ts.UTC(),
			Body:      itemText(entry),
			URL:       entry.Link,
			Media:     itemMedia(entry),
		})
	}
	return items
}

func itemPublishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func feedLabel(feed *gofeed.Feed, feedURL string) string {
	if feed.Title != "" {
		return feed.Title
	}
	return feedURL
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func itemText(item *gofeed.Item) string {
	raw := item.Content
	if raw == "" {
		raw = item.Description
	}

	text := stripHTML(raw)

	if item.Title != "" && !strings.Contains(text, item.Title) {
		text = item.Title + "\n\n" + text
	}

	return strings.TrimSpace(text)
}

// itemMedia picks the first image or video enclosure, then the item image.
func itemMedia(item *gofeed.Item) bridge.Media {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		kind := bridge.MediaNone
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			kind = bridge.MediaPhoto
		case strings.HasPrefix(enc.Type, "video/"):
			kind = bridge.MediaVideo
		}
		if kind != bridge.MediaNone {
			return bridge.Media{Kind: kind, Ref: enc.URL, MimeType: enc.Type}
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return bridge.Media{Kind: bridge.MediaPhoto, Ref: item.Image.URL}
	}
	return bridge.Media{}
}

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

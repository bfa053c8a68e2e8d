package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const (
	redditBaseURL   = "https://www.reddit.com"
	redditTimeout   = 30 * time.Second
	redditUserAgent = "feedbridge/1.0"
	redditRateLimit = 1 * time.Second
	redditMaxLimit  = 100
)

// Reddit fetches posts from public subreddits via Reddit's JSON API.
type Reddit struct {
	client   *http.Client
	baseURL  string
	throttle *throttle
}

// NewReddit creates a Reddit fetcher. client may be nil.
func NewReddit(client *http.Client) *Reddit {
	if client == nil {
		client = &http.Client{Timeout: redditTimeout}
	}
	return &Reddit{
		client:   client,
		baseURL:  redditBaseURL,
		throttle: newThrottle(redditRateLimit),
	}
}

// Resolve accepts "golang", "r/golang", "/r/golang/" and subreddit URLs.
func (rs *Reddit) Resolve(_ context.Context, ref string) (bridge.Entity, error) {
	name := normalizeSubreddit(ref)
	if name == "" || strings.ContainsAny(name, "/?# ") {
		return bridge.Entity{}, fmt.Errorf("reddit: invalid subreddit %q", ref)
	}
	return bridge.Entity{Ref: ref, ID: name, Title: "r/" + name}, nil
}

// FetchRecent returns the newest posts of the subreddit. Post ids are
// converted from base36 so that they compare numerically.
func (rs *Reddit) FetchRecent(ctx context.Context, entity bridge.Entity, limit int, _ string) ([]bridge.Item, error) {
	if err := rs.throttle.wait(ctx, "reddit"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > redditMaxLimit {
		limit = redditMaxLimit
	}

	ctx, cancel := context.WithTimeout(ctx, redditTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/r/%s/new.json?limit=%d", rs.baseURL, entity.ID, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("reddit: create request: %w", err)
	}
	req.Header.Set("User-Agent", redditUserAgent)

	resp, err := rs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit: fetch r/%s: %w", entity.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit: r/%s: status %d", entity.ID, resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("reddit: decode r/%s: %w", entity.ID, err)
	}

	return newest(itemsFromListing(listing), limit), nil
}

func itemsFromListing(listing redditListing) []bridge.Item {
	var items []bridge.Item
	for _, child := range listing.Data.Children {
		p := child.Data
		if p.ID == "" {
			continue
		}

		text := p.Title
		if strings.TrimSpace(p.Selftext) != "" {
			text = p.Title + "\n\n" + p.Selftext
		}

		items = append(items, bridge.Item{
			ItemID:    redditItemID(p.ID),
			Timestamp: time.Unix(int64(p.CreatedUTC), 0).UTC(),
			Body:      text,
			URL:       redditBaseURL + p.Permalink,
			Media:     redditMedia(p),
		})
	}
	return items
}

func redditItemID(id string) string {
	n, err := strconv.ParseUint(strings.ToLower(id), 36, 64)
	if err != nil {
		return id
	}
	return strconv.FormatUint(n, 10)
}

func redditMedia(p redditPost) bridge.Media {
	if p.IsVideo && p.Media != nil && p.Media.RedditVideo.FallbackURL != "" {
		return bridge.Media{Kind: bridge.MediaVideo, Ref: p.Media.RedditVideo.FallbackURL, MimeType: "video/mp4"}
	}
	if p.PostHint == "image" && p.URL != "" {
		return bridge.Media{Kind: bridge.MediaPhoto, Ref: p.URL}
	}
	switch strings.ToLower(path.Ext(strings.SplitN(p.URL, "?", 2)[0])) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return bridge.Media{Kind: bridge.MediaPhoto, Ref: p.URL}
	}
	return bridge.Media{}
}

func normalizeSubreddit(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://www.reddit.com", "https://reddit.com", "https://old.reddit.com"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	ref = strings.Trim(ref, "/")
	ref = strings.TrimPrefix(ref, "r/")
	return strings.Trim(ref, "/")
}

type redditListing struct {
	Data struct {
		Children []redditChild `json:"children"`
	} `json:"data"`
}

type redditChild struct {
	Data redditPost `json:"data"`
}

type redditPost struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Selftext   string       `json:"selftext"`
	URL        string       `json:"url"`
	Permalink  string       `json:"permalink"`
	CreatedUTC float64      `json:"created_utc"`
	PostHint   string       `json:"post_hint"`
	IsVideo    bool         `json:"is_video"`
	Media      *redditVideo `json:"media"`
}

type redditVideo struct {
	RedditVideo struct {
		FallbackURL string `json:"fallback_url"`
	} `json:"reddit_video"`
}

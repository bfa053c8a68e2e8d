package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

func makeListing(posts ...redditPost) redditListing {
	var children []redditChild
	for _, p := range posts {
		children = append(children, redditChild{Data: p})
	}
	return redditListing{Data: struct {
		Children []redditChild `json:"children"`
	}{Children: children}}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func redditWithTransport(rt roundTripFunc) *Reddit {
	rs := NewReddit(&http.Client{Timeout: redditTimeout, Transport: rt})
	rs.baseURL = "https://reddit.test"
	return rs
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return string(b)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestReddit_Resolve(t *testing.T) {
	rs := NewReddit(nil)
	for _, ref := range []string{"devops", "r/devops", "/r/devops/", "https://www.reddit.com/r/devops/"} {
		entity, err := rs.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", ref, err)
		}
		if entity.ID != "devops" || entity.Title != "r/devops" {
			t.Errorf("Resolve(%q) = %+v", ref, entity)
		}
	}
	for _, bad := range []string{"", "   ", "dev ops", "r/devops/comments/x"} {
		if _, err := rs.Resolve(context.Background(), bad); err == nil {
			t.Errorf("Resolve(%q) expected error", bad)
		}
	}
}

func TestReddit_SuccessfulFetch(t *testing.T) {
	instantSleep(t)
	now := time.Now()
	rs := redditWithTransport(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("User-Agent") != redditUserAgent {
			t.Errorf("user-agent = %q, want %q", r.Header.Get("User-Agent"), redditUserAgent)
		}
		if r.URL.Path != "/r/devops/new.json" {
			t.Errorf("path = %q, want /r/devops/new.json", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit query = %q, want 25", got)
		}

		listing := makeListing(
			redditPost{
				ID:         "abc123",
				Title:      "CVE Alert",
				Selftext:   "Critical vulnerability found",
				Permalink:  "/r/devops/comments/abc123/cve_alert/",
				CreatedUTC: float64(now.Add(-time.Minute).Unix()),
			},
			redditPost{
				ID:         "def456",
				Title:      "Link Post",
				URL:        "https://example.com/diagram.png",
				Permalink:  "/r/devops/comments/def456/link_post/",
				CreatedUTC: float64(now.Unix()),
			},
		)
		return response(http.StatusOK, mustJSON(t, listing)), nil
	})

	items, err := rs.FetchRecent(context.Background(), bridge.Entity{ID: "devops"}, 25, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	link, self := items[0], items[1]
	if link.Body != "Link Post" {
		t.Errorf("link body = %q, want title only", link.Body)
	}
	if link.Media.Kind != bridge.MediaPhoto || link.Media.Ref != "https://example.com/diagram.png" {
		t.Errorf("link media = %+v", link.Media)
	}
	if self.Body != "CVE Alert\n\nCritical vulnerability found" {
		t.Errorf("self body = %q", self.Body)
	}
	if self.URL != "https://www.reddit.com/r/devops/comments/abc123/cve_alert/" {
		t.Errorf("url = %q", self.URL)
	}
	if self.ItemID != "623698779" {
		t.Errorf("item id = %q, want base36 abc123 in decimal", self.ItemID)
	}
}

func TestReddit_LimitCapped(t *testing.T) {
	instantSleep(t)
	rs := redditWithTransport(func(r *http.Request) (*http.Response, error) {
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit query = %q, want 100", got)
		}
		return response(http.StatusOK, `{"data":{"children":[]}}`), nil
	})

	items, err := rs.FetchRecent(context.Background(), bridge.Entity{ID: "devops"}, 500, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestReddit_HTTPError(t *testing.T) {
	instantSleep(t)
	rs := redditWithTransport(func(*http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, `{}`), nil
	})

	_, err := rs.FetchRecent(context.Background(), bridge.Entity{ID: "devops"}, 10, "")
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Errorf("error = %v, want status 429", err)
	}
}

func TestReddit_TransportError(t *testing.T) {
	instantSleep(t)
	rs := redditWithTransport(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	})

	if _, err := rs.FetchRecent(context.Background(), bridge.Entity{ID: "devops"}, 10, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestReddit_InvalidJSON(t *testing.T) {
	instantSleep(t)
	rs := redditWithTransport(func(*http.Request) (*http.Response, error) {
		return response(http.StatusOK, `{not json`), nil
	})

	_, err := rs.FetchRecent(context.Background(), bridge.Entity{ID: "devops"}, 10, "")
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("error = %v, want decode error", err)
	}
}

func TestReddit_RequestsAreSpaced(t *testing.T) {
	delays := instantSleep(t)
	rs := redditWithTransport(func(*http.Request) (*http.Response, error) {
		return response(http.StatusOK, `{"data":{"children":[]}}`), nil
	})

	for _, sub := range []string{"devops", "golang"} {
		if _, err := rs.FetchRecent(context.Background(), bridge.Entity{ID: sub}, 10, ""); err != nil {
			t.Fatalf("fetch %s: %v", sub, err)
		}
	}
	if len(*delays) != 1 {
		t.Errorf("delays = %v, want one spacing wait", *delays)
	}
}

func TestRedditMedia(t *testing.T) {
	video := &redditVideo{}
	video.RedditVideo.FallbackURL = "https://v.redd.it/x/DASH_720.mp4"

	tests := []struct {
		name string
		post redditPost
		want bridge.MediaKind
	}{
		{"image hint", redditPost{PostHint: "image", URL: "https://i.redd.it/a"}, bridge.MediaPhoto},
		{"image extension with query", redditPost{URL: "https://i.imgur.com/a.JPG?x=1"}, bridge.MediaPhoto},
		{"hosted video", redditPost{IsVideo: true, Media: video}, bridge.MediaVideo},
		{"video without media", redditPost{IsVideo: true}, bridge.MediaNone},
		{"plain link", redditPost{URL: "https://example.com/article"}, bridge.MediaNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redditMedia(tt.post).Kind; got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedditItemID(t *testing.T) {
	if got := redditItemID("1a"); got != "46" {
		t.Errorf("redditItemID(1a) = %q, want 46", got)
	}
	if got := redditItemID("not-base36!"); got != "not-base36!" {
		t.Errorf("invalid id should pass through, got %q", got)
	}
}

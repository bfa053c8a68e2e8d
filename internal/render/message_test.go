package render

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

var testSource = bridge.Source{ID: "devnews", Name: "Dev News"}

func testItem() bridge.Item {
	return bridge.Item{
		SourceID:  "devnews",
		ItemID:    "42",
		Timestamp: time.Date(2026, 2, 16, 10, 30, 0, 0, time.UTC),
		Body:      "Kubernetes 1.32 released",
		URL:       "https://t.me/devnews/42",
	}
}

func TestRender_Markdown(t *testing.T) {
	r := New(Options{ShowLink: true, ShowTimestamp: true})
	got := r.Render(testSource, testItem())
	want := "📢 **Dev News**\n\nKubernetes 1.32 released\n\nhttps://t.me/devnews/42\n_2026-02-16 10:30 UTC_"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestRender_Plain(t *testing.T) {
	r := New(Options{Style: StylePlain, ShowTimestamp: true})
	got := r.Render(testSource, testItem())
	want := "📢 Dev News\n\nKubernetes 1.32 released\n\n2026-02-16 10:30 UTC"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestRender_HeaderOnly(t *testing.T) {
	r := New(Options{})
	item := testItem()
	item.Body = "   "
	if got := r.Render(bridge.Source{ID: "raw"}, item); got != "📢 **raw**" {
		t.Errorf("got %q", got)
	}
}

func TestRender_LinkAlreadyInBody(t *testing.T) {
	r := New(Options{ShowLink: true})
	item := testItem()
	item.Body = "read " + item.URL
	got := r.Render(testSource, item)
	if strings.Count(got, item.URL) != 1 {
		t.Errorf("link repeated: %q", got)
	}
}

func TestRender_Location(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	r := New(Options{Style: StylePlain, ShowTimestamp: true, Location: loc})
	got := r.Render(testSource, testItem())
	if !strings.HasSuffix(got, "2026-02-16 13:30 MSK") {
		t.Errorf("got %q", got)
	}
}

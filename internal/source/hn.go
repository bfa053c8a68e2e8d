package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const (
	hnAPIBase      = "https://hacker-news.firebaseio.com/v0"
	hnItemURL      = "https://news.ycombinator.com/item?id="
	hnFetchTimeout = 30 * time.Second
	hnMaxStories   = 200
	hnMaxWorkers   = 5
)

// hnLists maps a source ref to its story list endpoint.
var hnLists = map[string]string{
	"top":  "topstories",
	"new":  "newstories",
	"best": "beststories",
}

// HN fetches stories from Hacker News via the Firebase API.
type HN struct {
	minPoints int
	client    *http.Client
	log       zerolog.Logger
}

// NewHN creates a Hacker News fetcher. minPoints filters stories below the threshold.
func NewHN(minPoints int, log zerolog.Logger) (*HN, error) {
	if minPoints < 1 {
		return nil, errors.New("hn: min_points must be at least 1")
	}
	return &HN{
		minPoints: minPoints,
		client:    &http.Client{Timeout: hnFetchTimeout},
		log:       log.With().Str("component", "hn").Logger(),
	}, nil
}

// hnItem represents a Hacker News story from the API.
type hnItem struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Text        string `json:"text"`
	Score       int    `json:"score"`
	Time        int64  `json:"time"`
	Descendants int    `json:"descendants"`
	By          string `json:"by"`
	Dead        bool   `json:"dead"`
	Deleted     bool   `json:"deleted"`
}

// hnAPIBaseURL allows tests to override the API endpoint.
var hnAPIBaseURL = hnAPIBase

// Resolve accepts "top", "new" or "best"; an empty ref means top.
func (h *HN) Resolve(_ context.Context, ref string) (bridge.Entity, error) {
	list := strings.ToLower(strings.TrimSpace(ref))
	if list == "" {
		list = "top"
	}
	if _, ok := hnLists[list]; !ok {
		return bridge.Entity{}, fmt.Errorf("hn: unknown story list %q (want top, new or best)", ref)
	}
	// ranked lists reorder and stories qualify late, so ids are not monotonic
	return bridge.Entity{Ref: ref, ID: list, Title: "Hacker News " + list, Unordered: true}, nil
}

// FetchRecent returns the newest stories of the list that reach minPoints.
// Story ids at or below since are not fetched.
func (h *HN) FetchRecent(ctx context.Context, entity bridge.Entity, limit int, since string) ([]bridge.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, hnFetchTimeout)
	defer cancel()

	ids, err := h.fetchStoryIDs(ctx, hnLists[entity.ID])
	if err != nil {
		return nil, fmt.Errorf("hn: fetch %s stories: %w", entity.ID, err)
	}
	if len(ids) > hnMaxStories {
		ids = ids[:hnMaxStories]
	}
	if floor, err := strconv.Atoi(since); err == nil {
		kept := ids[:0]
		for _, id := range ids {
			if id > floor {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	if len(ids) == 0 {
		return nil, nil
	}

	type result struct {
		item *bridge.Item
		err  error
	}

	jobs := make(chan int, len(ids))
	results := make(chan result, len(ids))

	workers := min(hnMaxWorkers, len(ids))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				story, err := h.fetchItem(ctx, id)
				if err != nil {
					results <- result{err: err}
					continue
				}
				if story.Type != "story" || story.Dead || story.Deleted || story.Score < h.minPoints {
					results <- result{}
					continue
				}
				results <- result{item: storyItem(story)}
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var items []bridge.Item
	for r := range results {
		if r.err != nil {
			h.log.Warn().Err(r.err).Msg("Skipping story")
			continue
		}
		if r.item != nil {
			items = append(items, *r.item)
		}
	}

	return newest(items, limit), nil
}

func storyItem(story *hnItem) *bridge.Item {
	id := strconv.Itoa(story.ID)
	body := story.Title
	if text := stripHTML(story.Text); text != "" {
		body += "\n\n" + text
	}
	link := story.URL
	if link == "" {
		link = hnItemURL + id
	}
	return &bridge.Item{
		ItemID:    id,
		Timestamp: time.Unix(story.Time, 0).UTC(),
		Body:      body,
		URL:       link,
	}
}

func (h *HN) fetchStoryIDs(ctx context.Context, list string) ([]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hnAPIBaseURL+"/"+list+".json", nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", list, resp.StatusCode)
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("%s: %w", list, err)
	}
	return ids, nil
}

func (h *HN) fetchItem(ctx context.Context, id int) (*hnItem, error) {
	url := fmt.Sprintf("%s/item/%d.json", hnAPIBaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("item %d: HTTP %d", id, resp.StatusCode)
	}

	var item hnItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	return &item, nil
}

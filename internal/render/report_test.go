package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func sampleReport() StateReport {
	now := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	return StateReport{
		Backend:   "file:///var/lib/feedbridge/state.json",
		Capacity:  2000,
		LastCycle: now.Add(-5 * time.Minute),
		Now:       now,
		Sources: []SourceReport{
			{ID: "old", Processed: 12, HighWater: "99"},
			{ID: "devnews", Name: "Dev News", Kind: "telegram", Destination: "main", Processed: 2000, HighWater: "4512", Floor: "2511", Configured: true},
			{ID: "blog", Kind: "rss", Destination: "main", Processed: 3, Configured: true},
		},
	}
}

func TestTerminalFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTerminal(false).Format(&buf, sampleReport()); err != nil {
		t.Fatalf("format: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"feedbridge state: file:///var/lib/feedbridge/state.json",
		"last cycle: 5 minutes ago, 3 sources, capacity 2,000 per source",
		"devnews (Dev News)  2,000 processed, full",
		"telegram -> main, high water 4512, floor 2511",
		"rss -> main, high water -, floor -",
		"not configured; remove with: feedbridge state reset old",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "blog") > strings.Index(out, "old") {
		t.Error("configured sources should be listed before unconfigured ones")
	}
	if strings.Contains(out, "\033[") {
		t.Error("ANSI codes in colorless output")
	}
}

func TestTerminalFormat_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTerminal(true).Format(&buf, StateReport{Backend: "memory://"}); err != nil {
		t.Fatalf("format: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "last cycle: never") || !strings.Contains(out, "No state recorded.") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "\033[1m") {
		t.Error("expected bold header with color enabled")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSON().Format(&buf, sampleReport()); err != nil {
		t.Fatalf("format: %v", err)
	}

	var got jsonReport
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LastCycle != "2026-02-16T11:55:00Z" || got.Capacity != 2000 {
		t.Errorf("meta = %+v", got)
	}
	if len(got.Sources) != 3 || got.Sources[0].ID != "blog" || got.Sources[2].ID != "old" {
		t.Errorf("sources = %+v", got.Sources)
	}
	if got.Sources[2].Configured {
		t.Error("old should be unconfigured")
	}
}

func TestJSONFormat_OmitsEmptyLastCycle(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSON().Format(&buf, StateReport{Backend: "memory://"}); err != nil {
		t.Fatalf("format: %v", err)
	}
	if strings.Contains(buf.String(), "last_cycle") {
		t.Errorf("last_cycle should be omitted: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"sources": []`) {
		t.Errorf("sources should be an empty array: %s", buf.String())
	}
}

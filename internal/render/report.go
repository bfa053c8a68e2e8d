package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// SourceReport is one row of a state report.
type SourceReport struct {
	ID          string
	Name        string
	Kind        string
	Destination string
	Processed   int
	HighWater   string
	Floor       string
	Configured  bool // false for state entries without a configured source
}

// StateReport summarises persisted state for the state command.
type StateReport struct {
	Backend   string
	Capacity  int
	LastCycle time.Time
	Now       time.Time
	Sources   []SourceReport
}

// Formatter writes a formatted state report to w.
type Formatter interface {
	Format(w io.Writer, report StateReport) error
}

// TerminalFormatter formats a state report for terminal output.
type TerminalFormatter struct {
	color bool
}

// NewTerminal creates a terminal formatter. Set color=true for ANSI colors.
func NewTerminal(color bool) *TerminalFormatter {
	return &TerminalFormatter{color: color}
}

// Format writes one line per source, configured sources first.
func (f *TerminalFormatter) Format(w io.Writer, report StateReport) error {
	sources := sortedSources(report.Sources)

	fmt.Fprintln(w, f.bold(fmt.Sprintf("feedbridge state: %s", report.Backend)))
	fmt.Fprintf(w, "last cycle: %s, %d sources, capacity %s per source\n\n",
		lastCycle(report), len(sources), humanize.Comma(int64(report.Capacity)))

	if len(sources) == 0 {
		fmt.Fprintln(w, "No state recorded.")
		return nil
	}

	for _, s := range sources {
		label := s.ID
		if s.Name != "" && s.Name != s.ID {
			label = fmt.Sprintf("%s (%s)", s.ID, s.Name)
		}
		fill := fmt.Sprintf("%s processed", humanize.Comma(int64(s.Processed)))
		if s.Processed >= report.Capacity && report.Capacity > 0 {
			fill = f.yellow(fill + ", full")
		} else {
			fill = f.green(fill)
		}
		fmt.Fprintf(w, "  %s  %s\n", f.bold(label), fill)

		detail := fmt.Sprintf("high water %s, floor %s", orDash(s.HighWater), orDash(s.Floor))
		if s.Kind != "" {
			detail = s.Kind + " -> " + orDash(s.Destination) + ", " + detail
		}
		fmt.Fprintf(w, "      %s\n", f.dim(detail))
		if !s.Configured {
			fmt.Fprintf(w, "      %s\n", f.yellow("not configured; remove with: feedbridge state reset "+s.ID))
		}
	}
	return nil
}

func sortedSources(in []SourceReport) []SourceReport {
	out := append([]SourceReport(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Configured != out[j].Configured {
			return out[i].Configured
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func lastCycle(report StateReport) string {
	if report.LastCycle.IsZero() {
		return "never"
	}
	now := report.Now
	if now.IsZero() {
		now = time.Now()
	}
	return humanize.RelTime(report.LastCycle, now, "ago", "from now")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ANSI helpers, no-op when color=false.

func (f *TerminalFormatter) bold(s string) string {
	if !f.color {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

func (f *TerminalFormatter) green(s string) string {
	if !f.color {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

func (f *TerminalFormatter) yellow(s string) string {
	if !f.color {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

func (f *TerminalFormatter) dim(s string) string {
	if !f.color {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}

type jsonReport struct {
	Backend   string       `json:"backend"`
	Capacity  int          `json:"capacity"`
	LastCycle string       `json:"last_cycle,omitempty"`
	Sources   []jsonSource `json:"sources"`
}

type jsonSource struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Destination string `json:"destination,omitempty"`
	Processed   int    `json:"processed"`
	HighWater   string `json:"high_water,omitempty"`
	Floor       string `json:"floor,omitempty"`
	Configured  bool   `json:"configured"`
}

// JSONFormatter formats a state report as JSON.
type JSONFormatter struct{}

// NewJSON creates a JSON formatter.
func NewJSON() *JSONFormatter {
	return &JSONFormatter{}
}

// Format writes the report as indented JSON to w.
func (f *JSONFormatter) Format(w io.Writer, report StateReport) error {
	out := jsonReport{
		Backend:  report.Backend,
		Capacity: report.Capacity,
		Sources:  make([]jsonSource, 0, len(report.Sources)),
	}
	if !report.LastCycle.IsZero() {
		out.LastCycle = report.LastCycle.UTC().Format(time.RFC3339)
	}
	for _, s := range sortedSources(report.Sources) {
		out.Sources = append(out.Sources, jsonSource(s))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

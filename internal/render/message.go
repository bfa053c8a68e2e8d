// Package render formats forwarded messages and state reports.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// Styles for forwarded messages.
const (
	StyleMarkdown = "markdown"
	StylePlain    = "plain"
)

const (
	headerIcon = "📢"
	timeLayout = "2006-01-02 15:04 MST"
)

// Options control the forwarded message layout.
type Options struct {
	Style         string
	ShowLink      bool
	ShowTimestamp bool
	Location      *time.Location
}

// Renderer builds destination text for an item.
type Renderer struct {
	opts Options
}

// New creates a Renderer. Unknown styles fall back to markdown.
func New(opts Options) *Renderer {
	if opts.Style != StylePlain {
		opts.Style = StyleMarkdown
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Renderer{opts: opts}
}

// Render lays out the header line, the body, the link and the timestamp,
// separated by blank lines. Empty parts are left out.
func (r *Renderer) Render(src bridge.Source, item bridge.Item) string {
	name := src.Name
	if name == "" {
		name = src.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", headerIcon, r.bold(name))

	if body := strings.TrimSpace(item.Body); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}

	linked := r.opts.ShowLink && item.URL != "" && !strings.Contains(item.Body, item.URL)
	if linked {
		b.WriteString("\n\n")
		b.WriteString(item.URL)
	}

	// the timestamp sits directly under the link, or after a blank line
	if r.opts.ShowTimestamp && !item.Timestamp.IsZero() {
		if linked {
			b.WriteString("\n")
		} else {
			b.WriteString("\n\n")
		}
		b.WriteString(r.italic(item.Timestamp.In(r.opts.Location).Format(timeLayout)))
	}

	return b.String()
}

func (r *Renderer) bold(s string) string {
	if r.opts.Style == StylePlain {
		return s
	}
	return "**" + s + "**"
}

func (r *Renderer) italic(s string) string {
	if r.opts.Style == StylePlain {
		return s
	}
	return "_" + s + "_"
}

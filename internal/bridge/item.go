// Package bridge implements the poll-cycle engine: novelty detection against
// a persisted cursor, chronological ordering across sources, paced delivery
// to destinations, and the state snapshots the checkpoint layer persists.
package bridge

import (
	"strconv"
	"strings"
	"time"
)

// Source is a configured upstream channel and the destination it forwards to.
type Source struct {
	ID          string // stable identifier, used as the cursor key
	Name        string // display name rendered into forwarded messages
	Kind        string // fetcher kind: "telegram", "rss", "reddit", "hn"
	Ref         string // fetcher-specific reference (channel handle, feed URL, subreddit)
	Destination string // destination name from config
}

// MediaKind tags the attachment carried by an item.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaPhoto
	MediaVideo
	MediaDocument
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaDocument:
		return "document"
	default:
		return "none"
	}
}

// ParseMediaKind maps a collector/feed media label to a MediaKind.
// Unknown labels with a non-empty value are treated as documents.
func ParseMediaKind(s string) MediaKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MediaNone
	case "photo", "image":
		return MediaPhoto
	case "video":
		return MediaVideo
	default:
		return MediaDocument
	}
}

// Media is a lazily fetched attachment handle.
type Media struct {
	Kind     MediaKind
	Name     string // file name; set for documents, optional otherwise
	Ref      string // opener reference: http(s) URL, file path, or tg://channel/msgid
	MimeType string
}

// Item is one unit of content fetched from a source. Items are immutable.
type Item struct {
	SourceID  string
	ItemID    string
	Timestamp time.Time
	Body      string
	URL       string
	Media     Media
}

// Fingerprint returns the dedup key of the item.
func (it Item) Fingerprint() Fingerprint {
	return Fingerprint{SourceID: it.SourceID, ItemID: it.ItemID}
}

// HasPayload reports whether the item carries anything worth forwarding.
func (it Item) HasPayload() bool {
	return strings.TrimSpace(it.Body) != "" || it.Media.Kind != MediaNone
}

// Fingerprint identifies an item for dedup purposes. It is derived only from
// the source id and the source-assigned item id.
type Fingerprint struct {
	SourceID string
	ItemID   string
}

func (f Fingerprint) String() string {
	return f.SourceID + "/" + f.ItemID
}

// CompareIDs orders two item ids. Ids that both parse as unsigned integers
// compare numerically; anything else compares lexically.
func CompareIDs(a, b string) int {
	an, aok := numericID(a)
	bn, bok := numericID(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func numericID(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

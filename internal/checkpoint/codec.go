package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// FormatVersion is the version written by Encode.
const FormatVersion = 2

type document struct {
	Version   int                  `json:"version"`
	LastCycle *time.Time           `json:"last_cycle,omitempty"`
	Sources   map[string]docSource `json:"sources"`
}

type docSource struct {
	HighWater string   `json:"high_water,omitempty"`
	Floor     string   `json:"floor,omitempty"`
	Processed []string `json:"processed"`
}

// legacy shapes, keyed by channel reference rather than source id
type legacyDocument struct {
	Version           *int                   `json:"version"`
	LastMessageIDs    map[string]json.Number `json:"lastMessageIds"`
	LastCheck         *int64                 `json:"lastCheck"`
	ProcessedMessages []string               `json:"processedMessages"`
}

// Encode renders snap in the current format.
func Encode(snap *bridge.Snapshot) ([]byte, error) {
	doc := document{Version: FormatVersion, Sources: map[string]docSource{}}
	if snap != nil {
		if !snap.LastCycle.IsZero() {
			t := snap.LastCycle.UTC()
			doc.LastCycle = &t
		}
		for id, src := range snap.Sources {
			processed := src.Processed
			if processed == nil {
				processed = []string{}
			}
			doc.Sources[id] = docSource{HighWater: src.HighWater, Floor: src.Floor, Processed: processed}
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses any supported format. Empty input decodes to an empty
// snapshot; anything unrecognised wraps bridge.ErrStateCorrupt.
func Decode(data []byte) (*bridge.Snapshot, error) {
	snap := &bridge.Snapshot{Sources: map[string]bridge.SourceSnapshot{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}

	var probe legacyDocument
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrStateCorrupt, err)
	}

	switch {
	case probe.Version != nil:
		return decodeCurrent(data, *probe.Version)
	case probe.LastMessageIDs != nil:
		return decodeLastIDs(probe), nil
	case probe.ProcessedMessages != nil:
		return decodeProcessedList(probe.ProcessedMessages), nil
	default:
		return nil, fmt.Errorf("%w: unrecognised state document", bridge.ErrStateCorrupt)
	}
}

func decodeCurrent(data []byte, version int) (*bridge.Snapshot, error) {
	if version > FormatVersion {
		return nil, fmt.Errorf("state format version %d is newer than supported %d", version, FormatVersion)
	}
	if version < FormatVersion {
		return nil, fmt.Errorf("%w: unknown state format version %d", bridge.ErrStateCorrupt, version)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrStateCorrupt, err)
	}
	snap := &bridge.Snapshot{Sources: make(map[string]bridge.SourceSnapshot, len(doc.Sources))}
	if doc.LastCycle != nil {
		snap.LastCycle = doc.LastCycle.UTC()
	}
	for id, src := range doc.Sources {
		snap.Sources[id] = bridge.SourceSnapshot{
			HighWater: src.HighWater,
			Floor:     src.Floor,
			Processed: src.Processed,
		}
	}
	return snap, nil
}

// decodeLastIDs upgrades {"lastMessageIds":{ref:id},"lastCheck":ms}. Every
// id up to the recorded one counts as seen, so it becomes the floor.
func decodeLastIDs(doc legacyDocument) *bridge.Snapshot {
	snap := &bridge.Snapshot{Sources: make(map[string]bridge.SourceSnapshot, len(doc.LastMessageIDs))}
	if doc.LastCheck != nil && *doc.LastCheck > 0 {
		snap.LastCycle = time.UnixMilli(*doc.LastCheck).UTC()
	}
	for ref, id := range doc.LastMessageIDs {
		last := id.String()
		snap.Sources[ref] = bridge.SourceSnapshot{HighWater: last, Floor: last, Processed: []string{}}
	}
	return snap
}

// decodeProcessedList upgrades {"processedMessages":["ref_id", ...]}.
func decodeProcessedList(entries []string) *bridge.Snapshot {
	snap := &bridge.Snapshot{Sources: map[string]bridge.SourceSnapshot{}}
	for _, entry := range entries {
		i := strings.LastIndexByte(entry, '_')
		if i <= 0 || i == len(entry)-1 {
			continue
		}
		ref, id := entry[:i], entry[i+1:]
		src := snap.Sources[ref]
		src.Processed = append(src.Processed, id)
		if bridge.CompareIDs(id, src.HighWater) > 0 {
			src.HighWater = id
		}
		snap.Sources[ref] = src
	}
	return snap
}

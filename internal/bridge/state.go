package bridge

import (
	"sort"
	"time"
)

// SourceState is the cursor of one source: the bounded set of processed ids,
// the highest processed numeric id, and the highest numeric id ever evicted
// from the set.
type SourceState struct {
	Processed *ProcessedSet
	HighWater string
	Floor     string
}

// State is the engine state owned by the single cycle worker. It is the
// cursor store: novelty is decided from it alone.
type State struct {
	capacity  int
	sources   map[string]*SourceState
	unordered map[string]bool
	LastCycle time.Time
}

// NewState creates an empty state whose processed sets hold up to capacity
// ids per source.
func NewState(capacity int) *State {
	if capacity <= 0 {
		capacity = DefaultProcessedCap
	}
	return &State{
		capacity:  capacity,
		sources:   make(map[string]*SourceState),
		unordered: make(map[string]bool),
	}
}

// Capacity returns the per-source processed set capacity.
func (s *State) Capacity() int { return s.capacity }

// SetUnordered marks sourceID as a source whose ids do not grow with
// publication order. Such sources get no eviction floor: only the processed
// set decides novelty, and Watermark stays empty.
func (s *State) SetUnordered(sourceID string) {
	s.unordered[sourceID] = true
	if ss, ok := s.sources[sourceID]; ok {
		ss.Floor = ""
	}
}

// IsNovel reports whether item has never been marked processed for sourceID.
// Numeric ids at or below the eviction floor are treated as seen, except for
// unordered sources.
func (s *State) IsNovel(sourceID string, item Item) bool {
	ss, ok := s.sources[sourceID]
	if !ok {
		return true
	}
	if ss.Processed.Contains(item.ItemID) {
		return false
	}
	if !s.unordered[sourceID] && ss.Floor != "" && isNumeric(item.ItemID) && CompareIDs(item.ItemID, ss.Floor) <= 0 {
		return false
	}
	return true
}

// MarkProcessed records item as delivered. Marking an already processed item
// is a no-op.
func (s *State) MarkProcessed(sourceID string, item Item) {
	ss := s.source(sourceID)
	if ss.Processed.Contains(item.ItemID) {
		return
	}
	evicted := ss.Processed.Add(item.ItemID)
	if !s.unordered[sourceID] {
		for _, old := range evicted {
			ss.raiseFloor(old)
		}
	}
	if isNumeric(item.ItemID) && (ss.HighWater == "" || CompareIDs(item.ItemID, ss.HighWater) > 0) {
		ss.HighWater = item.ItemID
	}
}

// Watermark returns the fetch hint for sourceID: every numeric id at or below
// it is already known to be seen. Empty when no such bound exists.
func (s *State) Watermark(sourceID string) string {
	if ss, ok := s.sources[sourceID]; ok && !s.unordered[sourceID] {
		return ss.Floor
	}
	return ""
}

// Reset forgets everything recorded for sourceID.
func (s *State) Reset(sourceID string) bool {
	if _, ok := s.sources[sourceID]; !ok {
		return false
	}
	delete(s.sources, sourceID)
	return true
}

// ProcessedCount returns the number of live processed ids across sources.
func (s *State) ProcessedCount() int {
	n := 0
	for _, ss := range s.sources {
		n += ss.Processed.Len()
	}
	return n
}

// SourceIDs returns the ids of sources with recorded state, sorted.
func (s *State) SourceIDs() []string {
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) source(sourceID string) *SourceState {
	ss, ok := s.sources[sourceID]
	if !ok {
		ss = &SourceState{Processed: NewProcessedSet(s.capacity)}
		s.sources[sourceID] = ss
	}
	return ss
}

// Snapshot is the persisted form of State.
type Snapshot struct {
	LastCycle time.Time
	Sources   map[string]SourceSnapshot
}

// SourceSnapshot is the persisted cursor of one source.
type SourceSnapshot struct {
	HighWater string
	Floor     string
	Processed []string // oldest first
}

// Snapshot copies the state into its persisted form.
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		LastCycle: s.LastCycle,
		Sources:   make(map[string]SourceSnapshot, len(s.sources)),
	}
	for id, ss := range s.sources {
		snap.Sources[id] = SourceSnapshot{
			HighWater: ss.HighWater,
			Floor:     ss.Floor,
			Processed: ss.Processed.IDs(),
		}
	}
	return snap
}

// Restore rebuilds a State from a snapshot. Processed ids are replayed in
// their saved order, so a smaller capacity keeps the newest entries.
func Restore(snap *Snapshot, capacity int) *State {
	st := NewState(capacity)
	if snap == nil {
		return st
	}
	st.LastCycle = snap.LastCycle
	for id, src := range snap.Sources {
		ss := st.source(id)
		for _, itemID := range src.Processed {
			for _, old := range ss.Processed.Add(itemID) {
				ss.raiseFloor(old)
			}
		}
		ss.raiseFloor(src.Floor)
		ss.HighWater = src.HighWater
	}
	return st
}

func (ss *SourceState) raiseFloor(id string) {
	if isNumeric(id) && (ss.Floor == "" || CompareIDs(id, ss.Floor) > 0) {
		ss.Floor = id
	}
}

func isNumeric(id string) bool {
	_, ok := numericID(id)
	return ok
}

package bridge

// DefaultProcessedCap is the per-source capacity of a ProcessedSet.
const DefaultProcessedCap = 2000

// ProcessedSet is an insertion-ordered set of item ids with FIFO eviction
// once its capacity is exceeded. It is not safe for concurrent use.
type ProcessedSet struct {
	capacity int
	order    []string // oldest first; order[head:] is live
	head     int
	index    map[string]struct{}
}

// NewProcessedSet creates an empty set. A non-positive capacity selects
// DefaultProcessedCap.
func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity <= 0 {
		capacity = DefaultProcessedCap
	}
	return &ProcessedSet{
		capacity: capacity,
		index:    make(map[string]struct{}),
	}
}

// Contains reports whether id has been added and not yet evicted.
func (s *ProcessedSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add inserts id and returns the ids evicted to stay within capacity, oldest
// first. Adding an id that is already present is a no-op and does not
// refresh its position.
func (s *ProcessedSet) Add(id string) []string {
	if _, ok := s.index[id]; ok {
		return nil
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)

	var evicted []string
	for s.Len() > s.capacity {
		old := s.order[s.head]
		s.order[s.head] = ""
		s.head++
		delete(s.index, old)
		evicted = append(evicted, old)
	}
	s.compact()
	return evicted
}

// Len returns the number of live ids.
func (s *ProcessedSet) Len() int {
	return len(s.order) - s.head
}

// Cap returns the configured capacity.
func (s *ProcessedSet) Cap() int {
	return s.capacity
}

// IDs returns the live ids, oldest first.
func (s *ProcessedSet) IDs() []string {
	out := make([]string, s.Len())
	copy(out, s.order[s.head:])
	return out
}

// compact drops the evicted prefix once it dominates the backing slice.
func (s *ProcessedSet) compact() {
	if s.head == 0 || s.head < len(s.order)/2 {
		return
	}
	live := make([]string, s.Len(), s.capacity+1)
	copy(live, s.order[s.head:])
	s.order = live
	s.head = 0
}

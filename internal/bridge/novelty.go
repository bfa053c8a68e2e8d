package bridge

import "sort"

// FilterNovel returns the items of one source's fetch window that have not
// been processed and carry a payload. It never mutates st. Repeated ids in
// the window are collapsed to their first occurrence.
func FilterNovel(st *State, sourceID string, window []Item) []Item {
	seen := make(map[string]struct{}, len(window))
	var out []Item
	for _, it := range window {
		if _, dup := seen[it.ItemID]; dup {
			continue
		}
		seen[it.ItemID] = struct{}{}
		if it.ItemID == "" || !it.HasPayload() {
			continue
		}
		if !st.IsNovel(sourceID, it) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Order sorts items from all sources into dispatch order: ascending
// timestamp, ties broken by source id and then item id. The input slice is
// not modified.
func Order(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return CompareIDs(a.ItemID, b.ItemID) < 0
	})
	return out
}

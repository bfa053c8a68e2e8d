package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterNovel(t *testing.T) {
	st := NewState(10)
	st.MarkProcessed("A", item("A", "1", 0, "seen"))

	window := []Item{
		item("A", "1", 10, "seen"),
		item("A", "2", 20, "new"),
		item("A", "2", 20, "new again"),
		item("A", "3", 30, "   "),
		item("A", "", 40, "no id"),
		{SourceID: "A", ItemID: "4", Media: Media{Kind: MediaPhoto, Ref: "http://x/4.jpg"}},
	}

	novel := FilterNovel(st, "A", window)

	require.Len(t, novel, 2)
	assert.Equal(t, "2", novel[0].ItemID)
	assert.Equal(t, "new", novel[0].Body)
	assert.Equal(t, "4", novel[1].ItemID)
	assert.Equal(t, 1, st.ProcessedCount(), "filtering never marks")
	assert.True(t, st.IsNovel("A", item("A", "3", 0, "")), "empty items are dropped without being marked")
}

func TestOrder_ChronologicalAcrossSources(t *testing.T) {
	items := []Item{
		item("A", "5", 100, "a5"),
		item("A", "6", 90, "a6"),
		item("B", "1", 95, "b1"),
	}

	ordered := Order(items)

	got := make([]string, len(ordered))
	for i, it := range ordered {
		got[i] = it.Fingerprint().String()
	}
	assert.Equal(t, []string{"A/6", "B/1", "A/5"}, got)
	assert.Equal(t, "5", items[0].ItemID, "input untouched")
}

func TestOrder_TieBreaks(t *testing.T) {
	items := []Item{
		item("B", "1", 50, "b1"),
		item("A", "10", 50, "a10"),
		item("A", "9", 50, "a9"),
	}

	ordered := Order(items)

	got := make([]string, len(ordered))
	for i, it := range ordered {
		got[i] = it.Fingerprint().String()
	}
	assert.Equal(t, []string{"A/9", "A/10", "B/1"}, got)
}

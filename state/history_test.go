package state

import (
	"fmt"
	"testing"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(text string) HistoryEntry {
	return HistoryEntry{Observation: models.ObservationRecord{ID: text, RawText: text}}
}

func TestHistoryWindow_EvictsOldestFirst(t *testing.T) {
	h := NewHistoryWindow(3)
	for i := 1; i <= 5; i++ {
		h.Append(entry(fmt.Sprintf("obs-%d", i)))
	}

	got := h.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, "obs-3", got[0].Observation.RawText)
	assert.Equal(t, "obs-4", got[1].Observation.RawText)
	assert.Equal(t, "obs-5", got[2].Observation.RawText)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, "obs-5", latest.Observation.RawText)
}

func TestHistoryWindow_NeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 64} {
		t.Run(fmt.Sprintf("cap-%d", capacity), func(t *testing.T) {
			h := NewHistoryWindow(capacity)
			for i := 0; i < capacity*5+3; i++ {
				h.Append(entry(fmt.Sprintf("o%d", i)))
				require.LessOrEqual(t, h.Len(), capacity)
			}
			assert.Equal(t, capacity, h.Len())
		})
	}
}

func TestHistoryWindow_ByteEstimateTracksEviction(t *testing.T) {
	h := NewHistoryWindow(2)
	assert.Zero(t, h.Bytes())

	h.Append(entry("aaaa"))
	one := h.Bytes()
	assert.Positive(t, one)

	h.Append(entry("aaaa"))
	assert.Equal(t, 2*one, h.Bytes())

	// Same-sized entries: estimate stays flat once the window is full.
	for i := 0; i < 10; i++ {
		h.Append(entry("bbbb"))
	}
	assert.Equal(t, 2*one, h.Bytes())
}

func TestHistoryWindow_MinimumCapacity(t *testing.T) {
	h := NewHistoryWindow(0)
	assert.Equal(t, 1, h.Cap())
	h.Append(entry("x"))
	h.Append(entry("y"))
	assert.Equal(t, 1, h.Len())

	_, ok := NewHistoryWindow(4).Latest()
	assert.False(t, ok)
}

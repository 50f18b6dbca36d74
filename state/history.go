package state

import (
	"sync"
	"unsafe"

	"github.com/Perceptus-Labs/perceptus-guide/models"
)

// HistoryEntry pairs an observation with the match it produced.
type HistoryEntry struct {
	Observation models.ObservationRecord
	Match       models.MatchResult
}

// Fixed per-entry overhead used by the byte estimate.
var entryOverhead = int64(unsafe.Sizeof(HistoryEntry{}))

func (e HistoryEntry) sizeEstimate() int64 {
	n := entryOverhead + int64(len(e.Observation.ID)+len(e.Observation.RawText)+len(e.Match.TaskID)+len(e.Match.Tier))
	if e.Observation.SourceConfidence != nil {
		n += 8
	}
	return n
}

// HistoryWindow is a fixed-capacity ring of recent observations.
// Appending to a full window evicts the oldest entry.
type HistoryWindow struct {
	mu    sync.RWMutex
	buf   []HistoryEntry
	start int
	size  int
	bytes int64
}

// NewHistoryWindow creates a window holding at most capacity entries.
// Capacities below one are raised to one.
func NewHistoryWindow(capacity int) *HistoryWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryWindow{buf: make([]HistoryEntry, capacity)}
}

// Append adds an entry and reports whether an older entry was evicted.
func (h *HistoryWindow) Append(e HistoryEntry) (evicted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.buf)
	if h.size == capacity {
		old := h.buf[h.start]
		h.bytes -= old.sizeEstimate()
		h.buf[h.start] = e
		h.start = (h.start + 1) % capacity
		h.bytes += e.sizeEstimate()
		return true
	}

	h.buf[(h.start+h.size)%capacity] = e
	h.size++
	h.bytes += e.sizeEstimate()
	return false
}

// Len returns the number of entries held.
func (h *HistoryWindow) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the window capacity.
func (h *HistoryWindow) Cap() int {
	return len(h.buf)
}

// Bytes returns the running memory estimate of the held entries.
func (h *HistoryWindow) Bytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bytes
}

// Entries returns a copy of the window, oldest first.
func (h *HistoryWindow) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HistoryEntry, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Latest returns the newest entry, if any.
func (h *HistoryWindow) Latest() (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return HistoryEntry{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

package matcher

import (
	"context"
	"sort"
	"sync"
)

// Item is a vector stored in an index under a step id.
type Item struct {
	ID     string
	Vector []float32
}

// Hit is one nearest-neighbour result.
type Hit struct {
	ID    string
	Score float64
}

// Index is the ANN backend the matcher searches.
type Index interface {
	Upsert(ctx context.Context, items []Item) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
	Reset(ctx context.Context) error
}

// MemoryIndex is a brute-force cosine index held in memory.
type MemoryIndex struct {
	mu    sync.RWMutex
	items map[string][]float32
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string][]float32)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.ID] = it.Vector
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.items))
	for id, v := range m.items {
		hits = append(hits, Hit{ID: id, Score: float64(CosineSimilarity(vector, v))})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items, id)
	}
	return nil
}

func (m *MemoryIndex) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.items = make(map[string][]float32)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

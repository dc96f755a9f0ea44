package vectorindex

import (
	"context"
	"sync"
)

// MemoryClient keeps per-collection point ids in memory. Used by tests and by
// local development runs without a vector index.
type MemoryClient struct {
	mu          sync.RWMutex
	collections map[string]map[string][]float32
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{collections: map[string]map[string][]float32{}}
}

// Seed stores a vector under a collection, standing in for the upstream
// embedding pipeline.
func (m *MemoryClient) Seed(collection, id string, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[collection] == nil {
		m.collections[collection] = map[string][]float32{}
	}
	m.collections[collection][id] = append([]float32(nil), vector...)
}

func (m *MemoryClient) CopyPoints(ctx context.Context, ids []string, sourceCollection, targetCollection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source := m.collections[sourceCollection]
	if source == nil {
		return 0, nil
	}
	copied := 0
	for _, id := range ids {
		vector, ok := source[id]
		if !ok {
			continue
		}
		if m.collections[targetCollection] == nil {
			m.collections[targetCollection] = map[string][]float32{}
		}
		m.collections[targetCollection][id] = append([]float32(nil), vector...)
		copied++
	}
	return copied, nil
}

// Has reports whether a point exists in a collection.
func (m *MemoryClient) Has(collection, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collection][id]
	return ok
}

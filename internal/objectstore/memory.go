package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryClient keeps objects in process memory. Used by tests and by local
// development runs without S3 credentials.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: map[string][]byte{}}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (m *MemoryClient) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryClient) Put(ctx context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(bucket, key)] = append([]byte(nil), data...)
	return nil
}

// Len reports the number of stored objects.
func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/brandlens/crawler/internal/crawler"
)

// BlobStore holds uploaded objects in a map. Safe for concurrent use.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// NewBlobStore constructs an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// PutObject stores data under path and returns a mem:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[path] = buf
	return fmt.Sprintf("mem://%s", path), nil
}

// Object returns the stored bytes for path, for tests.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/storage"
)

// MemoryStorageService keeps encoded envelopes in a map. Content is lost
// when the process exits.
type MemoryStorageService struct {
	mu      sync.RWMutex
	content map[string][]byte
}

// NewMemoryStorageService creates an empty service.
func NewMemoryStorageService() *MemoryStorageService {
	return &MemoryStorageService{content: make(map[string][]byte)}
}

// IDToPath returns id with suffix appended.
func (s *MemoryStorageService) IDToPath(id, suffix string) string {
	return id + suffix
}

// ContentStream returns a reader over a snapshot of the content at path.
func (s *MemoryStorageService) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.content[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// StoreContent replaces the content at path.
func (s *MemoryStorageService) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	data := blob.EncodeToBytes(blobs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[path] = data
	return nil
}

// Paths returns the stored paths in sorted order.
func (s *MemoryStorageService) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.content))
	for path := range s.content {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/blob"
	"github.com/soulwing/s2ks/internal/cache"
	"github.com/soulwing/s2ks/internal/storage"
)

// CachedStorageService serves repeated reads of an envelope from a cache.
// The cached bytes are the encoded envelope exactly as stored, so keys
// remain wrapped while cached.
type CachedStorageService struct {
	next   storage.StorageService
	cache  cache.Cache
	ttl    time.Duration
	logger *logrus.Logger

	// generations counts invalidations per path. A read caches what it
	// read only if no store touched the path meanwhile.
	mu          sync.Mutex
	generations map[string]uint64
}

// NewCachedStorageService decorates next with c. A zero ttl uses the
// cache's default.
func NewCachedStorageService(next storage.StorageService, c cache.Cache, ttl time.Duration, logger *logrus.Logger) *CachedStorageService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedStorageService{
		next:        next,
		cache:       c,
		ttl:         ttl,
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// IDToPath delegates to the underlying service.
func (s *CachedStorageService) IDToPath(id, suffix string) string {
	return s.next.IDToPath(id, suffix)
}

// ContentStream returns cached content when present, otherwise reads the
// underlying service and caches the result.
func (s *CachedStorageService) ContentStream(ctx context.Context, path string) (io.ReadCloser, error) {
	if entry, ok := s.cache.Get(ctx, path); ok {
		s.logger.WithField("path", path).Debug("Envelope cache hit")
		return io.NopCloser(bytes.NewReader(entry.Data)), nil
	}

	s.mu.Lock()
	generation := s.generations[path]
	s.mu.Unlock()

	stream, err := s.next.ContentStream(ctx, path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[path] != generation {
		s.logger.WithField("path", path).Debug("Envelope replaced during read, not caching")
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if err := s.cache.Set(ctx, path, data, s.ttl); err != nil {
		s.logger.WithError(err).WithField("path", path).Warn("Failed to cache envelope")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// StoreContent writes through to the underlying service. The cached entry
// is dropped before and after the write; the next read repopulates it.
func (s *CachedStorageService) StoreContent(ctx context.Context, blobs []*blob.Blob, path string) error {
	if err := s.invalidate(ctx, path); err != nil {
		return err
	}
	storeErr := s.next.StoreContent(ctx, blobs, path)
	if err := s.invalidate(ctx, path); err != nil && storeErr == nil {
		return err
	}
	return storeErr
}

func (s *CachedStorageService) invalidate(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[path]++
	if err := s.cache.Delete(ctx, path); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", path, err)
	}
	return nil
}

// Close closes the underlying service when it holds resources.
func (s *CachedStorageService) Close() error {
	if c, ok := s.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

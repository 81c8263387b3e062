// Package cache holds encoded key envelopes in memory. Envelopes stay
// encrypted; only the ciphertext containers read from storage are cached.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// CacheEntry represents a cached envelope.
type CacheEntry struct {
	Path      string
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching envelopes by storage path.
type Cache interface {
	// Get retrieves a cached envelope.
	Get(ctx context.Context, path string) (*CacheEntry, bool)

	// Set stores an envelope in the cache.
	Set(ctx context.Context, path string, data []byte, ttl time.Duration) error

	// Delete removes an envelope from the cache.
	Delete(ctx context.Context, path string) error

	// Clear clears all cached envelopes.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory LRU implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	size     int64
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

// Get retrieves a cached envelope. The returned entry's data is a copy.
func (c *memoryCache) Get(ctx context.Context, path string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[path]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*CacheEntry)
	if entry.IsExpired() {
		c.removeLocked(elem)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.stats.Hits++
	return &CacheEntry{
		Path:      entry.Path,
		Data:      append([]byte(nil), entry.Data...),
		ExpiresAt: entry.ExpiresAt,
	}, true
}

// Set stores a copy of data in the cache.
func (c *memoryCache) Set(ctx context.Context, path string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	entry := &CacheEntry{
		Path:      path,
		Data:      append([]byte(nil), data...),
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[path]; ok {
		c.removeLocked(elem)
	}

	c.evictExpiredLocked()
	for c.order.Len() > 0 && (c.size+entrySize > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	c.entries[path] = c.order.PushFront(entry)
	c.size += entrySize
	return nil
}

// Delete removes an envelope from the cache.
func (c *memoryCache) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[path]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// Clear clears all cached envelopes.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
	c.stats = CacheStats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

// removeLocked unlinks elem (must be called with lock held).
func (c *memoryCache) removeLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*CacheEntry)
	delete(c.entries, entry.Path)
	c.size -= int64(len(entry.Data))
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*CacheEntry).IsExpired() {
			c.removeLocked(elem)
			c.stats.Evictions++
		}
		elem = prev
	}
}

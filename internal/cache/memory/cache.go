// Package memory contains an in-memory dedup cache for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Cache implements pipeline.Cache with a mutex-guarded map.
type Cache struct {
	mu      sync.Mutex
	entries map[string]pipeline.CacheEntry
}

// New returns an empty memory cache.
func New() *Cache {
	return &Cache{entries: make(map[string]pipeline.CacheEntry)}
}

// Lookup fetches the entry for the fingerprint, if present.
func (c *Cache) Lookup(_ context.Context, fingerprint string) (pipeline.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fingerprint]
	return entry, ok, nil
}

// InsertIfAbsent atomically claims the fingerprint.
func (c *Cache) InsertIfAbsent(_ context.Context, fingerprint, artifactRef string, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fingerprint]; ok {
		return false, nil
	}
	c.entries[fingerprint] = pipeline.CacheEntry{
		Fingerprint:  fingerprint,
		ArtifactRef:  artifactRef,
		FirstSeenAt:  now,
		LastServedAt: now,
	}
	return true, nil
}

// Touch refreshes last_served_at on a hit.
func (c *Cache) Touch(_ context.Context, fingerprint string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[fingerprint]; ok {
		entry.LastServedAt = now
		c.entries[fingerprint] = entry
	}
	return nil
}

// Remove deletes a single entry.
func (c *Cache) Remove(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
	return nil
}

// Entries returns every entry, oldest first.
func (c *Cache) Entries(_ context.Context) ([]pipeline.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pipeline.CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

// Flush clears all entries.
func (c *Cache) Flush(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int64(len(c.entries))
	c.entries = make(map[string]pipeline.CacheEntry)
	return n, nil
}

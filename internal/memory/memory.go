// Package memory is the in-process tier of the model cache. Entries are
// costed by their byte size so the tier stays within a byte budget.
package memory

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"goflare.io/armodel/models"
)

// Cache holds recently used entries in process memory. A zero-budget Cache
// is disabled and every lookup misses.
type Cache struct {
	cache    *ristretto.Cache[string, *models.ModelEntry]
	maxBytes int64
	logger   *zap.Logger

	// ristretto must not be written to while it closes
	mu     sync.RWMutex
	closed bool
}

// New creates a memory tier bounded to maxBytes.
func New(maxBytes int64, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		return &Cache{logger: logger}, nil
	}

	// ristretto recommends ten counters per expected item; assume ~64KB models.
	counters := maxBytes / (64 * 1024) * 10
	if counters < 1000 {
		counters = 1000
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, *models.ModelEntry]{
		NumCounters:        counters,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}

	return &Cache{cache: c, maxBytes: maxBytes, logger: logger}, nil
}

// Enabled reports whether the tier stores anything.
func (c *Cache) Enabled() bool {
	return c.cache != nil
}

// Get returns the cached entry. Callers must not mutate it.
func (c *Cache) Get(key string) (*models.ModelEntry, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

// Set stores a copy of e and waits until it is visible to Get. Admission is
// best-effort; a rejected entry is only logged.
func (c *Cache) Set(e *models.ModelEntry) bool {
	if c.cache == nil || e == nil || e.SizeBytes > c.maxBytes {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	entry := e.Clone()
	if !c.cache.Set(entry.Key, entry, entry.SizeBytes) {
		c.logger.Debug("memory tier rejected entry",
			zap.String("key", entry.Key),
			zap.Int64("size", entry.SizeBytes))
		return false
	}
	c.cache.Wait()
	return true
}

// Delete drops key from the tier.
func (c *Cache) Delete(key string) {
	if c.cache == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.cache.Del(key)
	}
}

// Clear empties the tier.
func (c *Cache) Clear() {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.cache.Clear()
	}
}

// Close releases the tier's goroutines. Later writes are ignored.
func (c *Cache) Close() {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.cache.Close()
	}
}

package fastpath

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultCacheCapacity is the default number of imported handles an LRU
// cache holds before it must grow or evict, per spec.md §4.9.
const DefaultCacheCapacity = 256

// EvictionPolicy selects what LRUCache does on a clean miss once full.
type EvictionPolicy int

const (
	// EvictionGrow lets the cache exceed capacity rather than evict —
	// the default, since a correctness-first receiver should not silently
	// drop a peer's still-live import.
	EvictionGrow EvictionPolicy = iota
	// EvictionOldest evicts the oldest entry and logs a warning, matching
	// spec.md's "historical variant".
	EvictionOldest
)

type cacheEntry struct {
	handle     MemHandle
	importedPtr uintptr
}

// LRUCache maps MemHandle byte identities to locally-imported pointers,
// with the same-origin-socket overlap scan spec.md §4.9 (and cliser.c,
// per SPEC_FULL.md §4) describes for pointer-reuse detection.
type LRUCache struct {
	mu       sync.Mutex
	backend  DeviceBackend
	log      *zap.SugaredLogger
	capacity int
	policy   EvictionPolicy

	order   []string // handle byte-keys, oldest first
	entries map[string]cacheEntry
}

// NewLRUCache creates a cache backed by backend for handle import/release.
func NewLRUCache(backend DeviceBackend, capacity int, policy EvictionPolicy, log *zap.SugaredLogger) *LRUCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LRUCache{
		backend:  backend,
		log:      log,
		capacity: capacity,
		policy:   policy,
		entries:  make(map[string]cacheEntry),
	}
}

func key(h MemHandle) string { return string(h.Bytes) }

func (c *LRUCache) touch(k string) {
	for i, existing := range c.order {
		if existing == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

// Resolve returns the locally-imported pointer for h, importing it (and
// running overlap-detection eviction) on a miss.
func (c *LRUCache) Resolve(h MemHandle) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(h)
	if entry, ok := c.entries[k]; ok {
		c.touch(k)
		return entry.importedPtr, nil
	}

	for existingKey, entry := range c.entries {
		if entry.handle.OriginSocket != h.OriginSocket {
			continue
		}
		if entry.handle.Overlaps(h) {
			_ = c.backend.ReleaseImport(entry.importedPtr)
			delete(c.entries, existingKey)
			c.removeFromOrder(existingKey)
		}
	}

	if len(c.entries) >= c.capacity {
		switch c.policy {
		case EvictionOldest:
			c.evictOldest()
		case EvictionGrow:
			// fall through: exceed capacity rather than drop a live import
		}
	}

	ptr, err := c.backend.Import(h)
	if err != nil {
		return 0, err
	}
	c.entries[k] = cacheEntry{handle: h, importedPtr: ptr}
	c.touch(k)
	return ptr, nil
}

func (c *LRUCache) removeFromOrder(k string) {
	for i, existing := range c.order {
		if existing == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *LRUCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	entry, ok := c.entries[oldest]
	if !ok {
		c.order = c.order[1:]
		return
	}
	c.log.Warnw("fastpath: evicting oldest cache entry at capacity", "capacity", c.capacity)
	_ = c.backend.ReleaseImport(entry.importedPtr)
	delete(c.entries, oldest)
	c.order = c.order[1:]
}

// Len reports how many handles are currently cached.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether h is already resolved, without importing it.
func (c *LRUCache) Contains(h MemHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key(h)]
	return ok
}

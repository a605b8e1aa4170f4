package net

import (
	"sync"
)

const (
	minCacheCount = 6000
	maxCacheCount = 150000
)

// Cache is a size-bounded store of evaluation results keyed by
// position hash. Eviction is oldest-insertion-first. Safe for
// concurrent lookups and inserts.
type Cache struct {
	mu sync.Mutex

	maxSize int
	entries map[uint64]Netresult
	order   []uint64

	hits    uint64
	lookups uint64
	inserts uint64
}

// NewCache returns a cache bounded to maxSize entries.
func NewCache(maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[uint64]Netresult),
	}
}

// SetSizeFromPlayouts picks a capacity proportional to the playout
// budget. Cache hits generally come from the last few moves, so a few
// moves' worth of playouts balances hit rate against memory.
func (c *Cache) SetSizeFromPlayouts(playouts int) {
	const numCacheMoves = 3
	size := numCacheMoves * playouts
	if size < minCacheCount {
		size = minCacheCount
	}
	if size > maxCacheCount {
		size = maxCacheCount
	}
	c.Resize(size)
}

// Lookup fetches the result stored under hash.
func (c *Cache) Lookup(hash uint64, out *Netresult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	r, ok := c.entries[hash]
	if !ok {
		return false
	}
	c.hits++
	*out = r.Clone()
	return true
}

// Insert stores the result under hash. An existing entry is kept: the
// first evaluation of a position wins.
func (c *Cache) Insert(hash uint64, result Netresult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[hash]; ok {
		return
	}
	c.entries[hash] = result.Clone()
	c.order = append(c.order, hash)
	c.inserts++
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Resize rebounds the cache, evicting the oldest entries if needed.
func (c *Cache) Resize(maxSize int) {
	if maxSize < 1 {
		maxSize = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	c.evictLocked()
}

// Clear drops every entry, keeping the bound.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]Netresult)
	c.order = c.order[:0]
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats is a snapshot of the hit counters.
type CacheStats struct {
	Hits    uint64
	Lookups uint64
	Inserts uint64
	Entries int
	MaxSize int
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits,
		Lookups: c.lookups,
		Inserts: c.inserts,
		Entries: len(c.entries),
		MaxSize: c.maxSize,
	}
}

// EstimatedSize returns the approximate memory footprint in bytes.
func (c *Cache) EstimatedSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return 0
	}
	var per int
	for _, r := range c.entries {
		per = len(r.Policy)*4 + 32 + 16
		break
	}
	return len(c.entries) * per
}

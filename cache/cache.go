// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cache provides a content-addressed artifact cache keyed by
// stable hashes, used to deduplicate equivalent GPU work: two batches
// that need the same derived artifact (a compiled blend shader for a
// pixel format, a baked state object) share one build.
//
// Eviction is capacity-bounded LRU ordered by the batch id that last
// used an entry, not by wall-clock time: GPU submissions are the unit of
// cost, and an artifact untouched for many batches is cold no matter how
// recently that was in seconds.
package cache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the default maximum number of cached artifacts.
const DefaultCapacity = 256

// Cache is a content-addressed artifact cache.
//
// At most one build per key is ever materialized: concurrent
// LookupOrBuild calls for the same key either all see the cached
// artifact or block behind the single in-flight build.
//
// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry[V]
	lru      *lruList[string]

	// group collapses concurrent builds for the same key.
	group singleflight.Group

	// Statistics (atomic for lock-free reads).
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// entry holds a cached artifact with its LRU node and the id of the
// batch that last used it.
type entry[V any] struct {
	value   V
	lastUse uint64
	node    *lruNode[string]
}

// New creates a cache holding at most capacity artifacts.
// If capacity <= 0, DefaultCapacity is used.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		capacity: capacity,
		entries:  make(map[string]*entry[V]),
		lru:      newLRUList[string](),
	}
}

// LookupOrBuild returns the artifact for key, building it with build on
// first use. batchID is the id of the batch consuming the artifact and
// drives eviction order.
//
// Build errors are returned to every caller waiting on the same flight
// and are not cached; a later lookup retries the build.
func (c *Cache[V]) LookupOrBuild(key string, batchID uint64, build func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e, batchID)
		v := e.value
		c.mu.Unlock()
		c.hits.Add(1)
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A flight that completed between the miss and Do has already
		// inserted the artifact.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.touchLocked(e, batchID)
			v := e.value
			c.mu.Unlock()
			c.hits.Add(1)
			return v, nil
		}
		c.mu.Unlock()

		c.misses.Add(1)
		val, err := build()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.insertLocked(key, val, batchID)
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Get returns the cached artifact for key without building, updating
// its last-use batch id on hit.
func (c *Cache[V]) Get(key string, batchID uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.touchLocked(e, batchID)
	return e.value, true
}

// Delete removes an entry. Returns true if the entry existed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.lru.Remove(e.node)
	delete(c.entries, key)
	return true
}

// Clear removes all entries. Called on device loss: cached artifacts
// encode assumptions about a context that no longer exists.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.lru.Clear()
}

// Len returns the number of cached artifacts.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the maximum number of cached artifacts.
func (c *Cache[V]) Capacity() int { return c.capacity }

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Len:       c.Len(),
		Capacity:  c.capacity,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// touchLocked advances an entry's last-use batch id and repositions it
// so the list stays ordered by descending id; the tail always holds the
// eviction victim. Touches can arrive out of batch-id order when queues
// interleave, so the position follows the id, not call recency.
// Caller must hold c.mu.
func (c *Cache[V]) touchLocked(e *entry[V], batchID uint64) {
	if batchID > e.lastUse {
		e.lastUse = batchID
	}
	c.lru.MoveByRank(e.node, c.rankLocked)
}

// rankLocked returns the last-use batch id for a cached key.
// Caller must hold c.mu.
func (c *Cache[V]) rankLocked(key string) uint64 {
	if e, ok := c.entries[key]; ok {
		return e.lastUse
	}
	return 0
}

// insertLocked adds a new entry, evicting from the tail while over
// capacity. Caller must hold c.mu.
func (c *Cache[V]) insertLocked(key string, v V, batchID uint64) {
	if e, ok := c.entries[key]; ok {
		e.value = v
		c.touchLocked(e, batchID)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		delete(c.entries, oldest)
		c.evictions.Add(1)
	}
	e := &entry[V]{value: v, lastUse: batchID}
	c.entries[key] = e
	e.node = c.lru.PushFront(key)
	c.lru.MoveByRank(e.node, c.rankLocked)
}

// Key computes a stable content key from raw byte fields using FNV-1a.
// Field boundaries are length-prefixed so ("ab","c") and ("a","bc")
// hash differently.
func Key(fields ...[]byte) string {
	h := fnv.New64a()
	var lenBuf [8]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(f)))
		_, _ = h.Write(lenBuf[:]) // fnv.Write never returns an error
		_, _ = h.Write(f)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// KeyUint64 computes a stable content key from uint64 fields.
func KeyUint64(fields ...uint64) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint64(buf[:], f)
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLookupOrBuildCaches(t *testing.T) {
	c := New[int](4)
	builds := 0
	build := func() (int, error) {
		builds++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.LookupOrBuild("k", uint64(i+1), build)
		if err != nil {
			t.Fatalf("LookupOrBuild() = %v", err)
		}
		if v != 42 {
			t.Fatalf("LookupOrBuild() = %d, want 42", v)
		}
	}
	if builds != 1 {
		t.Errorf("build ran %d times, want 1", builds)
	}

	s := c.Stats()
	if s.Misses != 1 || s.Hits != 2 {
		t.Errorf("stats = %d hits / %d misses, want 2/1", s.Hits, s.Misses)
	}
}

func TestBuildErrorNotCached(t *testing.T) {
	c := New[int](4)
	boom := errors.New("boom")
	calls := 0

	_, err := c.LookupOrBuild("k", 1, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("LookupOrBuild() = %v, want the build error", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed build left an entry in the cache")
	}

	// The next lookup retries.
	v, err := c.LookupOrBuild("k", 2, func() (int, error) {
		calls++
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("retry LookupOrBuild() = %d, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("build ran %d times, want 2", calls)
	}
}

func TestEvictionFollowsBatchOrder(t *testing.T) {
	c := New[string](2)
	put := func(key string, batchID uint64) {
		t.Helper()
		if _, err := c.LookupOrBuild(key, batchID, func() (string, error) { return key, nil }); err != nil {
			t.Fatalf("LookupOrBuild(%q) = %v", key, err)
		}
	}

	put("a", 1)
	put("b", 2)
	// Touching "a" from a newer batch makes "b" the coldest entry.
	if _, ok := c.Get("a", 3); !ok {
		t.Fatal("Get(a) missed")
	}
	put("c", 4)

	if _, ok := c.Get("b", 5); ok {
		t.Error("coldest entry survived eviction")
	}
	if _, ok := c.Get("a", 5); !ok {
		t.Error("recently used entry was evicted")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestEvictionVictimHasLowestBatchID(t *testing.T) {
	c := New[string](2)
	put := func(key string, batchID uint64) {
		t.Helper()
		if _, err := c.LookupOrBuild(key, batchID, func() (string, error) { return key, nil }); err != nil {
			t.Fatalf("LookupOrBuild(%q) = %v", key, err)
		}
	}

	// Interleaved queues touch the cache out of batch-id order: the
	// insertion sequence runs 6 then 5, but 5 is the colder entry.
	put("hot", 6)
	put("cold", 5)
	put("new", 7)

	if _, ok := c.Get("cold", 8); ok {
		t.Error("entry with the lowest last-use batch id survived eviction")
	}
	if _, ok := c.Get("hot", 8); !ok {
		t.Error("entry with a higher last-use batch id was evicted")
	}

	// Same rule on touches: an old-batch touch must not shield an entry
	// from eviction ahead of a newer-batch one.
	c.Clear()
	put("a", 10)
	put("b", 11)
	if _, ok := c.Get("b", 3); !ok { // stale touch, id stays 11
		t.Fatal("Get(b) missed")
	}
	put("c", 12)

	if _, ok := c.Get("a", 13); ok {
		t.Error("lowest-id entry survived eviction after a stale touch")
	}
	if _, ok := c.Get("b", 13); !ok {
		t.Error("higher-id entry was evicted after a stale touch")
	}
}

func TestConcurrentLookupSingleBuild(t *testing.T) {
	c := New[int](4)
	var builds atomic.Int32

	const goroutines = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(batchID uint64) {
			defer wg.Done()
			<-start
			v, err := c.LookupOrBuild("shader", batchID, func() (int, error) {
				builds.Add(1)
				time.Sleep(5 * time.Millisecond) // widen the race window
				return 13, nil
			})
			if err != nil || v != 13 {
				t.Errorf("LookupOrBuild() = %d, %v", v, err)
			}
		}(uint64(i + 1))
	}
	close(start)
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Errorf("build ran %d times under contention, want 1", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New[int](4)
	if _, err := c.LookupOrBuild("k", 1, func() (int, error) { return 1, nil }); err != nil {
		t.Fatalf("LookupOrBuild() = %v", err)
	}

	if !c.Delete("k") {
		t.Error("Delete() = false for an existing entry")
	}
	if c.Delete("k") {
		t.Error("Delete() = true for a missing entry")
	}

	for i, key := range []string{"a", "b", "c"} {
		if _, err := c.LookupOrBuild(key, uint64(i+1), func() (int, error) { return i, nil }); err != nil {
			t.Fatalf("LookupOrBuild() = %v", err)
		}
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
}

func TestDefaultCapacity(t *testing.T) {
	if got := New[int](0).Capacity(); got != DefaultCapacity {
		t.Errorf("Capacity() = %d, want DefaultCapacity", got)
	}
	if got := New[int](-5).Capacity(); got != DefaultCapacity {
		t.Errorf("Capacity() = %d, want DefaultCapacity", got)
	}
}

func TestKeyFieldBoundaries(t *testing.T) {
	// Length prefixes keep field splits distinct.
	if Key([]byte("ab"), []byte("c")) == Key([]byte("a"), []byte("bc")) {
		t.Error("Key() collides across field boundaries")
	}
	if Key([]byte("ab")) != Key([]byte("ab")) {
		t.Error("Key() not deterministic")
	}
}

func TestKeyUint64(t *testing.T) {
	if KeyUint64(1, 2) == KeyUint64(2, 1) {
		t.Error("KeyUint64() ignores field order")
	}
	if KeyUint64(1, 2) != KeyUint64(1, 2) {
		t.Error("KeyUint64() not deterministic")
	}
	if got := len(KeyUint64(7)); got != 16 {
		t.Errorf("key length = %d, want 16 hex digits", got)
	}
}

func TestStatsHitRate(t *testing.T) {
	c := New[int](4)
	build := func() (int, error) { return 1, nil }

	if _, err := c.LookupOrBuild("k", 1, build); err != nil {
		t.Fatalf("LookupOrBuild() = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.LookupOrBuild("k", uint64(i+2), build); err != nil {
			t.Fatalf("LookupOrBuild() = %v", err)
		}
	}

	s := c.Stats()
	if s.Len != 1 || s.Capacity != 4 {
		t.Errorf("stats len/cap = %d/%d, want 1/4", s.Len, s.Capacity)
	}
	if s.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", s.HitRate)
	}
}

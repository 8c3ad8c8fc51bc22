package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"feed-engine/internal/domain"
)

func seg(item domain.ItemID, fp string, index int) Key {
	return SegmentKey(item, fp, "main", index)
}

func manifest(item domain.ItemID, fp string, size int64) *domain.Manifest {
	return &domain.Manifest{Item: item, Fingerprint: fp, RawSize: size}
}

func TestCache_GetPut_round_trip(t *testing.T) {
	c := New(1024)
	key := seg("a", "fp1", 0)
	data := []byte("segment-0")

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Put(key, Value{Data: data}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := c.Get(key)
	if !ok || !bytes.Equal(got.Data, data) {
		t.Errorf("Get: ok=%v got %q", ok, got.Data)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Bytes != int64(len(data)) || st.Entries != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestCache_Put_idempotent_and_conflict(t *testing.T) {
	c := New(1024)
	key := seg("a", "fp1", 0)

	if err := c.PutSegment(key, []byte("x")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := c.PutSegment(key, []byte("x")); err != nil {
		t.Errorf("identical Put should be a no-op, got %v", err)
	}
	err := c.PutSegment(key, []byte("y"))
	if !errors.Is(err, ErrEntryConflict) {
		t.Errorf("expected ErrEntryConflict, got %v", err)
	}
	got, _ := c.Segment(key)
	if string(got) != "x" {
		t.Errorf("stored entry mutated: %q", got)
	}
	if c.Stats().Bytes != 1 {
		t.Errorf("size should count the entry once, got %d", c.Stats().Bytes)
	}
}

func TestCache_LRU_eviction(t *testing.T) {
	c := New(30)
	for i := 0; i < 3; i++ {
		if err := c.PutSegment(seg("a", "fp", i), make([]byte, 10)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	// Touch 0 so 1 becomes the least recently used.
	if _, ok := c.Get(seg("a", "fp", 0)); !ok {
		t.Fatal("expected hit")
	}
	if err := c.PutSegment(seg("a", "fp", 3), make([]byte, 10)); err != nil {
		t.Fatalf("Put 3: %v", err)
	}

	if c.Contains(seg("a", "fp", 1)) {
		t.Error("segment 1 should have been evicted")
	}
	for _, i := range []int{0, 2, 3} {
		if !c.Contains(seg("a", "fp", i)) {
			t.Errorf("segment %d should be resident", i)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestCache_pinned_entries_survive(t *testing.T) {
	c := New(20)
	c.Pin("active")
	_ = c.PutSegment(seg("active", "fp", 0), make([]byte, 10))
	_ = c.PutSegment(seg("other", "fp", 0), make([]byte, 10))

	if err := c.PutSegment(seg("other", "fp", 1), make([]byte, 10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !c.Contains(seg("active", "fp", 0)) {
		t.Error("pinned entry evicted")
	}
	if c.Contains(seg("other", "fp", 0)) {
		t.Error("unpinned entry should have been evicted")
	}

	t.Run("full_when_only_pinned_remain", func(t *testing.T) {
		c.Pin("other")
		err := c.PutSegment(seg("third", "fp", 0), make([]byte, 10))
		if !errors.Is(err, ErrCacheFull) {
			t.Errorf("expected ErrCacheFull, got %v", err)
		}
		if c.Stats().Bytes > 20 {
			t.Errorf("budget exceeded: %d", c.Stats().Bytes)
		}
	})

	t.Run("unpin_makes_evictable", func(t *testing.T) {
		c.Unpin("other")
		if err := c.PutSegment(seg("third", "fp", 0), make([]byte, 10)); err != nil {
			t.Errorf("Put after unpin: %v", err)
		}
		if !c.Contains(seg("active", "fp", 0)) {
			t.Error("pinned entry evicted")
		}
	})
}

func TestCache_value_larger_than_budget(t *testing.T) {
	c := New(8)
	err := c.PutSegment(seg("a", "fp", 0), make([]byte, 9))
	if !errors.Is(err, ErrCacheFull) {
		t.Errorf("expected ErrCacheFull, got %v", err)
	}
}

func TestCache_fingerprint_change_invalidates_lazily(t *testing.T) {
	c := New(1 << 20)
	if err := c.PutManifest(manifest("a", "old", 100)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	_ = c.PutSegment(seg("a", "old", 0), []byte("old-0"))
	_ = c.PutSegment(seg("b", "fp", 0), []byte("b-0"))

	if err := c.PutManifest(manifest("a", "new", 120)); err != nil {
		t.Fatalf("PutManifest new: %v", err)
	}

	// Still resident until touched.
	if got := c.Stats().Entries; got != 4 {
		t.Errorf("entries = %d, want 4 before access", got)
	}
	if _, ok := c.Get(seg("a", "old", 0)); ok {
		t.Error("stale segment served")
	}
	if _, ok := c.Get(ManifestKey("a", "old")); ok {
		t.Error("stale manifest served")
	}
	if got := c.Stats().Entries; got != 2 {
		t.Errorf("entries = %d, want 2 after access", got)
	}

	m, ok := c.Manifest("a")
	if !ok || m.Fingerprint != "new" {
		t.Errorf("Manifest: ok=%v fp=%v", ok, m)
	}
	if _, ok := c.Get(seg("b", "fp", 0)); !ok {
		t.Error("other item affected by invalidation")
	}

	t.Run("stale_segment_put_is_dropped", func(t *testing.T) {
		if err := c.PutSegment(seg("a", "old", 1), []byte("late")); err != nil {
			t.Errorf("late put: %v", err)
		}
		if c.Contains(seg("a", "old", 1)) {
			t.Error("segment of superseded manifest stored")
		}
	})
}

func TestCache_stale_pinned_entries_are_evictable(t *testing.T) {
	c := New(30)
	c.Pin("a")
	_ = c.PutManifest(manifest("a", "v1", 10))
	_ = c.PutSegment(seg("a", "v1", 0), make([]byte, 10))
	_ = c.PutManifest(manifest("a", "v2", 10))

	if err := c.PutSegment(seg("a", "v2", 0), make([]byte, 10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if c.Contains(ManifestKey("a", "v1")) {
		t.Error("stale manifest of pinned item should have been evicted first")
	}
	if !c.Contains(ManifestKey("a", "v2")) || !c.Contains(seg("a", "v2", 0)) {
		t.Error("current entries of pinned item evicted")
	}
}

func TestCache_budget_never_exceeded(t *testing.T) {
	const budget = 500
	c := New(budget)
	r := rand.New(rand.NewSource(7))
	items := []domain.ItemID{"a", "b", "c", "d"}

	for i := 0; i < 2000; i++ {
		item := items[r.Intn(len(items))]
		switch r.Intn(6) {
		case 0:
			c.Pin(item)
		case 1:
			c.Unpin(item)
		case 2:
			_ = c.PutManifest(manifest(item, fmt.Sprintf("fp%d", r.Intn(2)), int64(1+r.Intn(40))))
		case 3:
			c.EvictToFitBudget()
		default:
			_ = c.PutSegment(seg(item, fmt.Sprintf("fp%d", r.Intn(2)), r.Intn(20)), make([]byte, 1+r.Intn(120)))
		}
		if got := c.Stats().Bytes; got > budget {
			t.Fatalf("step %d: resident %d > budget %d", i, got, budget)
		}
	}
}

func TestCache_store_write_through_and_fallback(t *testing.T) {
	store := NewInMemoryStore()
	c := New(15, WithStore(store))

	_ = c.PutSegment(seg("a", "fp", 0), make([]byte, 10))
	_ = c.PutSegment(seg("a", "fp", 1), make([]byte, 10)) // evicts 0 from memory
	if store.Len() != 2 {
		t.Fatalf("store len = %d, want 2", store.Len())
	}
	if c.Contains(seg("a", "fp", 0)) {
		t.Fatal("segment 0 should be out of memory")
	}
	if _, ok := c.Segment(seg("a", "fp", 0)); !ok {
		t.Error("expected fallback hit from store")
	}

	t.Run("manifest_from_store", func(t *testing.T) {
		fresh := New(1024, WithStore(store))
		_ = store.Save(context.Background(), ManifestKey("z", "fpz"), Value{Manifest: manifest("z", "fpz", 5)})
		m, ok := fresh.Manifest("z")
		if !ok || m.Fingerprint != "fpz" {
			t.Errorf("Manifest from store: ok=%v m=%v", ok, m)
		}
		if !fresh.Contains(ManifestKey("z", "fpz")) {
			t.Error("manifest not promoted into memory")
		}
	})
}

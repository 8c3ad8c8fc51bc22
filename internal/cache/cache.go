// Package cache holds fetched manifests and media segments under a byte
// budget, with LRU eviction and per-item pinning.
package cache

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feed-engine/internal/domain"

	"github.com/dustin/go-humanize"
)

// storeTimeout bounds every disk-tier call.
const storeTimeout = 2 * time.Second

var (
	// ErrEntryConflict is returned when a put carries different content for a
	// key that is already stored. The stored entry is left untouched.
	ErrEntryConflict = errors.New("cache entry conflict")

	// ErrCacheFull is returned when a value cannot fit the budget even after
	// every evictable entry is gone.
	ErrCacheFull = errors.New("cache budget exhausted")
)

// Key identifies a cache entry. Manifests use Kind, Item and Fingerprint;
// segments additionally use Representation and Index.
type Key struct {
	Kind           domain.ResourceKind
	Item           domain.ItemID
	Fingerprint    string
	Representation string
	Index          int
}

// ManifestKey returns the key of item's manifest with the given fingerprint.
func ManifestKey(item domain.ItemID, fingerprint string) Key {
	return Key{Kind: domain.KindManifest, Item: item, Fingerprint: fingerprint}
}

// SegmentKey returns the key of one segment of a representation.
func SegmentKey(item domain.ItemID, fingerprint, rep string, index int) Key {
	return Key{Kind: domain.KindSegment, Item: item, Fingerprint: fingerprint, Representation: rep, Index: index}
}

func (k Key) String() string {
	if k.Kind == domain.KindManifest {
		return fmt.Sprintf("manifest/%s/%s", k.Item, k.Fingerprint)
	}
	return fmt.Sprintf("segment/%s/%s/%s/%d", k.Item, k.Fingerprint, k.Representation, k.Index)
}

// Value is an immutable cache payload: a manifest or segment bytes.
type Value struct {
	Manifest *domain.Manifest
	Data     []byte
}

// Size returns the bytes the value is charged against the budget.
func (v Value) Size() int64 {
	if v.Manifest != nil {
		if v.Manifest.RawSize > 0 {
			return v.Manifest.RawSize
		}
		return 1
	}
	return int64(len(v.Data))
}

func (v Value) identical(o Value) bool {
	if (v.Manifest == nil) != (o.Manifest == nil) {
		return false
	}
	if v.Manifest != nil {
		return v.Manifest.Fingerprint == o.Manifest.Fingerprint && v.Manifest.RawSize == o.Manifest.RawSize
	}
	return bytes.Equal(v.Data, o.Data)
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Bytes     int64
	Budget    int64
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key   Key
	value Value
	size  int64
}

// itemState tracks the current fingerprint and pin count of one item.
type itemState struct {
	fingerprint string
	pins        int
	entries     int
}

// Cache is the shared manifest and segment cache. Every public method is
// atomic with respect to the others.
type Cache struct {
	mu      sync.Mutex
	budget  int64
	size    int64
	lru     *list.List // front = most recently used
	entries map[Key]*list.Element
	items   map[domain.ItemID]*itemState

	hits, misses, evictions uint64

	store Store
	log   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore enables the write-through persistence tier.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New returns an empty cache holding at most budget bytes.
func New(budget int64, opts ...Option) *Cache {
	c := &Cache{
		budget:  budget,
		lru:     list.New(),
		entries: make(map[Key]*list.Element),
		items:   make(map[domain.ItemID]*itemState),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "cache")
	return c
}

// Get returns the value stored under key. Entries of an item whose
// fingerprint has since changed are dropped here and reported as a miss.
// A memory miss falls back to the store when one is configured.
func (c *Cache) Get(key Key) (Value, bool) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		if c.staleLocked(key) {
			c.removeLocked(el)
			c.misses++
			c.mu.Unlock()
			return Value{}, false
		}
		c.lru.MoveToFront(el)
		c.hits++
		v := el.Value.(*entry).value
		c.mu.Unlock()
		return v, true
	}
	stale := c.staleLocked(key)
	c.misses++
	c.mu.Unlock()

	if c.store == nil || stale {
		return Value{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	v, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.log.Warn("store load failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		return Value{}, false
	}
	if !ok {
		return Value{}, false
	}
	// Promote into memory; a full cache just serves the value without keeping it.
	_ = c.insert(key, v, false)
	return v, true
}

// Put stores value under key. Putting identical content again is a no-op;
// different content for an existing key returns ErrEntryConflict. Putting a
// manifest makes its fingerprint current for the item.
func (c *Cache) Put(key Key, value Value) error {
	if err := c.insert(key, value, true); err != nil {
		return err
	}
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.Save(ctx, key, value); err != nil {
			c.log.Warn("store save failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Cache) insert(key Key, value Value, advance bool) error {
	size := value.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok && !c.staleLocked(key) {
		if el.Value.(*entry).value.identical(value) {
			c.lru.MoveToFront(el)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrEntryConflict, key)
	} else if ok {
		c.removeLocked(el)
	}

	if key.Kind == domain.KindManifest && advance {
		st := c.itemLocked(key.Item)
		if st.fingerprint != "" && st.fingerprint != key.Fingerprint {
			c.log.Debug("manifest fingerprint changed",
				slog.String("item", string(key.Item)),
				slog.String("old", st.fingerprint),
				slog.String("new", key.Fingerprint))
			if c.store != nil {
				go c.dropStale(key.Item, key.Fingerprint)
			}
		}
		st.fingerprint = key.Fingerprint
	} else if c.staleLocked(key) {
		// Segment of a superseded manifest; nothing will ask for it again.
		return nil
	}

	if size > c.budget {
		return fmt.Errorf("%w: %s of %s", ErrCacheFull, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(c.budget)))
	}
	if c.size+size > c.budget && c.size-c.evictableLocked()+size > c.budget {
		return fmt.Errorf("%w: need %s, %s resident", ErrCacheFull, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(c.size)))
	}
	c.evictLocked(c.budget - size)

	el := c.lru.PushFront(&entry{key: key, value: value, size: size})
	c.entries[key] = el
	c.size += size
	c.itemLocked(key.Item).entries++
	return nil
}

func (c *Cache) dropStale(item domain.ItemID, fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.DeleteStale(ctx, item, fingerprint); err != nil {
		c.log.Warn("store cleanup failed", slog.String("item", string(item)), slog.String("error", err.Error()))
	}
}

// Manifest returns the current manifest of item.
func (c *Cache) Manifest(item domain.ItemID) (*domain.Manifest, bool) {
	c.mu.Lock()
	fp := ""
	if st, ok := c.items[item]; ok {
		fp = st.fingerprint
	}
	c.mu.Unlock()

	if fp != "" {
		v, ok := c.Get(ManifestKey(item, fp))
		return v.Manifest, ok && v.Manifest != nil
	}
	if c.store == nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	m, ok, err := c.store.LatestManifest(ctx, item)
	if err != nil || !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	if err := c.insert(ManifestKey(item, m.Fingerprint), Value{Manifest: m}, true); err != nil {
		c.log.Debug("manifest not promoted", slog.String("item", string(item)), slog.String("error", err.Error()))
	}
	return m, true
}

// PutManifest stores m under its item and fingerprint.
func (c *Cache) PutManifest(m *domain.Manifest) error {
	return c.Put(ManifestKey(m.Item, m.Fingerprint), Value{Manifest: m})
}

// Segment returns the bytes stored under key.
func (c *Cache) Segment(key Key) ([]byte, bool) {
	v, ok := c.Get(key)
	if !ok || v.Data == nil {
		return nil, false
	}
	return v.Data, true
}

// PutSegment stores segment bytes.
func (c *Cache) PutSegment(key Key, data []byte) error {
	return c.Put(key, Value{Data: data})
}

// Contains reports whether key is resident in memory, without touching
// recency or counters.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok && !c.staleLocked(key)
}

// Pin protects item's entries from eviction until the matching Unpin.
func (c *Cache) Pin(item domain.ItemID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemLocked(item).pins++
}

// Unpin releases one Pin of item.
func (c *Cache) Unpin(item domain.ItemID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.items[item]
	if !ok || st.pins == 0 {
		return
	}
	st.pins--
	c.forgetLocked(item)
}

// Pinned reports whether item is pinned.
func (c *Cache) Pinned(item domain.ItemID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.items[item]
	return ok && st.pins > 0
}

// EvictToFitBudget evicts least recently used unpinned entries until the
// resident size is within budget and returns how many were removed.
func (c *Cache) EvictToFitBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(c.budget)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Bytes:     c.size,
		Budget:    c.budget,
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// evictLocked removes entries from the LRU tail until size <= target.
// Stale entries go regardless of pins. Caller must hold c.mu.
func (c *Cache) evictLocked(target int64) int {
	n := 0
	for el := c.lru.Back(); el != nil && c.size > target; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if c.staleLocked(e.key) || !c.pinnedLocked(e.key.Item) {
			c.removeLocked(el)
			c.evictions++
			n++
		}
		el = prev
	}
	return n
}

// evictableLocked returns the bytes evictLocked could free. Caller must hold c.mu.
func (c *Cache) evictableLocked() int64 {
	var n int64
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if c.staleLocked(e.key) || !c.pinnedLocked(e.key.Item) {
			n += e.size
		}
	}
	return n
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.lru.Remove(el).(*entry)
	delete(c.entries, e.key)
	c.size -= e.size
	if st, ok := c.items[e.key.Item]; ok {
		st.entries--
		c.forgetLocked(e.key.Item)
	}
}

func (c *Cache) staleLocked(k Key) bool {
	st, ok := c.items[k.Item]
	return ok && st.fingerprint != "" && st.fingerprint != k.Fingerprint
}

func (c *Cache) pinnedLocked(item domain.ItemID) bool {
	st, ok := c.items[item]
	return ok && st.pins > 0
}

func (c *Cache) itemLocked(item domain.ItemID) *itemState {
	st, ok := c.items[item]
	if !ok {
		st = &itemState{}
		c.items[item] = st
	}
	return st
}

// forgetLocked drops bookkeeping for an item with nothing left to track.
func (c *Cache) forgetLocked(item domain.ItemID) {
	if st, ok := c.items[item]; ok && st.pins == 0 && st.entries == 0 {
		delete(c.items, item)
	}
}

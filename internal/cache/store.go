package cache

import (
	"context"
	"sync"

	"feed-engine/internal/domain"
)

// Store is the persistence tier behind the in-memory cache. It uses the same
// key scheme. Implementations must be safe for concurrent use; the Cache
// calls them without holding its own lock.
type Store interface {
	// Load returns the stored value for key.
	Load(ctx context.Context, key Key) (Value, bool, error)

	// Save stores value under key. Saving an existing key is a no-op.
	Save(ctx context.Context, key Key, value Value) error

	// LatestManifest returns the most recently saved manifest for item.
	LatestManifest(ctx context.Context, item domain.ItemID) (*domain.Manifest, bool, error)

	// DeleteStale removes entries of item whose fingerprint differs from fingerprint.
	DeleteStale(ctx context.Context, item domain.ItemID, fingerprint string) error
}

// InMemoryStore is a map-backed Store, mostly useful in tests.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Value
	order   []Key
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[Key]Value)}
}

// Load implements Store.Load.
func (s *InMemoryStore) Load(_ context.Context, key Key) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(_ context.Context, key Key, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return nil
	}
	s.entries[key] = value
	s.order = append(s.order, key)
	return nil
}

// LatestManifest implements Store.LatestManifest.
func (s *InMemoryStore) LatestManifest(_ context.Context, item domain.ItemID) (*domain.Manifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		k := s.order[i]
		if k.Kind == domain.KindManifest && k.Item == item {
			if v, ok := s.entries[k]; ok {
				return v.Manifest, true, nil
			}
		}
	}
	return nil, false, nil
}

// DeleteStale implements Store.DeleteStale.
func (s *InMemoryStore) DeleteStale(_ context.Context, item domain.ItemID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, k := range s.order {
		if k.Item == item && k.Fingerprint != fingerprint {
			delete(s.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
	return nil
}

// Len returns the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

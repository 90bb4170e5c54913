package session

import (
	"sync"
	"time"
)

// Store is an in-memory session table. All methods are safe for concurrent
// use; a Get immediately following a Put for the same key observes it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	nowFunc func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// NewStore creates an empty session store.
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Put records a session entry for the given key, stamping the creation time.
// Re-putting an existing key overwrites it.
func (s *Store) Put(key string, profile Profile) Entry {
	entry := Entry{
		Key:       key,
		Profile:   profile,
		CreatedAt: s.nowFunc(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry
	return entry
}

// Get retrieves the entry for key, or ErrNotFound.
func (s *Store) Get(key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Delete removes the entry for key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
}

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// PurgeExpired removes every entry created before the cutoff and returns how
// many were removed. The base design never expires sessions; this exists for
// deployments that opt into a TTL.
func (s *Store) PurgeExpired(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, entry := range s.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged
}

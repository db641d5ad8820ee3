// Package cache holds client-side cached ledger state and the
// reconciliation discipline used to change it around a write.
//
// The Store is the only shared mutable resource of the pipeline. While a
// Reconciler manages a key, only the reconciliation may write it; an
// outside Set returns ErrKeyManaged.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrKeyNotManaged is returned when an optimistic mutator writes a key
	// outside the mutation's cache keys.
	ErrKeyNotManaged = errors.New("cache: key not managed by this mutation")

	// ErrKeyManaged is returned when an outside writer touches a key an
	// in-flight reconciliation manages.
	ErrKeyManaged = errors.New("cache: key is managed by an in-flight write")

	// ErrSnapshotConsumed is returned when a snapshot is restored or
	// discarded twice.
	ErrSnapshotConsumed = errors.New("cache: snapshot already consumed")
)

// Entry is a cached value. Present distinguishes "cached as nil" from
// "not cached". Stale is set when an invalidated key could not be
// refetched.
type Entry struct {
	Value   any
	Present bool
	Stale   bool
}

// Refetcher loads the source-of-truth value for key.
type Refetcher func(ctx context.Context, key string) (any, error)

// Store is an in-memory keyed cache. Safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	entries    map[string]Entry
	managed    map[string]int
	refetchers map[string]Refetcher
	logger     *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:    make(map[string]Entry),
		managed:    make(map[string]int),
		refetchers: make(map[string]Refetcher),
		logger:     slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry at key. A missing key returns the zero Entry.
func (s *Store) Get(key string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

// Set stores v at key.
func (s *Store) Set(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managed[key] > 0 {
		return fmt.Errorf("%w: %s", ErrKeyManaged, key)
	}
	s.entries[key] = Entry{Value: v, Present: true}
	return nil
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managed[key] > 0 {
		return fmt.Errorf("%w: %s", ErrKeyManaged, key)
	}
	delete(s.entries, key)
	return nil
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterRefetcher installs f for every key starting with prefix. The
// longest matching prefix wins.
func (s *Store) RegisterRefetcher(prefix string, f Refetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refetchers[prefix] = f
}

func (s *Store) refetcherFor(key string) Refetcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	var found Refetcher
	for prefix, f := range s.refetchers {
		if strings.HasPrefix(key, prefix) && len(prefix) > best {
			best, found = len(prefix), f
		}
	}
	return found
}

// Invalidate refreshes each key from its refetcher. Keys without a
// refetcher, or whose refetch fails, stay cached but are marked stale.
// Refetch failures are logged, not returned: the data is merely old.
func (s *Store) Invalidate(ctx context.Context, keys []string) {
	for _, key := range keys {
		f := s.refetcherFor(key)
		if f == nil {
			s.markStale(key)
			continue
		}
		v, err := f(ctx, key)
		if err != nil {
			s.logger.WarnContext(ctx, "refetch failed, marking stale", "key", key, "error", err)
			s.markStale(key)
			continue
		}
		s.mu.Lock()
		s.entries[key] = Entry{Value: v, Present: true}
		s.mu.Unlock()
	}
}

func (s *Store) markStale(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.Stale = true
	s.entries[key] = e
}

// Snapshot captures the exact entries at keys, absence included. Values
// are deep-copied, so in-place edits after the snapshot do not reach it.
func (s *Store) Snapshot(keys []string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Snapshot{store: s, entries: make(map[string]Entry, len(keys))}
	for _, k := range keys {
		snap.keys = append(snap.keys, k)
		e := s.entries[k]
		e.Value = cloneValue(e.Value)
		snap.entries[k] = e
	}
	return snap
}

// Snapshot is a single-use record of entries taken before a mutation.
type Snapshot struct {
	store    *Store
	keys     []string
	entries  map[string]Entry
	consumed bool
}

// Keys returns the snapshotted keys in capture order.
func (snap *Snapshot) Keys() []string {
	return append([]string(nil), snap.keys...)
}

// Restore writes every snapshotted entry back. An entry that was absent
// is deleted again.
func (snap *Snapshot) Restore() error {
	s := snap.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.consumed {
		return ErrSnapshotConsumed
	}
	snap.consumed = true
	for k, e := range snap.entries {
		if !e.Present && !e.Stale {
			delete(s.entries, k)
			continue
		}
		s.entries[k] = e
	}
	return nil
}

// Discard drops the snapshot without touching the store.
func (snap *Snapshot) Discard() error {
	s := snap.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.consumed {
		return ErrSnapshotConsumed
	}
	snap.consumed = true
	return nil
}

func (s *Store) manage(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.managed[k]++
	}
}

func (s *Store) release(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if s.managed[k]--; s.managed[k] <= 0 {
			delete(s.managed, k)
		}
	}
}

// Managed reports whether an in-flight reconciliation manages key.
func (s *Store) Managed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managed[key] > 0
}

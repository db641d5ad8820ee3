package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// EventKind names a step of a reconciliation.
type EventKind string

const (
	EventSnapshot   EventKind = "snapshot"
	EventOptimistic EventKind = "optimistic"
	EventCommit     EventKind = "commit"
	EventRollback   EventKind = "rollback"
	EventInvalidate EventKind = "invalidate"
)

// Event is reported to an Observer at each step.
type Event struct {
	Kind EventKind
	Keys []string
	Err  error
}

// Observer receives reconciliation events in order.
type Observer interface {
	OnCacheEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnCacheEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Tx is the write view handed to an optimistic mutator. It only reaches
// the mutation's cache keys.
type Tx struct {
	store   *Store
	allowed []string
}

func (tx *Tx) check(key string) error {
	if !slices.Contains(tx.allowed, key) {
		return fmt.Errorf("%w: %s", ErrKeyNotManaged, key)
	}
	return nil
}

// Get reads key.
func (tx *Tx) Get(key string) (any, bool) {
	e := tx.store.Get(key)
	return e.Value, e.Present
}

// Set writes key.
func (tx *Tx) Set(key string, v any) error {
	if err := tx.check(key); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.entries[key] = Entry{Value: v, Present: true}
	return nil
}

// Delete removes key.
func (tx *Tx) Delete(key string) error {
	if err := tx.check(key); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	delete(tx.store.entries, key)
	return nil
}

// Update replaces key with fn(old, present).
func (tx *Tx) Update(key string, fn func(old any, present bool) any) error {
	if err := tx.check(key); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	old := tx.store.entries[key]
	tx.store.entries[key] = Entry{Value: fn(old.Value, old.Present), Present: true}
	return nil
}

// Mutation describes the cache side of one write.
type Mutation struct {
	// CacheKeys are snapshotted and may be written by Optimistic.
	CacheKeys []string
	// Optimistic applies the speculative result. Optional.
	Optimistic func(tx *Tx) error
	// InvalidationKeys are refreshed once after a successful write.
	InvalidationKeys []string
}

// Reconciler runs writes under the snapshot, mutate, commit or rollback
// discipline.
type Reconciler struct {
	store    *Store
	observer Observer
	logger   *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithObserver reports every step to o.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler returns a Reconciler over store.
func NewReconciler(store *Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, logger: slog.Default().With("component", "reconciler")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Reconciler) Store() *Store { return r.store }

func (r *Reconciler) emit(ctx context.Context, kind EventKind, keys []string, err error) {
	if r.observer != nil {
		r.observer.OnCacheEvent(ctx, Event{Kind: kind, Keys: append([]string(nil), keys...), Err: err})
	}
}

// Mutate snapshots m.CacheKeys, applies m.Optimistic, then runs runWrite.
// On success the snapshot is discarded and m.InvalidationKeys are
// invalidated exactly once. On failure every cache key is restored to its
// snapshot and runWrite's error is returned unchanged.
//
// Overlapping mutations are not coalesced. Each restores its own
// snapshot, so the value left visible is from whichever settles last.
func (r *Reconciler) Mutate(ctx context.Context, m Mutation, runWrite func(ctx context.Context) error) error {
	snap := r.store.Snapshot(m.CacheKeys)
	r.store.manage(m.CacheKeys)
	defer r.store.release(m.CacheKeys)
	r.emit(ctx, EventSnapshot, m.CacheKeys, nil)

	if m.Optimistic != nil {
		tx := &Tx{store: r.store, allowed: m.CacheKeys}
		if err := m.Optimistic(tx); err != nil {
			r.rollback(ctx, snap, err)
			return err
		}
		r.emit(ctx, EventOptimistic, m.CacheKeys, nil)
	}

	if err := runWrite(ctx); err != nil {
		r.rollback(ctx, snap, err)
		return err
	}

	if err := snap.Discard(); err != nil {
		r.logger.ErrorContext(ctx, "discard snapshot", "error", err)
	}
	r.emit(ctx, EventCommit, m.CacheKeys, nil)

	// Invalidation uses a context that outlives the caller's: the write
	// already happened and the cache must not stay optimistic.
	r.store.Invalidate(context.WithoutCancel(ctx), m.InvalidationKeys)
	r.emit(ctx, EventInvalidate, m.InvalidationKeys, nil)
	return nil
}

func (r *Reconciler) rollback(ctx context.Context, snap *Snapshot, cause error) {
	if err := snap.Restore(); err != nil {
		r.logger.ErrorContext(ctx, "restore snapshot", "error", err)
	}
	r.logger.DebugContext(ctx, "rolled back optimistic mutation", "keys", snap.Keys(), "error", cause)
	r.emit(ctx, EventRollback, snap.Keys(), cause)
}

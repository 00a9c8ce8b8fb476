package snapshot

import (
	"context"
	"errors"
	"time"
)

// Store is the Snapshot store contract the coordinator, sitemap aggregator
// and janitor depend on. Get reads through the local cache to Postgres;
// Put and ExpireBefore always go to Postgres first, then Put refreshes
// and ExpireBefore invalidates the local cache.
type Store struct {
	postgres *PostgresStore
	local    *LocalCache
}

// NewStore wires a Postgres-backed store with a local front-cache.
func NewStore(postgres *PostgresStore, local *LocalCache) *Store {
	return &Store{postgres: postgres, local: local}
}

// Get returns the snapshot for key, preferring the local cache and falling
// through to Postgres on a miss. A Postgres hit repopulates the local
// cache. Returns ErrNotFound if no snapshot exists anywhere.
func (s *Store) Get(ctx context.Context, key Key) (*Snapshot, error) {
	if s.local != nil {
		if snap, ok := s.local.Get(key); ok {
			return snap, nil
		}
	}
	snap, err := s.postgres.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.local != nil {
		s.local.Put(key, snap)
	}
	return snap, nil
}

// Put persists snap to Postgres and refreshes the local cache.
func (s *Store) Put(ctx context.Context, snap *Snapshot) error {
	if err := s.postgres.Put(ctx, snap); err != nil {
		return err
	}
	if s.local != nil {
		s.local.Put(snap.Key, snap)
	}
	return nil
}

// ScanBySite lists a page of snapshots for site. Reads straight from
// Postgres; bulk listing isn't worth caching locally.
func (s *Store) ScanBySite(ctx context.Context, site string, cursor string) (Page, error) {
	return s.postgres.ScanBySite(ctx, site, cursor)
}

// ExpireBefore deletes every snapshot last updated before t from Postgres
// and drops each one from the local cache, returning the number removed.
func (s *Store) ExpireBefore(ctx context.Context, t time.Time) (int64, error) {
	keys, err := s.postgres.ExpireBefore(ctx, t)
	if err != nil {
		return 0, err
	}
	if s.local != nil {
		for _, key := range keys {
			s.local.Delete(key)
		}
	}
	return int64(len(keys)), nil
}

// Delete removes key from Postgres and drops it from the local cache,
// used by the admin cache-invalidate endpoint (spec.md §3: a snapshot is
// removed "by explicit invalidation").
func (s *Store) Delete(ctx context.Context, key Key) error {
	if err := s.postgres.Delete(ctx, key); err != nil {
		return err
	}
	if s.local != nil {
		s.local.Delete(key)
	}
	return nil
}

// Close releases the Postgres pool and local cache handle.
func (s *Store) Close() error {
	if s.postgres != nil {
		s.postgres.Close()
	}
	if s.local != nil {
		return s.local.Close()
	}
	return nil
}

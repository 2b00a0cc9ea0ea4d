// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package gate implements the ingestion gate: atomic deduplication and
// fixed-window rate limiting against a shared keyed store. Both checks are
// single round-trip atomic operations so concurrent submissions of the same
// event ID cannot both pass.
package gate

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("keyed store is closed")

// KeyedStore is the shared coordination primitive. Implementations must make
// both operations atomic; there is no check-then-act window.
type KeyedStore interface {
	// SetNX stores key if absent (or expired) with the given TTL.
	// Returns true when the key was set (first seen), false when it
	// already existed.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IncrWindow atomically increments a counter under key and returns
	// the new value. The first increment sets the key's expiry to ttl;
	// later increments leave the expiry untouched.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key regardless of TTL. Deleting a missing key is
	// not an error. Used to roll back claims when the work they guard
	// fails to commit.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-process KeyedStore for tests and single-node
// development. Entries are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool
	now     func() time.Time
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory keyed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetNX stores key if absent or expired.
func (s *MemoryStore) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memoryEntry{count: 1, expiresAt: now.Add(ttl)}
	return true, nil
}

// IncrWindow increments the counter under key; the first increment sets the
// expiry.
func (s *MemoryStore) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = memoryEntry{count: 0, expiresAt: now.Add(ttl)}
	}
	e.count++
	s.entries[key] = e
	return e.count, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.entries, key)
	return nil
}

// Close marks the store closed and drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

// BadgerStore is a BadgerDB-backed KeyedStore shared by all ingestion
// instances on a node. Badger's transactions give the required atomicity;
// TTLs are enforced natively by entry expiry.
type BadgerStore struct {
	db     *badger.DB
	closed bool
	mu     sync.RWMutex
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// maxConflictRetries bounds optimistic-transaction retries under contention.
const maxConflictRetries = 16

// SetNX stores key if absent with the given TTL.
func (s *BadgerStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	set := false
	for retry := 0; retry < maxConflictRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			if err == nil {
				set = false
				return nil // exists and not expired
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			set = true
			entry := badger.NewEntry([]byte(key), []byte{1}).WithTTL(ttl)
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return set, err
	}
	return false, badger.ErrConflict
}

// IncrWindow increments the counter under key, preserving the expiry set by
// the first increment of the window.
func (s *BadgerStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	for retry := 0; retry < maxConflictRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			var expiresAt uint64
			count = 0

			item, err := txn.Get([]byte(key))
			switch {
			case err == nil:
				expiresAt = item.ExpiresAt()
				if err := item.Value(func(val []byte) error {
					if len(val) == 8 {
						count = int64(binary.BigEndian.Uint64(val))
					}
					return nil
				}); err != nil {
					return err
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// first increment of the window
			default:
				return err
			}

			count++
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(count))
			entry := badger.NewEntry([]byte(key), buf)
			if expiresAt > 0 {
				remaining := time.Until(time.Unix(int64(expiresAt), 0))
				if remaining <= 0 {
					remaining = time.Second
				}
				entry = entry.WithTTL(remaining)
			} else {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return count, err
	}
	return 0, badger.ErrConflict
}

// Delete removes key.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	for retry := 0; retry < maxConflictRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return badger.ErrConflict
}

// Close closes the underlying Badger database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

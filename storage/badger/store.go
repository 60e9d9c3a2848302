// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"sync"
	"time"

	"github.com/absmach/ks/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var _ storage.HistoryStore = (*Store)(nil)

const historyPrefix = "hist/"

// Store is the BadgerDB-backed history store. Entries expire through Badger TTLs.
type Store struct {
	db *badger.DB

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period, default 5m
}

// New creates a new BadgerDB-backed history store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	// History is advisory: losing the tail on crash only re-admits duplicates.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:         db,
		gcInterval: interval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Record implements storage.HistoryStore.
func (s *Store) Record(pubID uuid.UUID, seq uint32, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = storage.DefaultHistoryTTL
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, storage.ErrClosed
	}

	hk := storage.NewHistoryKey(pubID, seq)
	key := append([]byte(historyPrefix), hk[:]...)

	fresh := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		fresh = true
		return txn.SetEntry(badger.NewEntry(key, []byte{1}).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction recorded the same key first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fresh, nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"time"

	"github.com/absmach/ks/storage"
	"github.com/google/uuid"
)

var _ storage.HistoryStore = (*Store)(nil)

const defaultPruneInterval = time.Minute

// Store is the in-memory history store.
type Store struct {
	mu      sync.Mutex
	entries map[storage.HistoryKey]time.Time
	closed  bool
	now     func() time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// New creates an in-memory history store that drops expired entries every
// pruneInterval. Zero selects one minute.
func New(pruneInterval time.Duration) *Store {
	if pruneInterval <= 0 {
		pruneInterval = defaultPruneInterval
	}
	s := &Store{
		entries: make(map[storage.HistoryKey]time.Time),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.runPrune(pruneInterval)
	return s
}

// Record implements storage.HistoryStore.
func (s *Store) Record(pubID uuid.UUID, seq uint32, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = storage.DefaultHistoryTTL
	}
	key := storage.NewHistoryKey(pubID, seq)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}
	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of entries not yet pruned.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Prune removes expired entries and returns how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Close stops the prune loop. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.entries = nil
	s.mu.Unlock()

	close(s.stopCh)
	<-s.done
	return nil
}

func (s *Store) runPrune(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Prune()
		case <-s.stopCh:
			return
		}
	}
}

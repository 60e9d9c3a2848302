// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence interfaces used by the broker.
package storage

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrClosed = errors.New("store is closed")
)

// DefaultHistoryTTL is used when a publication carries no TTL.
const DefaultHistoryTTL = 5 * time.Minute

// HistoryStore remembers which publication sequence numbers a broker has
// already routed so that re-sent or looped publications are delivered once.
type HistoryStore interface {
	// Record marks (pubID, seq) as seen for ttl. It returns true when the pair
	// had not been seen before or its previous record expired.
	Record(pubID uuid.UUID, seq uint32, ttl time.Duration) (fresh bool, err error)

	// Close releases the store's resources.
	Close() error
}

// HistoryKey is the 20-byte key identifying one publication sequence number.
type HistoryKey [20]byte

// NewHistoryKey builds the key for (pubID, seq).
func NewHistoryKey(pubID uuid.UUID, seq uint32) HistoryKey {
	var k HistoryKey
	copy(k[:16], pubID[:])
	binary.BigEndian.PutUint32(k[16:], seq)
	return k
}

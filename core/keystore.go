// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMissingKey  = errors.New("key not found in key store")
	ErrInvalidKey  = errors.New("key must be 32 bytes")
	ErrSealedShort = errors.New("sealed payload too short")
)

// DefaultKeyID identifies the preshared key shared by the key store examples.
var DefaultKeyID = uuid.MustParse("ed5414a8-5c4d-4d15-b69f-0e998ab171f2")

// Preshared key for testing only.
var defaultKey = []byte{
	0x77, 0x58, 0x22, 0xfc, 0x3d, 0xef, 0x48, 0x88, 0x91, 0x25, 0x78, 0xd0, 0xe2, 0x74, 0x5c, 0x10,
	0x4a, 0x0b, 0x9e, 0x61, 0xc3, 0x27, 0xd5, 0x18, 0x6f, 0xa2, 0x3c, 0x90, 0x5e, 0x81, 0xb7, 0x04,
}

// KeyStore holds symmetric keys by ID. It is safe for concurrent use.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[uuid.UUID][]byte
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[uuid.UUID][]byte)}
}

// DefaultKeyStore returns a key store holding only the preshared example key.
func DefaultKeyStore() *KeyStore {
	ks := NewKeyStore()
	_ = ks.Add(DefaultKeyID, defaultKey)
	return ks
}

// Add stores a key under the given ID.
func (ks *KeyStore) Add(id uuid.UUID, key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return ErrInvalidKey
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[id] = append([]byte(nil), key...)
	return nil
}

// Key returns the key for id.
func (ks *KeyStore) Key(id uuid.UUID) ([]byte, error) {
	if ks == nil {
		return nil, ErrMissingKey
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	k, ok := ks.keys[id]
	if !ok {
		return nil, ErrMissingKey
	}
	return k, nil
}

// Seal encrypts the publication payload in place with the key identified by keyID.
// The publication ID and sequence number are bound as additional data, so Seal
// must be called after Next.
func (ks *KeyStore) Seal(p *Publication, keyID uuid.UUID) error {
	key, err := ks.Key(keyID)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(p.Payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	p.Payload = aead.Seal(nonce, nonce, p.Payload, additionalData(p))
	p.KeyID = keyID
	return nil
}

// Open decrypts a sealed payload and returns the plaintext. The publication is not modified.
func (ks *KeyStore) Open(p *Publication) ([]byte, error) {
	if !p.Sealed() {
		return p.Payload, nil
	}
	key, err := ks.Key(p.KeyID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(p.Payload) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedShort
	}
	nonce, ciphertext := p.Payload[:aead.NonceSize()], p.Payload[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, additionalData(p))
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return plain, nil
}

func additionalData(p *Publication) []byte {
	ad := make([]byte, 0, len(p.ID)+4)
	ad = append(ad, p.ID[:]...)
	return binary.BigEndian.AppendUint32(ad, p.SeqNum)
}

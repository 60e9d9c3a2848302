// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
)

// pendingOp is a subscription waiting for the broker's answer.
type pendingOp struct {
	done chan struct{}
	err  error
}

// pendingStore tracks subscriptions by ID until their suback or error arrives.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
}

func newPendingStore() *pendingStore {
	return &pendingStore{pending: make(map[string]*pendingOp)}
}

// add registers a pending operation for id.
func (ps *pendingStore) add(id string) (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.pending[id]; exists {
		return nil, ErrDuplicateSub
	}
	op := &pendingOp{done: make(chan struct{})}
	ps.pending[id] = op
	return op, nil
}

// complete finishes the operation for id. Returns false when none is pending.
func (ps *pendingStore) complete(id string, err error) bool {
	ps.mu.Lock()
	op, exists := ps.pending[id]
	if exists {
		delete(ps.pending, id)
	}
	ps.mu.Unlock()

	if !exists {
		return false
	}
	op.err = err
	close(op.done)
	return true
}

func (ps *pendingStore) remove(id string) {
	ps.mu.Lock()
	delete(ps.pending, id)
	ps.mu.Unlock()
}

// clear fails every pending operation.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the operation completes or ctx is done.
func (op *pendingOp) wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingStoreAdd(t *testing.T) {
	ps := newPendingStore()

	if _, err := ps.add("s1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if ps.count() != 1 {
		t.Errorf("count should be 1, got %d", ps.count())
	}
	if _, err := ps.add("s1"); !errors.Is(err, ErrDuplicateSub) {
		t.Errorf("second add should fail with ErrDuplicateSub, got %v", err)
	}
}

func TestPendingStoreComplete(t *testing.T) {
	ps := newPendingStore()
	op, _ := ps.add("s1")

	go ps.complete("s1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := op.wait(ctx); err != nil {
		t.Errorf("wait returned %v", err)
	}
	if ps.complete("s1", nil) {
		t.Error("completing twice should report false")
	}
	if ps.count() != 0 {
		t.Errorf("count should be 0, got %d", ps.count())
	}
}

func TestPendingStoreWaitContext(t *testing.T) {
	ps := newPendingStore()
	op, _ := ps.add("s1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := op.wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPendingStoreClear(t *testing.T) {
	ps := newPendingStore()

	var ops []*pendingOp
	for _, id := range []string{"a", "b", "c"} {
		op, _ := ps.add(id)
		ops = append(ops, op)
	}

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *pendingOp) {
			defer wg.Done()
			if err := op.wait(context.Background()); !errors.Is(err, ErrConnectionLost) {
				t.Errorf("expected ErrConnectionLost, got %v", err)
			}
		}(op)
	}

	ps.clear(ErrConnectionLost)
	wg.Wait()

	if ps.count() != 0 {
		t.Errorf("count should be 0 after clear, got %d", ps.count())
	}
}

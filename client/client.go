// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the native, scripting and managed ks clients.
// All flavours share one API and interoperate through the broker.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/absmach/ks/core"
	"github.com/google/uuid"
)

// Handler receives publications matched by one subscription. Sealed payloads
// are already opened when the client has a key store.
type Handler func(pub *core.Publication)

// AckHandler receives acknowledgements of publications made by this client.
type AckHandler func(ack *core.Ack)

// Client is a connection to a ks broker.
type Client interface {
	// Subscribe adds a subscription whose filters must all match. It returns
	// once the broker accepted it.
	Subscribe(ctx context.Context, filters []string, h Handler) error

	// Publish sends one sequence number of pub.
	Publish(ctx context.Context, pub *core.Publication) error

	// Ack acknowledges a received publication to its publisher.
	Ack(ctx context.Context, ack *core.Ack) error

	// OnAck sets the handler of acks for this client's publications.
	OnAck(h AckHandler)

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	Close() error
}

// Dial connects to the broker of opts.Flavour.
func Dial(ctx context.Context, opts Options) (Client, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var c Client
	switch opts.Flavour {
	case Native:
		c, err = dialNative(ctx, opts)
	case Scripting:
		c, err = dialScripting(ctx, opts)
	case Managed:
		c, err = dialManaged(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlavour, opts.Flavour)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrConnectFailed, opts.Flavour, opts.Addr, err)
	}
	opts.Logger.Debug("client_connected",
		slog.String("flavour", string(opts.Flavour)),
		slog.String("addr", opts.Addr))
	return c, nil
}

// base holds what every flavour shares: subscriptions, the ack handler and
// payload sealing.
type base struct {
	opts   Options
	state  stateManager
	nextID atomic.Uint64

	mu       sync.RWMutex
	handlers map[string]Handler
	onAck    AckHandler

	doneOnce sync.Once
	done     chan struct{}
}

func newBase(opts Options) base {
	return base{
		opts:     opts,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// subID returns a fresh subscription ID.
func (b *base) subID() string {
	return "s" + strconv.FormatUint(b.nextID.Add(1), 10)
}

func (b *base) setHandler(subID string, h Handler) {
	b.mu.Lock()
	b.handlers[subID] = h
	b.mu.Unlock()
}

func (b *base) removeHandler(subID string) {
	b.mu.Lock()
	delete(b.handlers, subID)
	b.mu.Unlock()
}

func (b *base) OnAck(h AckHandler) {
	b.mu.Lock()
	b.onAck = h
	b.mu.Unlock()
}

func (b *base) Done() <-chan struct{} {
	return b.done
}

func (b *base) markDone() {
	b.doneOnce.Do(func() { close(b.done) })
}

// dispatch hands a delivery to the handler of subID.
func (b *base) dispatch(subID string, pub *core.Publication) {
	b.mu.RLock()
	h := b.handlers[subID]
	b.mu.RUnlock()
	if h == nil {
		b.opts.Logger.Debug("client_delivery_without_handler", slog.String("sub", subID))
		return
	}
	h(b.open(pub))
}

func (b *base) dispatchAck(ack *core.Ack) {
	b.mu.RLock()
	h := b.onAck
	b.mu.RUnlock()
	if h != nil {
		h(ack)
	}
}

// seal returns the publication to put on the wire.
func (b *base) seal(pub *core.Publication) (*core.Publication, error) {
	if b.opts.KeyStore == nil || pub.Sealed() {
		return pub, nil
	}
	c := pub.Clone()
	if err := b.opts.KeyStore.Seal(c, b.opts.KeyID); err != nil {
		return nil, err
	}
	return c, nil
}

// open replaces a sealed payload with its plaintext and clears the key ID.
// Publications the key store cannot open are delivered as received.
func (b *base) open(pub *core.Publication) *core.Publication {
	if b.opts.KeyStore == nil || !pub.Sealed() {
		return pub
	}
	plain, err := b.opts.KeyStore.Open(pub)
	if err != nil {
		b.opts.Logger.Warn("client_open_failed",
			slog.String("pub_id", pub.ID.String()),
			slog.String("error", err.Error()))
		return pub
	}
	c := pub.Clone()
	c.Payload = plain
	c.KeyID = uuid.Nil
	return c
}

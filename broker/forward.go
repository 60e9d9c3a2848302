// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"

	"github.com/absmach/ks/core"
)

// Forwarder pushes publications to a peer broker.
type Forwarder interface {
	// Peer names the remote broker.
	Peer() string

	// SessionID is the ID of the session that delivers publications
	// received from the peer. Those are never forwarded back.
	SessionID() string

	Forward(ctx context.Context, pub *core.Publication) error
}

// AddForwarder registers f. Publications routed from now on are pushed to it.
func (b *Broker) AddForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, f)
}

// RemoveForwarder unregisters the forwarder for peer.
func (b *Broker) RemoveForwarder(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.forwarders[:0]
	for _, f := range b.forwarders {
		if f.Peer() != peer {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(b.forwarders); i++ {
		b.forwarders[i] = nil
	}
	b.forwarders = kept
}

// forward pushes pub to every peer except the one it came from while its hop
// count is below maxHops. The peer receives a copy with the hop count incremented.
func (b *Broker) forward(ctx context.Context, fromSession string, pub *core.Publication) {
	if pub.Hops >= b.maxHops {
		return
	}

	b.mu.RLock()
	if len(b.forwarders) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]Forwarder, 0, len(b.forwarders))
	for _, f := range b.forwarders {
		if f.SessionID() != fromSession {
			targets = append(targets, f)
		}
	}
	b.mu.RUnlock()

	for _, f := range targets {
		out := pub.Clone()
		out.Hops++
		err := f.Forward(ctx, out)
		if b.metrics != nil {
			b.metrics.RecordLinkForward(f.Peer(), err == nil)
		}
		if err != nil {
			b.logError("link_forward", err, slog.String("peer", f.Peer()))
			continue
		}
		b.stats.IncrementLinkForwards()
	}
}

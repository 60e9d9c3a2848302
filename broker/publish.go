// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/ks/core"
	"github.com/google/uuid"
)

// Publish routes pub to every matching subscription exactly once.
// A publication whose (ID, SeqNum) was already routed within its TTL is
// dropped silently. Sessions must treat the delivered publication as read-only.
func (b *Broker) Publish(ctx context.Context, sessionID string, pub *core.Publication) error {
	if b.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	b.logOp("publish",
		slog.String("session", sessionID),
		slog.String("pub_id", pub.ID.String()),
		slog.Uint64("seq", uint64(pub.SeqNum)),
		slog.String("topics", pub.Record()),
	)

	if err := pub.Validate(); err != nil {
		b.stats.IncrementProtocolErrors()
		if b.metrics != nil {
			b.metrics.RecordError("invalid_publication")
		}
		return err
	}

	if !b.limiter.AllowPublish(sessionID) {
		b.stats.IncrementRateLimited()
		if b.metrics != nil {
			b.metrics.RecordRateLimited("publish")
		}
		return ErrRateLimited
	}

	ttl := b.historyTTL
	if pub.TTL > 0 {
		ttl = time.Duration(pub.TTL) * time.Second
	}
	fresh, err := b.history.Record(pub.ID, pub.SeqNum, ttl)
	if err != nil {
		b.logError("history_record", err, slog.String("pub_id", pub.ID.String()))
		return fmt.Errorf("failed to record publication: %w", err)
	}
	if !fresh {
		b.stats.IncrementDuplicates()
		if b.metrics != nil {
			b.metrics.RecordDuplicate()
		}
		b.logOp("duplicate", slog.String("pub_id", pub.ID.String()), slog.Uint64("seq", uint64(pub.SeqNum)))
		return nil
	}

	b.stats.IncrementPublications(len(pub.Payload))
	if b.metrics != nil {
		b.metrics.RecordPublication(len(pub.Topics), int64(len(pub.Payload)), pub.Sealed())
	}

	b.rememberOrigin(pub, sessionID, ttl)
	b.deliver(pub)
	b.forward(ctx, sessionID, pub)

	if b.metrics != nil {
		b.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
	}
	return nil
}

type delivery struct {
	session Session
	subID   string
}

// deliver hands pub to the sessions of every matching subscription. A
// session holding two matching subscriptions receives it twice.
func (b *Broker) deliver(pub *core.Publication) {
	entries := b.router.Match(pub.Topics)
	if len(entries) == 0 {
		return
	}

	targets := make([]delivery, 0, len(entries))
	b.mu.RLock()
	for _, e := range entries {
		if s, ok := b.sessions[e.SessionID]; ok {
			targets = append(targets, delivery{session: s, subID: e.Sub.ID})
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		if err := t.session.Deliver(t.subID, pub); err != nil {
			b.stats.IncrementDeliveryErrors()
			if b.metrics != nil {
				b.metrics.RecordError("delivery")
			}
			b.logError("deliver", err, slog.String("session", t.session.ID()), slog.String("sub", t.subID))
			continue
		}
		b.stats.IncrementDeliveries(len(pub.Payload))
		if b.metrics != nil {
			b.metrics.RecordDelivery(t.session.Kind())
		}
	}
}

// Ack routes ack to the session that made the publication. Acks for unknown
// or expired publications are dropped.
func (b *Broker) Ack(ctx context.Context, sessionID string, ack *core.Ack) error {
	if b.closed.Load() {
		return ErrClosed
	}

	originID, ok := b.lookupOrigin(ack.PubID)
	if !ok {
		b.stats.IncrementAcksDropped()
		b.logOp("ack_unknown_publication", slog.String("session", sessionID), slog.String("pub_id", ack.PubID.String()))
		return nil
	}

	s, ok := b.session(originID)
	if !ok {
		b.stats.IncrementAcksDropped()
		b.logOp("ack_publisher_gone", slog.String("session", originID), slog.String("pub_id", ack.PubID.String()))
		return nil
	}

	if err := s.DeliverAck(ack); err != nil {
		b.stats.IncrementDeliveryErrors()
		b.logError("deliver_ack", err, slog.String("session", originID))
		return nil
	}

	b.stats.IncrementAcksRouted()
	if b.metrics != nil {
		b.metrics.RecordAck()
	}
	b.logOp("ack", slog.String("from", sessionID), slog.String("to", originID), slog.Uint64("seq", uint64(ack.SeqNum)))
	return nil
}

func (b *Broker) rememberOrigin(pub *core.Publication, sessionID string, ttl time.Duration) {
	b.originsMu.Lock()
	b.origins[pub.ID] = origin{sessionID: sessionID, expires: time.Now().Add(ttl)}
	b.originsMu.Unlock()
}

func (b *Broker) lookupOrigin(pubID uuid.UUID) (string, bool) {
	b.originsMu.Lock()
	defer b.originsMu.Unlock()

	o, ok := b.origins[pubID]
	if !ok || time.Now().After(o.expires) {
		return "", false
	}
	return o.sessionID, true
}

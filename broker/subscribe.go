// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/ks/core"
)

// ErrSubscriptionNotFound is returned when unsubscribing an unknown subscription.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscribe adds sub for sessionID, replacing a subscription with the same ID.
func (b *Broker) Subscribe(sessionID string, sub *core.Subscription) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, ok := b.session(sessionID); !ok {
		return ErrSessionNotFound
	}
	if sub == nil || len(sub.Filters) == 0 {
		return core.ErrNoTopics
	}
	// Subscriptions built outside core.NewSubscription are validated here.
	if _, err := core.NewSubscription(sub.ID, sub.Filters); err != nil {
		return fmt.Errorf("invalid subscription %q: %w", sub.ID, err)
	}

	if !b.limiter.AllowSubscribe(sessionID) {
		b.stats.IncrementRateLimited()
		if b.metrics != nil {
			b.metrics.RecordRateLimited("subscribe")
		}
		return ErrRateLimited
	}

	if replaced := b.router.Subscribe(sessionID, sub); !replaced {
		b.stats.AddSubscriptions(1)
		if b.metrics != nil {
			b.metrics.RecordSubscriptionAdded()
		}
	}

	b.logOp("subscribe",
		slog.String("session", sessionID),
		slog.String("sub", sub.ID),
		slog.String("filters", strings.Join(sub.Filters, core.TopicSeparator)),
	)
	return nil
}

// Unsubscribe removes the subscription subID of sessionID.
func (b *Broker) Unsubscribe(sessionID, subID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.router.Unsubscribe(sessionID, subID) {
		return ErrSubscriptionNotFound
	}

	b.stats.AddSubscriptions(-1)
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved(1)
	}
	b.logOp("unsubscribe", slog.String("session", sessionID), slog.String("sub", subID))
	return nil
}

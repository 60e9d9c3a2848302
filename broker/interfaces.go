// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"

	"github.com/absmach/ks/core"
)

// Session kinds.
const (
	KindNative    = "native"
	KindScripting = "scripting"
	KindManaged   = "managed"
	KindLink      = "link"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already connected")
	ErrRateLimited     = errors.New("rate limited")
	ErrClosed          = errors.New("broker is closed")
)

// Session is a delivery sink registered with the broker. Every transport
// connection and every broker link is one session.
type Session interface {
	ID() string
	Kind() string

	// Deliver sends a publication matched by the subscription subID.
	Deliver(subID string, pub *core.Publication) error

	// DeliverAck sends an acknowledgement of a publication made by this session.
	DeliverAck(ack *core.Ack) error

	Close() error
}

// Service defines the broker's core operations.
// This interface enables middleware wrapping for cross-cutting concerns
// like logging and tracing.
type Service interface {
	// Connect registers a session.
	Connect(s Session) error

	// Disconnect removes a session and all of its subscriptions.
	Disconnect(sessionID string)

	// Subscribe adds or replaces a subscription of a session.
	Subscribe(sessionID string, sub *core.Subscription) error

	// Unsubscribe removes a subscription of a session.
	Unsubscribe(sessionID, subID string) error

	// Publish routes a publication made by a session.
	Publish(ctx context.Context, sessionID string, pub *core.Publication) error

	// Ack routes an acknowledgement to the session that made the publication.
	Ack(ctx context.Context, sessionID string, ack *core.Ack) error

	// Stats returns the broker statistics.
	Stats() *Stats

	// Close shuts down the broker.
	Close() error
}

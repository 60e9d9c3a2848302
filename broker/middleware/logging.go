// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/core"
)

var _ broker.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    broker.Service
}

// NewLogging creates logging middleware that wraps a broker service.
func NewLogging(svc broker.Service, logger *slog.Logger) broker.Service {
	return &loggingMiddleware{logger, svc}
}

// Connect logs session registration.
func (lm *loggingMiddleware) Connect(s broker.Session) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Connect",
			slog.String("session", s.ID()),
			slog.String("kind", s.Kind()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Connect(s)
}

// Disconnect logs session removal.
func (lm *loggingMiddleware) Disconnect(sessionID string) {
	defer func(begin time.Time) {
		lm.logger.Info("Disconnect",
			slog.String("session", sessionID),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	lm.svc.Disconnect(sessionID)
}

// Subscribe logs subscription details.
func (lm *loggingMiddleware) Subscribe(sessionID string, sub *core.Subscription) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Subscribe",
			slog.String("session", sessionID),
			slog.String("sub", sub.ID),
			slog.Any("filters", sub.Filters),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Subscribe(sessionID, sub)
}

// Unsubscribe logs subscription removal.
func (lm *loggingMiddleware) Unsubscribe(sessionID, subID string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Unsubscribe",
			slog.String("session", sessionID),
			slog.String("sub", subID),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Unsubscribe(sessionID, subID)
}

// Publish logs publication details at debug level; failures are logged as warnings.
func (lm *loggingMiddleware) Publish(ctx context.Context, sessionID string, pub *core.Publication) (err error) {
	defer func(begin time.Time) {
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		lm.logger.Log(ctx, level, "Publish",
			slog.String("session", sessionID),
			slog.String("pub_id", pub.ID.String()),
			slog.Uint64("seq", uint64(pub.SeqNum)),
			slog.String("topics", pub.Record()),
			slog.Int("payload_size", len(pub.Payload)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Publish(ctx, sessionID, pub)
}

// Ack logs acknowledgement routing.
func (lm *loggingMiddleware) Ack(ctx context.Context, sessionID string, ack *core.Ack) (err error) {
	defer func(begin time.Time) {
		lm.logger.Log(ctx, slog.LevelDebug, "Ack",
			slog.String("session", sessionID),
			slog.String("pub_id", ack.PubID.String()),
			slog.Uint64("seq", uint64(ack.SeqNum)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Ack(ctx, sessionID, ack)
}

func (lm *loggingMiddleware) Stats() *broker.Stats {
	return lm.svc.Stats()
}

// Close logs broker shutdown.
func (lm *loggingMiddleware) Close() (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Close",
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Close()
}

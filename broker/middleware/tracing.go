// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ broker.Service = (*tracingMiddleware)(nil)

type tracingMiddleware struct {
	tracer trace.Tracer
	broker.Service
}

// NewTracing creates middleware that opens a span for every publication and ack.
// Session and subscription management pass through untraced.
func NewTracing(svc broker.Service, tracer trace.Tracer) broker.Service {
	return &tracingMiddleware{tracer: tracer, Service: svc}
}

func (tm *tracingMiddleware) Publish(ctx context.Context, sessionID string, pub *core.Publication) error {
	ctx, span := tm.tracer.Start(ctx, "ks.publish",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ks.session", sessionID),
			attribute.String("ks.pub_id", pub.ID.String()),
			attribute.Int64("ks.seq_num", int64(pub.SeqNum)),
			attribute.StringSlice("ks.topics", pub.Topics),
			attribute.Int("ks.payload_size", len(pub.Payload)),
			attribute.Int64("ks.hops", int64(pub.Hops)),
		))
	defer span.End()

	err := tm.Service.Publish(ctx, sessionID, pub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (tm *tracingMiddleware) Ack(ctx context.Context, sessionID string, ack *core.Ack) error {
	ctx, span := tm.tracer.Start(ctx, "ks.ack",
		trace.WithAttributes(
			attribute.String("ks.session", sessionID),
			attribute.String("ks.pub_id", ack.PubID.String()),
			attribute.Int64("ks.seq_num", int64(ack.SeqNum)),
		))
	defer span.End()

	err := tm.Service.Ack(ctx, sessionID, ack)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

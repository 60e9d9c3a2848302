// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the ks broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	sessionsTotal     metric.Int64Counter
	publicationsTotal metric.Int64Counter
	deliveriesTotal   metric.Int64Counter
	acksTotal         metric.Int64Counter
	duplicatesTotal   metric.Int64Counter
	rateLimitedTotal  metric.Int64Counter
	linkForwardsTotal metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	sessionsActive      metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	payloadSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance using the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("ks-broker"))
}

// NewMetricsWithMeter creates the instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.sessionsTotal, "ks.sessions.total", "Total number of client and link sessions"},
		{&m.publicationsTotal, "ks.publications.total", "Publications accepted for routing"},
		{&m.deliveriesTotal, "ks.deliveries.total", "Publications delivered to subscriptions"},
		{&m.acksTotal, "ks.acks.total", "Acknowledgements routed to publishers"},
		{&m.duplicatesTotal, "ks.duplicates.total", "Publications dropped as already seen"},
		{&m.rateLimitedTotal, "ks.rate_limited.total", "Operations rejected by rate limiting"},
		{&m.linkForwardsTotal, "ks.link.forwards.total", "Publications forwarded to peer brokers"},
		{&m.errorsTotal, "ks.errors.total", "Total errors by type"},
	}
	for _, c := range counters {
		inst, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"ks.sessions.active",
		metric.WithDescription("Number of connected sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"ks.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"ks.payload.size.bytes",
		metric.WithDescription("Publication payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"ks.publish.duration.ms",
		metric.WithDescription("Publish routing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSessionOpened records a new session of the given kind (native, scripting, managed, link).
func (m *Metrics) RecordSessionOpened(kind string) {
	ctx := context.Background()
	m.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.sessionsActive.Add(ctx, 1)
}

// RecordSessionClosed records a session going away.
func (m *Metrics) RecordSessionClosed() {
	m.sessionsActive.Add(context.Background(), -1)
}

// RecordPublication records an accepted publication.
func (m *Metrics) RecordPublication(topics int, sizeBytes int64, sealed bool) {
	ctx := context.Background()
	m.publicationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("topics", topics),
		attribute.Bool("sealed", sealed),
	))
	m.payloadSize.Record(ctx, sizeBytes)
}

// RecordDelivery records one delivery to a subscription.
func (m *Metrics) RecordDelivery(kind string) {
	m.deliveriesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAck records an acknowledgement routed back to its publisher.
func (m *Metrics) RecordAck() {
	m.acksTotal.Add(context.Background(), 1)
}

// RecordDuplicate records a publication dropped by the history check.
func (m *Metrics) RecordDuplicate() {
	m.duplicatesTotal.Add(context.Background(), 1)
}

// RecordRateLimited records a rejected publish or subscribe.
func (m *Metrics) RecordRateLimited(op string) {
	m.rateLimitedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordLinkForward records a forward attempt to a peer.
func (m *Metrics) RecordLinkForward(peer string, ok bool) {
	m.linkForwardsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("peer", peer),
		attribute.Bool("ok", ok),
	))
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved(n int) {
	m.subscriptionsActive.Add(context.Background(), -int64(n))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordPublishDuration records the duration of a publish operation.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishDuration.Record(context.Background(), durationMs)
}

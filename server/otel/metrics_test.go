// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/ks/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()

	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetricsWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	m.RecordSessionOpened("native")
	m.RecordSessionOpened("scripting")
	m.RecordSessionClosed()
	m.RecordPublication(1, 5, false)
	m.RecordDelivery("native")
	m.RecordDelivery("managed")
	m.RecordDuplicate()
	m.RecordAck()
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionRemoved(2)
	m.RecordPublishDuration(1.5)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, data["ks.sessions.total"]))
	assert.Equal(t, int64(1), sum(t, data["ks.sessions.active"]))
	assert.Equal(t, int64(1), sum(t, data["ks.publications.total"]))
	assert.Equal(t, int64(2), sum(t, data["ks.deliveries.total"]))
	assert.Equal(t, int64(1), sum(t, data["ks.duplicates.total"]))
	assert.Equal(t, int64(1), sum(t, data["ks.acks.total"]))
	assert.Equal(t, int64(0), sum(t, data["ks.subscriptions.active"]))
	assert.Contains(t, data, "ks.publish.duration.ms")
	assert.Contains(t, data, "ks.payload.size.bytes")
}

func TestInitProviderTracesDisabled(t *testing.T) {
	p, err := InitProvider(config.OtelConfig{ServiceName: "ksd"}, "node-1")
	require.NoError(t, err)

	_, noop := otel.GetTracerProvider().(tracenoop.TracerProvider)
	assert.True(t, noop)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

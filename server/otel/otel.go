// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel exports ksd traces and metrics over OTLP/gRPC.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/ks/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
	spanBatch      = 512
	spanFlush      = 5 * time.Second
)

// shutdowner is satisfied by both SDK providers.
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Provider owns the SDK providers registered as the otel globals.
type Provider struct {
	providers []shutdowner
}

// InitProvider registers OTLP exporters for the signals cfg enables.
// Disabled traces get a noop tracer provider so the tracing middleware stays free.
func InitProvider(cfg config.OtelConfig, brokerID string) (*Provider, error) {
	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(brokerID),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}
	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		p.providers = append(p.providers, tp)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		p.providers = append(p.providers, mp)
	}

	return p, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, sp := range p.providers {
		errs = append(errs, sp.Shutdown(ctx))
	}
	p.providers = nil
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(spanBatch),
			sdktrace.WithBatchTimeout(spanFlush),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))),
	), nil
}

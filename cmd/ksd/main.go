// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command ksd is the ks broker. It serves native, scripting and managed
// clients and optionally links to peer brokers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/broker/link"
	"github.com/absmach/ks/broker/middleware"
	"github.com/absmach/ks/config"
	"github.com/absmach/ks/ratelimit"
	"github.com/absmach/ks/server/coap"
	"github.com/absmach/ks/server/health"
	"github.com/absmach/ks/server/otel"
	"github.com/absmach/ks/server/tcp"
	"github.com/absmach/ks/server/websocket"
	"github.com/absmach/ks/storage"
	"github.com/absmach/ks/storage/badger"
	"github.com/absmach/ks/storage/memory"
	oteltrace "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ksd stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ksd stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func newHistory(cfg config.StorageConfig) (storage.HistoryStore, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory publication history")
		return memory.New(cfg.PruneInterval), nil
	case "badger":
		store, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB history: %w", err)
		}
		slog.Info("Using BadgerDB publication history", "dir", cfg.BadgerDir)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting ksd", "id", cfg.Broker.ID)
	logger.Info("Configuration loaded",
		"native_listener", cfg.Server.Native.Addr,
		"scripting_listener", cfg.Server.Scripting.Addr,
		"scripting_enabled", cfg.Server.Scripting.Enabled,
		"managed_listener", cfg.Server.Managed.Addr,
		"managed_dtls_listener", cfg.Server.Managed.DTLSAddr,
		"managed_enabled", cfg.Server.Managed.Enabled,
		"health_enabled", cfg.Server.Health.Enabled,
		"links", len(cfg.Links.Peers),
		"log_level", cfg.Log.Level)

	history, err := newHistory(cfg.Storage)
	if err != nil {
		return err
	}
	defer history.Close()

	keys, err := cfg.Broker.KeyStore()
	if err != nil {
		return err
	}

	var metrics *otel.Metrics
	if cfg.Otel.Enabled() {
		provider, err := otel.InitProvider(cfg.Otel, cfg.Broker.ID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				logger.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		logger.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)

		if cfg.Otel.MetricsEnabled {
			if metrics, err = otel.NewMetrics(); err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
		}
	}

	var limiter *ratelimit.Manager
	if cfg.Broker.RateLimit.Enabled {
		limiter = ratelimit.NewManager(cfg.Broker.RateLimit)
		defer limiter.Stop()
		logger.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.Broker.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.Broker.RateLimit.Publish.Enabled),
			slog.Bool("subscribe", cfg.Broker.RateLimit.Subscribe.Enabled))
	}

	b := broker.NewBroker(history, logger, broker.NewStats(), metrics, broker.Options{
		HistoryTTL:  cfg.Broker.HistoryTTL,
		MaxHops:     cfg.Links.MaxHops,
		RateLimiter: limiter,
	})
	defer b.Close()

	var svc broker.Service = middleware.NewLogging(b, logger)
	if cfg.Otel.TracesEnabled {
		svc = middleware.NewTracing(svc, oteltrace.Tracer("ksd"))
		logger.Info("Distributed tracing enabled", "sample_rate", cfg.Otel.TraceSampleRate)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	native := tcp.Config{
		Address:         cfg.Server.Native.Addr,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ReadTimeout:     cfg.Server.Native.ReadTimeout,
		WriteTimeout:    cfg.Server.Native.WriteTimeout,
		MaxConnections:  cfg.Server.Native.MaxConnections,
		MaxFrameSize:    cfg.Broker.MaxFrameSize,
	}
	if limiter != nil {
		native.Limiter = limiter
	}
	g.Go(func() error { return tcp.New(native, svc).Listen(ctx) })

	if cfg.Server.Scripting.Enabled {
		ws := websocket.Config{
			Address:         cfg.Server.Scripting.Addr,
			Path:            cfg.Server.Scripting.Path,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxFrameSize:    cfg.Broker.MaxFrameSize,
		}
		if limiter != nil {
			ws.Limiter = limiter
		}
		g.Go(func() error { return websocket.New(ws, svc, logger).Listen(ctx) })
	}

	if cfg.Server.Managed.Enabled {
		cc := coap.Config{
			Address:         cfg.Server.Managed.Addr,
			DTLSAddress:     cfg.Server.Managed.DTLSAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			KeyStore:        keys,
		}
		if limiter != nil {
			cc.Limiter = limiter
		}
		g.Go(func() error { return coap.New(cc, svc, logger).Listen(ctx) })
	}

	links := make(linkSet, 0, len(cfg.Links.Peers))
	for _, peer := range cfg.Links.Peers {
		l := link.New(link.Config{
			Peer:              peer,
			ReconnectInterval: cfg.Links.ReconnectInterval,
			MaxReconnect:      cfg.Links.MaxReconnect,
			FailureThreshold:  cfg.Links.CircuitBreaker.FailureThreshold,
			ResetTimeout:      cfg.Links.CircuitBreaker.ResetTimeout,
			WriteTimeout:      cfg.Server.Native.WriteTimeout,
		}, svc, b, logger)
		links = append(links, l)
		g.Go(func() error { return l.Run(ctx) })
	}

	if cfg.Server.Health.Enabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.Health.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, svc, links, logger)
		g.Go(func() error {
			<-ctx.Done()
			hs.SetReady(false)
			return nil
		})
		g.Go(func() error { return hs.Listen(ctx) })
	}

	logger.Info("ksd started")
	return g.Wait()
}

// linkSet reports link state to the health server.
type linkSet []*link.Link

func (ls linkSet) Status() []health.LinkStatus {
	out := make([]health.LinkStatus, 0, len(ls))
	for _, l := range ls {
		st := l.Status()
		out = append(out, health.LinkStatus{
			Peer:      st.Peer,
			Connected: st.Connected,
			Breaker:   st.Breaker,
		})
	}
	return out
}

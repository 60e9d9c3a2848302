// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package link connects a broker to a peer broker over the native protocol.
//
// A link subscribes to every topic at the peer and republishes what it
// receives locally with the hop count incremented. Local publications are
// pushed to the peer through a circuit breaker. Echoes are suppressed by the
// brokers' duplicate detection.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	"github.com/absmach/ks/session"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// SubID is the subscription a link holds at its peer.
const SubID = "link"

var (
	ErrNotConnected = errors.New("link not connected")
	ErrRejected     = errors.New("peer rejected link subscription")
)

// Registry accepts link forwarders. *broker.Broker implements it.
type Registry interface {
	AddForwarder(f broker.Forwarder)
	RemoveForwarder(peer string)
}

// Config configures one link.
type Config struct {
	Peer              string // native address of the peer broker
	ReconnectInterval time.Duration
	MaxReconnect      time.Duration
	FailureThreshold  int
	ResetTimeout      time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
}

// Status is a point-in-time view of a link.
type Status struct {
	Peer      string
	Connected bool
	Breaker   string
}

var (
	_ broker.Session   = (*Link)(nil)
	_ broker.Forwarder = (*Link)(nil)
)

// Link is both the local session that republishes peer traffic and the
// forwarder that pushes local traffic to the peer.
type Link struct {
	cfg      Config
	id       string
	svc      broker.Service
	registry Registry
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker

	connected atomic.Bool

	mu   sync.Mutex
	conn session.Connection

	writeMu sync.Mutex
}

// New creates a link to cfg.Peer. Call Run to connect it.
func New(cfg Config, svc broker.Service, registry Registry, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	if cfg.MaxReconnect < cfg.ReconnectInterval {
		cfg.MaxReconnect = 30 * cfg.ReconnectInterval
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	l := &Link{
		cfg:      cfg,
		id:       broker.KindLink + ":" + cfg.Peer,
		svc:      svc,
		registry: registry,
		logger:   logger.With(slog.String("peer", cfg.Peer)),
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Peer,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			l.logger.Warn("link circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return l
}

func (l *Link) ID() string        { return l.id }
func (l *Link) Kind() string      { return broker.KindLink }
func (l *Link) Peer() string      { return l.cfg.Peer }
func (l *Link) SessionID() string { return l.id }

// Connected reports whether the peer accepted the link subscription.
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Status returns the link state for health reporting.
func (l *Link) Status() Status {
	return Status{
		Peer:      l.cfg.Peer,
		Connected: l.Connected(),
		Breaker:   l.breaker.State().String(),
	}
}

// Deliver is never called: the link holds no local subscriptions.
func (l *Link) Deliver(subID string, pub *core.Publication) error {
	return nil
}

// DeliverAck sends an ack for a publication that came from the peer back to it.
func (l *Link) DeliverAck(ack *core.Ack) error {
	return l.write(&codec.Frame{Type: codec.FrameAck, Ack: ack})
}

// Forward pushes a local publication to the peer.
func (l *Link) Forward(ctx context.Context, pub *core.Publication) error {
	_, err := l.breaker.Execute(func() (interface{}, error) {
		return nil, l.write(&codec.Frame{Type: codec.FramePublish, Pub: pub})
	})
	return err
}

// Close drops the current peer connection. Run reconnects unless its context is done.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Run keeps the link connected until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	if err := l.svc.Connect(l); err != nil {
		return fmt.Errorf("failed to register link session: %w", err)
	}
	defer l.svc.Disconnect(l.id)

	l.registry.AddForwarder(l)
	defer l.registry.RemoveForwarder(l.cfg.Peer)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ReconnectInterval
	bo.MaxInterval = l.cfg.MaxReconnect

	for {
		established, err := l.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		l.logger.Warn("link disconnected",
			slog.Any("error", err),
			slog.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// serve runs one connection to the peer. It reports whether the peer
// accepted the subscription before the connection ended.
func (l *Link) serve(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: l.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", l.cfg.Peer)
	if err != nil {
		return false, err
	}
	conn := session.NewConnection(nc, nil)

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		l.connected.Store(false)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := l.write(&codec.Frame{Type: codec.FrameSubscribe, SubID: SubID, Filters: []string{"#"}}); err != nil {
		return false, err
	}

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return l.Connected(), nil
			}
			return l.Connected(), err
		}
		if err := l.handle(ctx, f); err != nil {
			return l.Connected(), err
		}
	}
}

func (l *Link) handle(ctx context.Context, f *codec.Frame) error {
	switch f.Type {
	case codec.FrameSuback:
		l.connected.Store(true)
		l.logger.Info("link established")
	case codec.FrameDeliver:
		pub := f.Pub.Clone()
		pub.Hops++
		if err := l.svc.Publish(ctx, l.id, pub); err != nil {
			l.logger.Warn("link republish failed", slog.String("error", err.Error()))
		}
	case codec.FrameAck:
		if err := l.svc.Ack(ctx, l.id, f.Ack); err != nil {
			l.logger.Warn("link ack failed", slog.String("error", err.Error()))
		}
	case codec.FrameError:
		if f.SubID == SubID {
			return fmt.Errorf("%w: %s", ErrRejected, f.Error)
		}
		l.logger.Warn("peer error", slog.String("error", f.Error))
	case codec.FramePing:
		return l.write(&codec.Frame{Type: codec.FramePong})
	case codec.FramePong:
	default:
		l.logger.Debug("unexpected frame from peer", slog.String("type", f.Type.String()))
	}
	return nil
}

func (l *Link) write(f *codec.Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteFrame(f)
}

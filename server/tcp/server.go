// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves native ks clients and broker links over TCP.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/session"
	"github.com/google/uuid"
)

// ErrShutdownTimeout is returned when open sessions outlive the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	forcedCloseWait  = time.Second
)

// Limiter decides whether a new connection from addr is accepted.
type Limiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration // idle timeout, 0 = none
	WriteTimeout    time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	MaxFrameSize    int
	DisableNoDelay  bool
	Limiter         Limiter // nil accepts every connection
}

// Server accepts native connections and serves each as a broker session.
type Server struct {
	config Config
	svc    broker.Service
	codec  *codec.Binary
	slots  chan struct{} // nil when MaxConnections is unset

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]net.Conn
	wg       sync.WaitGroup
}

// New creates a TCP server routing sessions to svc.
func New(cfg Config, svc broker.Service) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	s := &Server{
		config:   cfg,
		svc:      svc,
		codec:    &codec.Binary{MaxFrameSize: cfg.MaxFrameSize},
		sessions: make(map[string]net.Conn),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured address and serves until ctx is cancelled.
// Open sessions are drained before it returns.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.config.Logger.Info("native server started", slog.String("address", ln.Addr().String()))
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// Sessions outlive ctx until drained.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		s.acceptLoop(ctx, connCtx, ln)
	}()

	<-ctx.Done()
	s.config.Logger.Info("native server stopping", slog.Int("sessions", s.Sessions()))
	if err := ln.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-accepted
	return s.drain(connCancel)
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		if !s.admit(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(connCtx, conn)
	}
}

// admit applies the rate limiter, the connection limit and socket options.
// A true result holds a slot that serveConn releases.
func (s *Server) admit(conn net.Conn) bool {
	remote := conn.RemoteAddr().String()
	if s.config.Limiter != nil && !s.config.Limiter.Allow(conn.RemoteAddr()) {
		s.config.Logger.Warn("connection rate limited", slog.String("remote", remote))
		return false
	}
	if !s.acquire() {
		s.config.Logger.Warn("connection limit reached, rejecting connection", slog.String("remote", remote))
		return false
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := s.tune(tc); err != nil {
			s.config.Logger.Error("failed to configure TCP connection", slog.String("error", err.Error()))
			s.release()
			return false
		}
	}
	return true
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) tune(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}
	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := broker.KindNative + "-" + uuid.NewString()
	s.track(id, conn)
	defer func() {
		s.untrack(id)
		conn.Close()
		s.release()
		s.wg.Done()
	}()

	logger := s.config.Logger.With(slog.String("session", id), slog.String("remote", conn.RemoteAddr().String()))
	logger.Debug("connection established")

	sess := session.New(id, session.NewConnection(conn, s.codec), s.svc, session.Options{
		Kind:         broker.KindNative,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		Logger:       s.config.Logger,
	})
	if err := sess.Serve(ctx); err != nil {
		logger.Warn("session ended with error", slog.String("error", err.Error()))
		return
	}
	logger.Debug("connection closed")
}

func (s *Server) track(id string, conn net.Conn) {
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// drain waits for open sessions, then cancels and closes whatever remains.
func (s *Server) drain(cancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
	}

	s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure", slog.Int("sessions", s.Sessions()))
	cancel()
	s.mu.Lock()
	for _, conn := range s.sessions {
		conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(forcedCloseWait):
	}
	return ErrShutdownTimeout
}

// Sessions returns the number of open native sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the listener's network address, or nil before Listen binds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves scripting ks clients: JSON frames over WebSocket text messages.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Limiter decides whether a new connection from addr is accepted.
type Limiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	MaxFrameSize    int
	Limiter         Limiter // nil accepts every connection
}

type Server struct {
	config   Config
	svc      broker.Service
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener

	wg         sync.WaitGroup
	connCtx    context.Context
	connCancel context.CancelFunc
}

func New(cfg Config, svc broker.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ks"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = codec.DefaultMaxFrameSize
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connCtx:    connCtx,
		connCancel: connCancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket_server_starting",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.connCancel()
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		err := s.server.Shutdown(shutdownCtx)
		// Hijacked connections are not tracked by http.Server.
		s.connCancel()
		s.wg.Wait()
		if err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remote := &wsAddr{addr: r.RemoteAddr}
	if s.config.Limiter != nil && !s.config.Limiter.Allow(remote) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(int64(s.config.MaxFrameSize))

	s.wg.Add(1)
	defer s.wg.Done()

	id := broker.KindScripting + "-" + uuid.NewString()
	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("session", id))

	sess := session.New(id, NewConnection(ws, remote), s.svc, session.Options{
		Kind:         broker.KindScripting,
		WriteTimeout: s.config.WriteTimeout,
		Logger:       s.logger,
	})
	if err := sess.Serve(s.connCtx); err != nil {
		s.logger.Warn("websocket_session_error",
			slog.String("session", id),
			slog.String("error", err.Error()))
	}
}

var _ session.Connection = (*wsConnection)(nil)

// wsConnection carries JSON frames in WebSocket text messages.
type wsConnection struct {
	ws         *websocket.Conn
	remoteAddr net.Addr
	codec      codec.JSON
	closeOnce  sync.Once
}

// NewConnection wraps ws. It is used by the server and by scripting clients.
func NewConnection(ws *websocket.Conn, remote net.Addr) session.Connection {
	if remote == nil {
		remote = ws.RemoteAddr()
	}
	return &wsConnection{ws: ws, remoteAddr: remote}
}

func (c *wsConnection) ReadFrame() (*codec.Frame, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: expected text message", codec.ErrMalformed)
	}
	return c.codec.Decode(data)
}

func (c *wsConnection) WriteFrame(f *codec.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConnection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *wsConnection) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConnection) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}

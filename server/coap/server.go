// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap serves managed ks clients over CoAP. Publications and acks are
// posted as JSON frames; deliveries are CoAP observe notifications.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/tcp"
)

// Resource paths.
const (
	PathPublish = "/ps/pub"
	PathSub     = "/ps/sub"
	PathAck     = "/ps/ack"
	PathHealth  = "/health"
)

// Query keys of PathSub.
const (
	QuerySubID  = "id"
	QueryFilter = "f"
)

// PSKIdentityHint is sent by the DTLS server; clients answer with a key ID.
var PSKIdentityHint = []byte("ks")

// Limiter decides whether a new connection from addr is accepted.
type Limiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the CoAP server configuration.
type Config struct {
	Address         string // CoAP over TCP
	DTLSAddress     string // CoAP over DTLS with pre-shared keys, empty disables it
	ShutdownTimeout time.Duration
	Limiter         Limiter // nil accepts every connection

	// KeyStore resolves DTLS PSK identities, which are key IDs.
	KeyStore *core.KeyStore
}

// Server is a CoAP server that bridges managed clients to the broker.
type Server struct {
	config Config
	svc    broker.Service
	logger *slog.Logger
	mux    *mux.Router
	codec  codec.JSON

	mu       sync.Mutex
	addr     net.Addr
	dtlsAddr net.Addr
	sessions map[mux.Conn]*managedSession
}

// New creates a new CoAP server.
func New(cfg Config, svc broker.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		svc:      svc,
		logger:   logger,
		mux:      mux.NewRouter(),
		sessions: make(map[mux.Conn]*managedSession),
	}

	s.mux.Handle(PathPublish, mux.HandlerFunc(s.handlePublish))
	s.mux.Handle(PathSub, mux.HandlerFunc(s.handleSubscribe))
	s.mux.Handle(PathAck, mux.HandlerFunc(s.handleAck))
	s.mux.Handle(PathHealth, mux.HandlerFunc(s.handleHealth))

	return s
}

// Listen starts the CoAP listeners and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.listenTCP(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()

	if s.config.DTLSAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.listenDTLS(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

// Addr returns the CoAP over TCP address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// DTLSAddr returns the CoAP over DTLS address.
func (s *Server) DTLSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dtlsAddr
}

// listenTCP starts a CoAP over TCP server.
func (s *Server) listenTCP(ctx context.Context) error {
	listener, err := coapnet.NewTCPListener("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create TCP listener: %w", err)
	}
	defer listener.Close()

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	server := tcp.NewServer(options.WithMux(s.mux))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil {
			errCh <- err
		}
	}()

	s.logger.Info("coap_tcp_server_started", slog.String("addr", listener.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("CoAP TCP server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("coap_tcp_server_shutdown_initiated")
		s.stop(server.Stop)
		s.logger.Info("coap_tcp_server_stopped")
		return nil
	}
}

// listenDTLS starts a DTLS-secured CoAP server authenticated with pre-shared keys.
func (s *Server) listenDTLS(ctx context.Context) error {
	if s.config.KeyStore == nil {
		return errors.New("dtls requires a key store")
	}

	listener, err := coapnet.NewDTLSListener("udp", s.config.DTLSAddress, s.dtlsConfig())
	if err != nil {
		return fmt.Errorf("failed to create DTLS listener: %w", err)
	}
	defer listener.Close()

	s.mu.Lock()
	s.dtlsAddr = listener.Addr()
	s.mu.Unlock()

	server := dtls.NewServer(options.WithMux(s.mux))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil {
			errCh <- err
		}
	}()

	s.logger.Info("coap_dtls_server_started", slog.String("addr", listener.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("CoAP DTLS server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("coap_dtls_server_shutdown_initiated")
		s.stop(server.Stop)
		s.logger.Info("coap_dtls_server_stopped")
		return nil
	}
}

// stop runs stopFn bounded by the shutdown timeout.
func (s *Server) stop(stopFn func()) {
	done := make(chan struct{})
	go func() {
		stopFn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("coap_shutdown_timeout_exceeded")
	}
}

func (s *Server) dtlsConfig() *piondtls.Config {
	return &piondtls.Config{
		PSK: func(identity []byte) ([]byte, error) {
			id, err := uuid.ParseBytes(identity)
			if err != nil {
				return nil, fmt.Errorf("invalid psk identity: %w", err)
			}
			return s.config.KeyStore.Key(id)
		},
		PSKIdentityHint: PSKIdentityHint,
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

// session returns the session of the connection behind w, creating it on first use.
func (s *Server) session(w mux.ResponseWriter) (*managedSession, error) {
	cc := w.Conn()

	s.mu.Lock()
	sess, ok := s.sessions[cc]
	if ok {
		s.mu.Unlock()
		return sess, nil
	}
	if s.config.Limiter != nil && !s.config.Limiter.Allow(cc.RemoteAddr()) {
		s.mu.Unlock()
		return nil, broker.ErrRateLimited
	}
	sess = newManagedSession(broker.KindManaged+"-"+uuid.NewString(), cc, s.codec, s.logger)
	if err := s.svc.Connect(sess); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.sessions[cc] = sess
	s.mu.Unlock()

	cc.AddOnClose(func() {
		s.mu.Lock()
		delete(s.sessions, cc)
		s.mu.Unlock()
		sess.markClosed()
		s.svc.Disconnect(sess.ID())
		s.logger.Debug("coap_session_closed", slog.String("session", sess.ID()))
	})

	s.logger.Debug("coap_session_opened",
		slog.String("session", sess.ID()),
		slog.String("remote", cc.RemoteAddr().String()))
	return sess, nil
}

func (s *Server) handlePublish(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		s.sendResponse(w, codes.MethodNotAllowed, "POST required")
		return
	}
	sess, err := s.session(w)
	if err != nil {
		s.sendError(w, err)
		return
	}

	f, err := s.readFrame(r, codec.FramePublish)
	if err != nil {
		s.logger.Warn("coap_publish_decode_error", slog.String("error", err.Error()))
		s.sendResponse(w, codes.BadRequest, err.Error())
		return
	}

	if err := s.svc.Publish(r.Context(), sess.ID(), f.Pub); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendResponse(w, codes.Changed, "ok")
}

func (s *Server) handleAck(w mux.ResponseWriter, r *mux.Message) {
	sess, err := s.session(w)
	if err != nil {
		s.sendError(w, err)
		return
	}

	switch r.Code() {
	case codes.GET:
		// Observing the ack resource delivers acks of this connection's publications.
		obs, err := r.Options().Observe()
		if err != nil {
			s.sendResponse(w, codes.BadRequest, "observe required")
			return
		}
		if obs != 0 {
			sess.setAckToken(nil)
			s.sendResponse(w, codes.Content, "")
			return
		}
		sess.setAckToken(r.Token())
		if err := sess.notify(r.Token(), codes.Content, nil); err != nil {
			s.logger.Error("coap_send_response_error", slog.String("error", err.Error()))
		}

	case codes.POST:
		f, err := s.readFrame(r, codec.FrameAck)
		if err != nil {
			s.sendResponse(w, codes.BadRequest, err.Error())
			return
		}
		if err := s.svc.Ack(r.Context(), sess.ID(), f.Ack); err != nil {
			s.sendError(w, err)
			return
		}
		s.sendResponse(w, codes.Changed, "ok")

	default:
		s.sendResponse(w, codes.MethodNotAllowed, "GET or POST required")
	}
}

func (s *Server) handleSubscribe(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.GET {
		s.sendResponse(w, codes.MethodNotAllowed, "GET required")
		return
	}
	sess, err := s.session(w)
	if err != nil {
		s.sendError(w, err)
		return
	}

	subID, filters, err := parseSubQuery(r)
	if err != nil {
		s.sendResponse(w, codes.BadRequest, err.Error())
		return
	}

	obs, err := r.Options().Observe()
	if err != nil {
		s.sendResponse(w, codes.BadRequest, "observe required")
		return
	}
	if obs != 0 {
		sess.removeToken(subID)
		if err := s.svc.Unsubscribe(sess.ID(), subID); err != nil && !errors.Is(err, broker.ErrSubscriptionNotFound) {
			s.sendError(w, err)
			return
		}
		s.sendResponse(w, codes.Content, "")
		return
	}

	sub, err := core.NewSubscription(subID, filters)
	if err != nil {
		s.sendResponse(w, codes.BadRequest, err.Error())
		return
	}

	sess.setToken(subID, r.Token())
	if err := s.svc.Subscribe(sess.ID(), sub); err != nil {
		sess.removeToken(subID)
		s.sendError(w, err)
		return
	}

	suback, _ := s.codec.Encode(&codec.Frame{Type: codec.FrameSuback, SubID: subID})
	if err := sess.notify(r.Token(), codes.Content, suback); err != nil {
		s.logger.Error("coap_send_response_error", slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealth(w mux.ResponseWriter, r *mux.Message) {
	s.sendResponse(w, codes.Content, "healthy")
}

func (s *Server) readFrame(r *mux.Message, want codec.FrameType) (*codec.Frame, error) {
	body, err := r.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	f, err := s.codec.Decode(body)
	if err != nil {
		return nil, err
	}
	if f.Type != want {
		return nil, fmt.Errorf("expected %s frame, got %s", want, f.Type)
	}
	return f, nil
}

func parseSubQuery(r *mux.Message) (string, []string, error) {
	queries, err := r.Options().Queries()
	if err != nil && !errors.Is(err, message.ErrOptionNotFound) {
		return "", nil, err
	}

	var (
		subID   string
		filters []string
	)
	for _, q := range queries {
		key, value, _ := strings.Cut(q, "=")
		switch key {
		case QuerySubID:
			subID = value
		case QueryFilter:
			filters = append(filters, value)
		}
	}
	if len(filters) == 0 {
		return "", nil, core.ErrNoTopics
	}
	if subID == "" {
		subID = strings.Join(filters, core.TopicSeparator)
	}
	return subID, filters, nil
}

func (s *Server) sendError(w mux.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrRateLimited):
		s.sendResponse(w, codes.ServiceUnavailable, err.Error())
	case errors.Is(err, broker.ErrClosed):
		s.sendResponse(w, codes.ServiceUnavailable, err.Error())
	case errors.Is(err, broker.ErrSessionExists), errors.Is(err, broker.ErrSessionNotFound):
		s.sendResponse(w, codes.Forbidden, err.Error())
	default:
		s.sendResponse(w, codes.BadRequest, err.Error())
	}
}

func (s *Server) sendResponse(w mux.ResponseWriter, code codes.Code, body string) {
	if err := w.SetResponse(code, message.TextPlain, bytes.NewReader([]byte(body))); err != nil {
		s.logger.Error("coap_send_response_error", slog.String("error", err.Error()))
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/ks/broker"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// LinkStatus describes one broker link.
type LinkStatus struct {
	Peer      string `json:"peer"`
	Connected bool   `json:"connected"`
	Breaker   string `json:"breaker"`
}

// Links reports the state of broker links.
type Links interface {
	Status() []LinkStatus
}

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health, readiness and statistics endpoints.
type Server struct {
	config Config
	svc    broker.Service
	links  Links
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	ready    bool
}

// New creates a new health check server. links may be nil.
func New(cfg Config, svc broker.Service, links Links, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		svc:    svc,
		links:  links,
		logger: logger,
		ready:  true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/links", s.handleLinks)

	h2s := &http2.Server{}
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(mux, h2s),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetReady switches the readiness probe. The broker reports not ready while draining.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server (h2c)", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK if the broker accepts traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.svc == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "shutting down",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// handleStats returns the broker counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.svc == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, s.svc.Stats().Snapshot())
}

// handleLinks returns the state of every broker link.
func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	links := []LinkStatus{}
	if s.links != nil {
		links = append(links, s.links.Status()...)
	}
	writeJSON(w, http.StatusOK, links)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

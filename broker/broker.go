// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker routes ks publications between sessions of every flavour.
package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/ks/broker/router"
	"github.com/absmach/ks/ratelimit"
	"github.com/absmach/ks/server/otel"
	"github.com/absmach/ks/storage"
	"github.com/absmach/ks/storage/memory"
	"github.com/google/uuid"
)

// Defaults used when Options leave a field zero.
const (
	DefaultMaxHops    = 4
	originPruneEvery  = 30 * time.Second
	defaultHistoryTTL = storage.DefaultHistoryTTL
)

var _ Service = (*Broker)(nil)

// Options tune routing behaviour.
type Options struct {
	// HistoryTTL is how long (ID, SeqNum) pairs are remembered for
	// publications that carry no TTL.
	HistoryTTL time.Duration

	// MaxHops bounds how many broker links a publication may cross.
	MaxHops uint32

	// RateLimiter is nil when rate limiting is disabled.
	RateLimiter *ratelimit.Manager
}

// Broker is the ks publication router.
type Broker struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	forwarders []Forwarder

	originsMu sync.Mutex
	origins   map[uuid.UUID]origin

	router     *router.TrieRouter
	history    storage.HistoryStore
	ownHistory bool
	limiter    *ratelimit.Manager
	logger     *slog.Logger
	stats      *Stats
	metrics    *otel.Metrics // nil if metrics disabled
	historyTTL time.Duration
	maxHops    uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// origin remembers which session made a publication so acks can be routed back.
type origin struct {
	sessionID string
	expires   time.Time
}

// NewBroker creates a new broker instance.
// Parameters:
//   - history: duplicate suppression store (nil uses memory)
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - metrics: OTel metrics instance (nil if metrics disabled)
func NewBroker(history storage.HistoryStore, logger *slog.Logger, stats *Stats, metrics *otel.Metrics, opts Options) *Broker {
	ownHistory := false
	if history == nil {
		history = memory.New(0)
		ownHistory = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = defaultHistoryTTL
	}
	if opts.MaxHops == 0 {
		opts.MaxHops = DefaultMaxHops
	}

	b := &Broker{
		sessions:   make(map[string]Session),
		origins:    make(map[uuid.UUID]origin),
		router:     router.NewRouter(),
		history:    history,
		ownHistory: ownHistory,
		limiter:    opts.RateLimiter,
		logger:     logger,
		stats:      stats,
		metrics:    metrics,
		historyTTL: opts.HistoryTTL,
		maxHops:    opts.MaxHops,
		stopCh:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.originsLoop()

	return b
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Connect registers a session.
func (b *Broker) Connect(s Session) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	if _, ok := b.sessions[s.ID()]; ok {
		b.mu.Unlock()
		return ErrSessionExists
	}
	b.sessions[s.ID()] = s
	b.mu.Unlock()

	b.stats.IncrementSessions()
	if b.metrics != nil {
		b.metrics.RecordSessionOpened(s.Kind())
	}
	b.logOp("connect", slog.String("session", s.ID()), slog.String("kind", s.Kind()))
	return nil
}

// Disconnect removes a session and all of its subscriptions.
// Unknown sessions are ignored.
func (b *Broker) Disconnect(sessionID string) {
	b.mu.Lock()
	_, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	n := b.router.RemoveSession(sessionID)
	b.stats.AddSubscriptions(-n)
	b.stats.DecrementSessions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved(n)
		b.metrics.RecordSessionClosed()
	}
	b.limiter.OnDisconnect(sessionID)
	b.logOp("disconnect", slog.String("session", sessionID), slog.Int("subscriptions", n))
}

// Close disconnects every session and stops background work. It is safe to
// call more than once. A history store passed to NewBroker is owned by the caller.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	sessions := make([]Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		b.Disconnect(s.ID())
		if err := s.Close(); err != nil {
			b.logError("close_session", err, slog.String("session", s.ID()))
		}
	}

	if b.ownHistory {
		return b.history.Close()
	}
	return nil
}

func (b *Broker) session(id string) (Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}

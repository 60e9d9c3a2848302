// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the connection and per-session limiters used by
// the ks listeners and broker.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyed is a set of token buckets addressed by string key. Idle buckets are
// dropped by Sweep.
type keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyed(r float64, burst int) *keyed {
	return &keyed{
		entries: make(map[string]*entry),
		limit:   rate.Limit(r),
		burst:   burst,
	}
}

func (k *keyed) allow(key string) bool {
	now := time.Now()

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	l := e.limiter
	k.mu.Unlock()

	return l.AllowN(now, 1)
}

func (k *keyed) remove(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

func (k *keyed) sweep(before time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, e := range k.entries {
		if e.lastSeen.Before(before) {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

func (k *keyed) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// IPRateLimiter limits new connections per remote IP address.
type IPRateLimiter struct {
	buckets  *keyed
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		buckets: newKeyed(r, burst),
		cleanup: cleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.buckets.allow(ip)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.buckets.sweep(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SessionRateLimiter limits publications and subscriptions per broker session.
type SessionRateLimiter struct {
	publish   *keyed
	subscribe *keyed
}

// NewSessionRateLimiter creates a per-session limiter.
func NewSessionRateLimiter(pubRate float64, pubBurst int, subRate float64, subBurst int) *SessionRateLimiter {
	return &SessionRateLimiter{
		publish:   newKeyed(pubRate, pubBurst),
		subscribe: newKeyed(subRate, subBurst),
	}
}

// AllowPublish reports whether sessionID may publish now.
func (l *SessionRateLimiter) AllowPublish(sessionID string) bool {
	return l.publish.allow(sessionID)
}

// AllowSubscribe reports whether sessionID may subscribe now.
func (l *SessionRateLimiter) AllowSubscribe(sessionID string) bool {
	return l.subscribe.allow(sessionID)
}

// Remove drops the limiters of a disconnected session.
func (l *SessionRateLimiter) Remove(sessionID string) {
	l.publish.remove(sessionID)
	l.subscribe.remove(sessionID)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    LimitConfig      `yaml:"publish"`
	Subscribe  LimitConfig      `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// LimitConfig holds a per-session token bucket.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // operations per second per session
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the default configuration. Limiting is off.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: LimitConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: LimitConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

// Manager coordinates all rate limiters. A nil or disabled Manager allows everything.
type Manager struct {
	config  Config
	ip      *IPRateLimiter
	session *SessionRateLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Subscribe.Enabled {
		m.session = NewSessionRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// Allow checks if a new connection from the given address is allowed.
// It satisfies the limiter interface of the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish checks if sessionID may publish.
func (m *Manager) AllowPublish(sessionID string) bool {
	if m == nil || m.session == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.session.AllowPublish(sessionID)
}

// AllowSubscribe checks if sessionID may subscribe.
func (m *Manager) AllowSubscribe(sessionID string) bool {
	if m == nil || m.session == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.session.AllowSubscribe(sessionID)
}

// OnDisconnect cleans up the limiters of a disconnected session.
func (m *Manager) OnDisconnect(sessionID string) {
	if m == nil || m.session == nil {
		return
	}
	m.session.Remove(sessionID)
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}

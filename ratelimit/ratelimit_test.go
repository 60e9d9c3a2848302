// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// 5 per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr), "second request is within burst")
	assert.False(t, limiter.Allow(addr), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow(addr), "token refilled")
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	assert.True(t, limiter.Allow(addr1))
	assert.True(t, limiter.Allow(addr2))
	assert.False(t, limiter.Allow(addr1))
	assert.False(t, limiter.Allow(addr2))
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow(nil))
	assert.True(t, limiter.Allow(nil))
}

func TestIPRateLimiter_StopTwice(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	limiter.Stop()
	limiter.Stop()
}

func TestSessionRateLimiter(t *testing.T) {
	limiter := NewSessionRateLimiter(5, 2, 1, 1)

	assert.True(t, limiter.AllowPublish("s1"))
	assert.True(t, limiter.AllowPublish("s1"))
	assert.False(t, limiter.AllowPublish("s1"))
	assert.True(t, limiter.AllowPublish("s2"), "sessions have independent buckets")

	assert.True(t, limiter.AllowSubscribe("s1"))
	assert.False(t, limiter.AllowSubscribe("s1"))

	limiter.Remove("s1")
	assert.True(t, limiter.AllowPublish("s1"), "removed session starts with a full bucket")
	assert.True(t, limiter.AllowSubscribe("s1"))
}

func TestKeyedSweep(t *testing.T) {
	k := newKeyed(1, 1)
	k.allow("a")
	k.allow("b")
	require.Equal(t, 2, k.len())

	assert.Equal(t, 2, k.sweep(time.Now().Add(time.Second)))
	assert.Equal(t, 0, k.len())
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	for range 1000 {
		require.True(t, m.Allow(addr))
		require.True(t, m.AllowPublish("s"))
	}

	var nilManager *Manager
	assert.True(t, nilManager.AllowPublish("s"))
	assert.True(t, nilManager.AllowSubscribe("s"))
	nilManager.OnDisconnect("s")
	nilManager.Stop()
}

func TestManager_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Publish = LimitConfig{Enabled: true, Rate: 1, Burst: 1}
	cfg.Subscribe.Enabled = false

	m := NewManager(cfg)
	defer m.Stop()

	assert.True(t, m.AllowPublish("s"))
	assert.False(t, m.AllowPublish("s"))
	for range 50 {
		require.True(t, m.AllowSubscribe("s"))
	}

	m.OnDisconnect("s")
	assert.True(t, m.AllowPublish("s"))
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	"github.com/absmach/ks/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubListener struct {
	conns  chan net.Conn
	closed chan struct{}
	addr   net.Addr
}

func newStubListener() *stubListener {
	return &stubListener{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
		addr:   stubAddr("in-memory"),
	}
}

func (l *stubListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case conn, ok := <-l.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return conn, nil
	}
}

func (l *stubListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
		close(l.conns)
		return nil
	}
}

func (l *stubListener) Addr() net.Addr { return l.addr }

func (l *stubListener) push(conn net.Conn) error {
	select {
	case <-l.closed:
		return net.ErrClosed
	default:
		l.conns <- conn
		return nil
	}
}

type stubAddr string

func (a stubAddr) Network() string { return "stub" }
func (a stubAddr) String() string  { return string(a) }

type trackingConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackingConn) Close() error {
	c.closed.Store(true)
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

// serveStub runs the server on an in-memory listener until the returned stop is called.
func serveStub(t *testing.T, cfg Config) (*Server, *stubListener, func() error) {
	t.Helper()
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	t.Cleanup(func() { _ = b.Close() })

	server := New(cfg, b)
	ln := newStubListener()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.serve(ctx, ln) }()

	require.Eventually(t, func() bool { return server.Addr() != nil }, time.Second, 5*time.Millisecond)
	return server, ln, func() error {
		cancel()
		return <-done
	}
}

func TestServerStartStop(t *testing.T) {
	_, _, stop := serveStub(t, Config{ShutdownTimeout: time.Second})
	assert.NoError(t, stop())
}

func TestShutdownDrainsClosedSessions(t *testing.T) {
	server, ln, stop := serveStub(t, Config{ShutdownTimeout: 5 * time.Second})

	serverConn, clientConn := net.Pipe()
	require.NoError(t, ln.push(serverConn))
	clientConn.Close()

	assert.NoError(t, stop())
	assert.Zero(t, server.Sessions())
}

func TestShutdownForcesOpenSessions(t *testing.T) {
	server, ln, stop := serveStub(t, Config{ShutdownTimeout: 50 * time.Millisecond})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	tc := &trackingConn{Conn: serverConn}
	require.NoError(t, ln.push(tc))
	require.Eventually(t, func() bool { return server.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, stop(), ErrShutdownTimeout)
	assert.True(t, tc.closed.Load())
}

func TestConnectionLimit(t *testing.T) {
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	defer b.Close()

	server := New(Config{MaxConnections: 1}, b)

	s1, c1 := net.Pipe()
	defer c1.Close()
	assert.True(t, server.admit(s1), "first connection admitted")

	s2, c2 := net.Pipe()
	defer c2.Close()
	assert.False(t, server.admit(s2), "second connection over the limit")

	server.release()
	assert.True(t, server.admit(s2), "slot freed")
}

func TestConcurrentConnections(t *testing.T) {
	_, ln, stop := serveStub(t, Config{ShutdownTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serverConn, clientConn := net.Pipe()
			if err := ln.push(serverConn); err != nil {
				return
			}
			clientConn.Close()
		}()
	}
	wg.Wait()

	assert.NoError(t, stop())
}

func TestDefaultConfigApplied(t *testing.T) {
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	defer b.Close()

	server := New(Config{}, b)

	assert.NotZero(t, server.config.ShutdownTimeout)
	assert.NotZero(t, server.config.WriteTimeout)
	assert.NotZero(t, server.config.TCPKeepAlive)
	assert.Zero(t, server.config.ReadTimeout)
	assert.NotNil(t, server.config.Logger)
}

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func startServer(t *testing.T, cfg Config) (*Server, *broker.Broker) {
	t.Helper()
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	t.Cleanup(func() { _ = b.Close() })

	cfg.Address = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	server := New(cfg, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return server.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return server, b
}

func dial(t *testing.T, server *Server) session.Connection {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	c := session.NewConnection(conn, nil)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, c.SetWriteDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestNativeEndToEnd(t *testing.T) {
	server, b := startServer(t, Config{})

	sub := dial(t, server)
	require.NoError(t, sub.WriteFrame(&codec.Frame{Type: codec.FrameSubscribe, SubID: "1", Filters: []string{"a/b/c"}}))
	f, err := sub.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, codec.FrameSuback, f.Type)

	pub := dial(t, server)
	p, err := core.NewPublication([]string{"a/b/c"}, false)
	require.NoError(t, err)
	for range 2 {
		p.Next([]byte("payload"))
		require.NoError(t, pub.WriteFrame(&codec.Frame{Type: codec.FramePublish, Pub: p.Clone()}))
	}

	for seq := uint32(1); seq <= 2; seq++ {
		f, err := sub.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, codec.FrameDeliver, f.Type)
		assert.Equal(t, []string{"a/b/c"}, f.Pub.Topics)
		assert.Equal(t, seq, f.Pub.SeqNum)
	}
	assert.Equal(t, uint64(2), b.Stats().GetDeliveries())
}

func TestLimiterRejectsConnections(t *testing.T) {
	server, b := startServer(t, Config{Limiter: denyAll{}})

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, uint64(0), b.Stats().GetTotalSessions())
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop_test

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/client"
	"github.com/absmach/ks/config"
	"github.com/absmach/ks/internal/cli"
	"github.com/absmach/ks/interop"
	"github.com/absmach/ks/server/coap"
	"github.com/absmach/ks/server/health"
	"github.com/absmach/ks/server/tcp"
	"github.com/absmach/ks/server/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as the processes the harness spawns.
const (
	helperEnv        = "KS_INTEROP_HELPER"
	helperHealthAddr = "KS_INTEROP_HEALTH_ADDR"
)

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "cli":
		os.Exit(cli.Main(context.Background(), os.Args[1:]))
	case "health":
		os.Exit(serveHealth())
	}
	os.Exit(m.Run())
}

// serveHealth stands in for a broker: it serves health endpoints until interrupted.
func serveHealth() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	s := health.New(health.Config{Address: os.Getenv(helperHealthAddr)}, broker.NewBroker(nil, nil, nil, nil, broker.Options{}), nil, nil)
	if err := s.Listen(ctx); err != nil {
		return 1
	}
	return 0
}

type listener interface {
	Listen(ctx context.Context) error
}

func startBroker(t *testing.T) map[string]string {
	t.Helper()
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	t.Cleanup(func() { _ = b.Close() })

	native := tcp.New(tcp.Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, b)
	scripting := websocket.New(websocket.Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, b, nil)
	managed := coap.New(coap.Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, l := range []listener{native, scripting, managed} {
		wg.Add(1)
		go func(l listener) {
			defer wg.Done()
			_ = l.Listen(ctx)
		}(l)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool {
		return native.Addr() != nil && scripting.Addr() != nil && managed.Addr() != nil
	}, 2*time.Second, 10*time.Millisecond)

	return map[string]string{
		client.EnvNativeAddr:    native.Addr().String(),
		client.EnvScriptingAddr: scripting.Addr().String(),
		client.EnvManagedAddr:   managed.Addr().String(),
	}
}

func harnessConfig(t *testing.T, env map[string]string) *config.HarnessConfig {
	t.Helper()
	cfg := config.DefaultHarness()
	cfg.Command = []string{os.Args[0]}
	cfg.LogDir = t.TempDir()
	cfg.Env = map[string]string{helperEnv: "cli"}
	for k, v := range env {
		cfg.Env[k] = v
	}
	cfg.ReadyTimeout = 10 * time.Second
	cfg.ProcessTimeout = 15 * time.Second
	cfg.ExpectTimeout = 5 * time.Second
	cfg.Settle = 200 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.KillGrace = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T) *interop.Harness {
	t.Helper()
	h, err := interop.New(harnessConfig(t, startBroker(t)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestBundledScenarios(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns many processes")
	}

	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			s, err := interop.LoadScenario(f)
			require.NoError(t, err)

			h := newHarness(t)
			res := interop.RunScenario(context.Background(), h, s)
			assert.Zero(t, res.Failed(), res.Render())
		})
	}
}

func TestSubPubExpect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.Sub(ctx, client.Managed, false, "-x 2 a/b/c")
	require.NoError(t, err)
	require.NoError(t, h.Pub(ctx, client.Scripting, true, "-x 2"))

	require.NoError(t, interop.ExpectPubReceived(ctx, sub, "a/b/c", "a/b/c"))
	select {
	case <-sub.Done():
		assert.NoError(t, sub.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not exit after its count")
	}
}

func TestResetLogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.Sub(ctx, client.Native, false, "a/b/c")
	require.NoError(t, err)
	require.NoError(t, h.Pub(ctx, client.Native, false, "a/b/c"))
	require.NoError(t, interop.ExpectPubReceived(ctx, sub, "a/b/c"))

	require.NoError(t, h.ResetLogs())
	assert.True(t, sub.Exited())
	assert.NoFileExists(t, sub.LogPath)
	assert.NoFileExists(t, sub.ErrPath)

	// Nothing from the previous case leaks into the next one.
	sub, err = h.Sub(ctx, client.Native, false, "a/b/c")
	require.NoError(t, err)
	require.NoError(t, interop.ExpectPubReceived(ctx, sub))
}

func TestPubFailure(t *testing.T) {
	h := newHarness(t)

	err := h.Pub(context.Background(), client.Native, false, "a/+")
	assert.ErrorIs(t, err, interop.ErrProcessFailed)
}

func TestSubNotReady(t *testing.T) {
	env := map[string]string{client.EnvNativeAddr: closedAddr(t)}
	h, err := interop.New(harnessConfig(t, env), nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Sub(context.Background(), client.Native, false, "a/b/c")
	assert.ErrorIs(t, err, interop.ErrNotReady)
}

func TestRunReleasesProcessesOnFailure(t *testing.T) {
	cfg := harnessConfig(t, startBroker(t))
	boom := errors.New("assertion failed")

	var sub *interop.Process
	err := interop.Run(context.Background(), cfg, nil, func(ctx context.Context, h *interop.Harness) error {
		var err error
		sub, err = h.Sub(ctx, client.Scripting, true, "")
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, sub)
	assert.True(t, sub.Exited(), "subscriber must not outlive the run")
}

func TestClosedHarness(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := h.Sub(context.Background(), client.Native, false, "a/b/c")
	assert.ErrorIs(t, err, interop.ErrHarnessClosed)
}

func TestTempLogDirRemoved(t *testing.T) {
	cfg := harnessConfig(t, nil)
	cfg.LogDir = ""
	h, err := interop.New(cfg, nil)
	require.NoError(t, err)

	dir := h.LogDir()
	assert.DirExists(t, dir)
	require.NoError(t, h.Close())
	assert.NoDirExists(t, dir)
}

func TestStartBroker(t *testing.T) {
	addr := closedAddr(t)
	cfg := harnessConfig(t, map[string]string{helperHealthAddr: addr})
	cfg.Env[helperEnv] = "health"
	cfg.Broker = config.HarnessBrokerConfig{
		Command:      []string{os.Args[0]},
		HealthURL:    "http://" + addr + "/ready",
		StartTimeout: 10 * time.Second,
	}

	err := interop.Run(context.Background(), cfg, nil, func(ctx context.Context, h *interop.Harness) error {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	require.NoError(t, err)

	// The broker was stopped with the harness.
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

// closedAddr returns a local address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

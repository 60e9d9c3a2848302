// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package interop runs ks publishers and subscribers of every flavour as
// separate processes and checks what the subscribers received.
package interop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/absmach/ks/client"
	"github.com/absmach/ks/config"
)

// Harness spawns ks processes and owns their logs. A Harness is used by one
// goroutine; cases run sequentially.
type Harness struct {
	cfg    *config.HarnessConfig
	logger *slog.Logger
	logDir string
	ownDir bool

	mu     sync.Mutex
	procs  []*Process
	broker *Process
	seq    int
	closed bool
}

// New creates a harness and its log directory.
func New(cfg *config.HarnessConfig, logger *slog.Logger) (*Harness, error) {
	if cfg == nil {
		cfg = config.DefaultHarness()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid harness configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Harness{cfg: cfg, logger: logger, logDir: cfg.LogDir}
	if h.logDir == "" {
		dir, err := os.MkdirTemp("", "ks-interop-")
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		h.logDir = dir
		h.ownDir = true
	} else if err := os.MkdirAll(h.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return h, nil
}

// Run acquires a harness, starts the configured broker, runs fn and always
// releases every spawned process, whatever fn returns.
func Run(ctx context.Context, cfg *config.HarnessConfig, logger *slog.Logger, fn func(context.Context, *Harness) error) (err error) {
	h, err := New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, h.Close())
	}()

	if err := h.StartBroker(ctx); err != nil {
		return err
	}
	return fn(ctx, h)
}

// LogDir returns the directory holding process logs.
func (h *Harness) LogDir() string {
	return h.logDir
}

// Sub spawns a subscriber and waits until it reports ready. args is split
// on whitespace, as in "-x 2 a/b/c".
func (h *Harness) Sub(ctx context.Context, flavour client.Flavour, keystore bool, args string) (*Process, error) {
	p, err := h.spawn("sub", flavour, keystore, args)
	if err != nil {
		return nil, err
	}
	if err := p.waitReady(ctx); err != nil {
		return nil, err
	}
	h.logger.Debug("subscriber_ready", slog.String("name", p.Name))
	return p, nil
}

// Pub spawns a publisher and waits for it to exit. A non-zero exit status
// is ErrProcessFailed.
func (h *Harness) Pub(ctx context.Context, flavour client.Flavour, keystore bool, args string) error {
	p, err := h.spawn("pub", flavour, keystore, args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProcessTimeout)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		if errors.Is(err, ErrTimeout) {
			_ = p.Stop()
		}
		return err
	}
	return nil
}

func (h *Harness) spawn(kind string, flavour client.Flavour, keystore bool, args string) (*Process, error) {
	if _, err := client.ParseFlavour(string(flavour)); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHarnessClosed
	}

	h.seq++
	name := fmt.Sprintf("%s-%s", kind, flavour)
	if keystore {
		name = fmt.Sprintf("ks-%s-%s", kind, flavour)
	}
	name = fmt.Sprintf("%s-%d", name, h.seq)

	argv := append([]string(nil), h.cfg.Command...)
	argv = append(argv, kind, "-f", string(flavour))
	if keystore {
		argv = append(argv, "--keystore")
	}
	argv = append(argv, strings.Fields(args)...)

	p, err := startProcess(h.cfg, h.logger, name,
		filepath.Join(h.logDir, name+".log"),
		filepath.Join(h.logDir, name+".err"),
		argv)
	if err != nil {
		return nil, err
	}
	h.procs = append(h.procs, p)
	return p, nil
}

// ResetLogs stops the processes of the previous case and removes their logs
// so no record leaks into the next case.
func (h *Harness) ResetLogs() error {
	h.mu.Lock()
	procs := h.procs
	h.procs = nil
	h.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
		for _, path := range []string{p.LogPath, p.ErrPath} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// StartBroker starts broker.command and waits for its health URL. It does
// nothing when no broker command is configured.
func (h *Harness) StartBroker(ctx context.Context) error {
	bc := h.cfg.Broker
	if len(bc.Command) == 0 {
		return nil
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHarnessClosed
	}
	if h.broker != nil {
		h.mu.Unlock()
		return nil
	}
	p, err := startProcess(h.cfg, h.logger, "broker",
		filepath.Join(h.logDir, "broker.log"),
		filepath.Join(h.logDir, "broker.err"),
		bc.Command)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.broker = p
	h.mu.Unlock()

	if bc.HealthURL == "" {
		return nil
	}
	return waitHealthy(ctx, p, bc.HealthURL, bc.StartTimeout, h.cfg.PollInterval)
}

func waitHealthy(ctx context.Context, p *Process, url string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hc := &http.Client{Timeout: interval * 4}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := hc.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-p.Done():
			return fmt.Errorf("%w: broker exited before becoming healthy%s", ErrProcessFailed, p.stderrTail())
		case <-ctx.Done():
			return fmt.Errorf("%w: broker not healthy at %s after %s", ErrTimeout, url, timeout)
		case <-ticker.C:
		}
	}
}

// Close stops every spawned process, the broker last. It is safe to call
// more than once.
func (h *Harness) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	procs := h.procs
	h.procs = nil
	broker := h.broker
	h.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if broker != nil {
		if err := broker.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.ownDir {
		if err := os.RemoveAll(h.logDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/absmach/ks/config"
)

// ReadyMarker is the stderr line a subscriber prints once its
// subscriptions are accepted.
const ReadyMarker = "Ready"

// Process is a spawned ks publisher, subscriber or broker.
type Process struct {
	Name    string
	Args    []string
	LogPath string // stdout, the delivery log of subscribers
	ErrPath string // stderr

	cfg    *config.HarnessConfig
	logger *slog.Logger
	cmd    *exec.Cmd
	done   chan struct{}

	mu      sync.Mutex
	waitErr error
	stopped bool
}

func startProcess(cfg *config.HarnessConfig, logger *slog.Logger, name, logPath, errPath string, argv []string) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrInvalidCommand
	}

	stdout, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", logPath, err)
	}
	stderr, err := os.Create(errPath)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create %s: %w", errPath, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrProcessFailed, name, err)
	}

	p := &Process{
		Name:    name,
		Args:    argv,
		LogPath: logPath,
		ErrPath: errPath,
		cfg:     cfg,
		logger:  logger,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	logger.Debug("process_started",
		slog.String("name", name),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("args", strings.Join(argv, " ")))
	return p, nil
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error once the process has exited. Processes stopped
// by the harness report nil.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	if p.waitErr != nil {
		return fmt.Errorf("%w: %s: %v%s", ErrProcessFailed, p.Name, p.waitErr, p.stderrTail())
	}
	return nil
}

// exitErr returns the raw wait error.
func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: %s still running: %v", ErrTimeout, p.Name, ctx.Err())
	}
}

// Stop interrupts the process and kills it when it outlives the kill grace.
func (p *Process) Stop() error {
	if p.Exited() {
		return nil
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("process_interrupt_failed", slog.String("name", p.Name), slog.String("error", err.Error()))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.cfg.KillGrace):
	}

	p.logger.Warn("process_killed", slog.String("name", p.Name), slog.Duration("grace", p.cfg.KillGrace))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", p.Name, err)
	}
	<-p.done
	return nil
}

// Records returns the delivery records logged so far.
func (p *Process) Records() ([]string, error) {
	data, err := os.ReadFile(p.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoLog, p.LogPath)
		}
		return nil, err
	}
	return parseRecords(data), nil
}

// parseRecords splits a delivery log into records, ignoring a partially
// written last line.
func parseRecords(data []byte) []string {
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil
	}

	var recs []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			recs = append(recs, line)
		}
	}
	return recs
}

// stderrContains reports whether a full stderr line equals marker.
func (p *Process) stderrContains(marker string) bool {
	data, err := os.ReadFile(p.ErrPath)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return false
}

// waitReady polls stderr for the ready marker.
func (p *Process) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if p.stderrContains(ReadyMarker) {
			return nil
		}
		select {
		case <-p.done:
			if p.stderrContains(ReadyMarker) {
				return nil
			}
			return fmt.Errorf("%w: %s exited: %v%s", ErrNotReady, p.Name, p.exitErr(), p.stderrTail())
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s", ErrNotReady, p.Name, p.cfg.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// stderrTail returns the last stderr lines for error messages.
func (p *Process) stderrTail() string {
	data, err := os.ReadFile(p.ErrPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return "\n\t" + strings.Join(lines, "\n\t")
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session binds a frame connection to the broker. Native (TCP) and
// scripting (WebSocket) connections are both served by a Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
)

var (
	// ErrNotConnected is returned when writing to a closed session.
	ErrNotConnected = errors.New("session not connected")

	// ErrUnexpectedFrame is returned for frames only a broker may send.
	ErrUnexpectedFrame = errors.New("unexpected frame from client")
)

// State represents the session state.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Options tune a session.
type Options struct {
	Kind string // broker.KindNative when empty

	// ReadTimeout closes idle connections. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

var _ broker.Session = (*Session)(nil)

// Session is one client connection registered with the broker.
type Session struct {
	id     string
	kind   string
	conn   Connection
	svc    broker.Service
	logger *slog.Logger
	opts   Options

	writeMu sync.Mutex
	state   atomic.Int32
	once    sync.Once
}

// New creates a session for conn. It is registered with svc by Serve.
func New(id string, conn Connection, svc broker.Service, opts Options) *Session {
	if opts.Kind == "" {
		opts.Kind = broker.KindNative
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		id:     id,
		kind:   opts.Kind,
		conn:   conn,
		svc:    svc,
		logger: opts.Logger.With(slog.String("session", id)),
		opts:   opts,
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Kind() string { return s.kind }

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Serve registers the session and handles frames until the connection
// fails, the peer disconnects or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	if err := s.svc.Connect(s); err != nil {
		_ = s.conn.Close()
		return err
	}
	s.state.Store(int32(StateConnected))
	defer s.svc.Disconnect(s.id)
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		if s.opts.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
				return err
			}
		}
		f, err := s.conn.ReadFrame()
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("closing connection", slog.String("error", err.Error()))
			if errors.Is(err, codec.ErrMalformed) || errors.Is(err, codec.ErrFrameTooLarge) || errors.Is(err, codec.ErrUnknownFrame) {
				return err
			}
			return nil
		}
		if err := s.handle(ctx, f); err != nil {
			return err
		}
	}
}

// handle dispatches one frame. Only write failures and protocol violations
// end the session; broker errors are reported back as error frames.
func (s *Session) handle(ctx context.Context, f *codec.Frame) error {
	switch f.Type {
	case codec.FrameSubscribe:
		sub, err := core.NewSubscription(f.SubID, f.Filters)
		if err == nil {
			err = s.svc.Subscribe(s.id, sub)
		}
		if err != nil {
			return s.write(codec.ErrorFrame(f.SubID, err))
		}
		return s.write(&codec.Frame{Type: codec.FrameSuback, SubID: f.SubID})

	case codec.FrameUnsubscribe:
		if err := s.svc.Unsubscribe(s.id, f.SubID); err != nil {
			return s.write(codec.ErrorFrame(f.SubID, err))
		}
		return nil

	case codec.FramePublish:
		if err := s.svc.Publish(ctx, s.id, f.Pub); err != nil {
			return s.write(codec.ErrorFrame("", err))
		}
		return nil

	case codec.FrameAck:
		if err := s.svc.Ack(ctx, s.id, f.Ack); err != nil {
			return s.write(codec.ErrorFrame("", err))
		}
		return nil

	case codec.FramePing:
		return s.write(&codec.Frame{Type: codec.FramePong})

	case codec.FramePong:
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type)
	}
}

// Deliver writes a publication matched by subID.
func (s *Session) Deliver(subID string, pub *core.Publication) error {
	return s.write(&codec.Frame{Type: codec.FrameDeliver, SubID: subID, Pub: pub})
}

// DeliverAck writes an acknowledgement of a publication made by this session.
func (s *Session) DeliverAck(ack *core.Ack) error {
	return s.write(&codec.Frame{Type: codec.FrameAck, Ack: ack})
}

func (s *Session) write(f *codec.Frame) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteFrame(f)
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.state.Store(int32(StateDisconnected))
		err = s.conn.Close()
	})
	return err
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

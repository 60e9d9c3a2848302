// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	"github.com/absmach/ks/session"
)

var _ Client = (*streamClient)(nil)

// streamClient speaks frames over a session.Connection. The native and
// scripting flavours differ only in the connection beneath it.
type streamClient struct {
	base
	conn    session.Connection
	pending *pendingStore

	writeMu sync.Mutex
}

func newStreamClient(conn session.Connection, opts Options) *streamClient {
	c := &streamClient{
		base:    newBase(opts),
		conn:    conn,
		pending: newPendingStore(),
	}
	go c.readLoop()
	return c
}

func (c *streamClient) Subscribe(ctx context.Context, filters []string, h Handler) error {
	if err := c.state.ready(); err != nil {
		return err
	}
	sub, err := core.NewSubscription(c.subID(), filters)
	if err != nil {
		return err
	}

	op, err := c.pending.add(sub.ID)
	if err != nil {
		return err
	}
	c.setHandler(sub.ID, h)

	if err := c.write(&codec.Frame{Type: codec.FrameSubscribe, SubID: sub.ID, Filters: sub.Filters}); err != nil {
		c.pending.remove(sub.ID)
		c.removeHandler(sub.ID)
		return err
	}
	if err := op.wait(ctx); err != nil {
		c.pending.remove(sub.ID)
		c.removeHandler(sub.ID)
		return err
	}
	return nil
}

func (c *streamClient) Publish(ctx context.Context, pub *core.Publication) error {
	if err := c.state.ready(); err != nil {
		return err
	}
	if err := pub.Validate(); err != nil {
		return err
	}
	wire, err := c.seal(pub)
	if err != nil {
		return err
	}
	return c.write(&codec.Frame{Type: codec.FramePublish, Pub: wire})
}

func (c *streamClient) Ack(ctx context.Context, ack *core.Ack) error {
	if err := c.state.ready(); err != nil {
		return err
	}
	return c.write(&codec.Frame{Type: codec.FrameAck, Ack: ack})
}

func (c *streamClient) Close() error {
	if !c.state.close() {
		return nil
	}
	err := c.conn.Close()
	c.pending.clear(ErrClientClosed)
	c.markDone()
	return err
}

func (c *streamClient) write(f *codec.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteFrame(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *streamClient) readLoop() {
	defer func() {
		c.state.lost()
		c.pending.clear(ErrConnectionLost)
		c.markDone()
	}()

	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if c.state.get() != StateClosed && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.opts.Logger.Warn("client_read_error", slog.String("error", err.Error()))
			}
			return
		}
		c.handleFrame(f)
	}
}

func (c *streamClient) handleFrame(f *codec.Frame) {
	switch f.Type {
	case codec.FrameDeliver:
		c.dispatch(f.SubID, f.Pub)
	case codec.FrameAck:
		c.dispatchAck(f.Ack)
	case codec.FrameSuback:
		c.pending.complete(f.SubID, nil)
	case codec.FrameError:
		if f.SubID != "" && c.pending.complete(f.SubID, fmt.Errorf("%w: %s", ErrSubscribeFailed, f.Error)) {
			c.removeHandler(f.SubID)
			return
		}
		c.opts.Logger.Warn("client_broker_error", slog.String("error", f.Error))
	case codec.FramePing:
		if err := c.write(&codec.Frame{Type: codec.FramePong}); err != nil {
			c.opts.Logger.Debug("client_pong_failed", slog.String("error", err.Error()))
		}
	case codec.FramePong:
	default:
		c.opts.Logger.Debug("client_unexpected_frame", slog.String("type", f.Type.String()))
	}
}

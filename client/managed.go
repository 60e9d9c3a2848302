// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	coapserver "github.com/absmach/ks/server/coap"
	piondtls "github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/tcp"
)

var _ Client = (*managedClient)(nil)

// managedClient speaks CoAP. Publications and acks are POSTed; every
// subscription and the ack stream are observations.
type managedClient struct {
	base
	conn   mux.Conn
	cancel context.CancelFunc
	codec  codec.JSON

	mu           sync.Mutex
	observations map[string]mux.Observation
	ackObs       mux.Observation

	// Handlers run off the CoAP read goroutine so they may call Ack or Publish.
	work chan func()
}

const workQueueSize = 256

// dialManaged connects over CoAP/TCP, or CoAP/DTLS with a pre-shared key.
// ctx bounds the dial and handshake only; the connection lives until Close.
func dialManaged(ctx context.Context, opts Options) (Client, error) {
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, err := connectManaged(ctx, connCtx, opts)
	if err != nil {
		connCancel()
		return nil, err
	}

	c := &managedClient{
		base:         newBase(opts),
		conn:         conn,
		cancel:       connCancel,
		observations: make(map[string]mux.Observation),
		work:         make(chan func(), workQueueSize),
	}
	go c.dispatchLoop()
	go func() {
		<-conn.Done()
		c.state.lost()
		c.markDone()
	}()

	if err := c.observeAcks(ctx); err != nil {
		_ = conn.Close()
		connCancel()
		return nil, err
	}
	return c, nil
}

func connectManaged(ctx, connCtx context.Context, opts Options) (mux.Conn, error) {
	var d net.Dialer
	if opts.DTLS {
		raw, err := d.DialContext(ctx, "udp", opts.Addr)
		if err != nil {
			return nil, err
		}
		dc, err := piondtls.Client(dtlsnet.PacketConnFromConn(raw), raw.RemoteAddr(), pskConfig(opts))
		if err != nil {
			raw.Close()
			return nil, err
		}
		if err := dc.HandshakeContext(ctx); err != nil {
			dc.Close()
			return nil, fmt.Errorf("dtls handshake: %w", err)
		}
		return dtls.Client(dc, options.WithContext(connCtx), options.WithCloseSocket()), nil
	}

	raw, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := tcp.Client(raw, options.WithContext(connCtx), options.WithCloseSocket())
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

func pskConfig(opts Options) *piondtls.Config {
	return &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return opts.KeyStore.Key(opts.KeyID)
		},
		PSKIdentityHint: []byte(opts.KeyID.String()),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

// observeAcks registers the ack stream of this connection.
func (c *managedClient) observeAcks(ctx context.Context) error {
	obs, err := c.conn.Observe(ctx, coapserver.PathAck, func(n *pool.Message) {
		body, err := n.ReadBody()
		if err != nil || len(body) == 0 {
			return
		}
		f, err := c.codec.Decode(body)
		if err != nil || f.Type != codec.FrameAck {
			c.opts.Logger.Debug("client_bad_ack_notification", slog.Any("error", err))
			return
		}
		c.enqueue(func() { c.dispatchAck(f.Ack) })
	})
	if err != nil {
		return fmt.Errorf("failed to observe acks: %w", err)
	}
	c.mu.Lock()
	c.ackObs = obs
	c.mu.Unlock()
	return nil
}

func (c *managedClient) Subscribe(ctx context.Context, filters []string, h Handler) error {
	if err := c.state.ready(); err != nil {
		return err
	}
	sub, err := core.NewSubscription(c.subID(), filters)
	if err != nil {
		return err
	}

	queries := make([]message.Option, 0, len(sub.Filters)+1)
	queries = append(queries, query(coapserver.QuerySubID, sub.ID))
	for _, f := range sub.Filters {
		queries = append(queries, query(coapserver.QueryFilter, f))
	}

	first := make(chan error, 1)
	var once sync.Once
	c.setHandler(sub.ID, h)

	obs, err := c.conn.Observe(ctx, coapserver.PathSub, func(n *pool.Message) {
		body, _ := n.ReadBody()
		if n.Code() != codes.Content {
			once.Do(func() { first <- fmt.Errorf("%w: %s %s", ErrSubscribeFailed, n.Code(), body) })
			return
		}
		f, err := c.codec.Decode(body)
		if err != nil {
			c.opts.Logger.Warn("client_bad_notification", slog.String("error", err.Error()))
			return
		}
		switch f.Type {
		case codec.FrameSuback:
			once.Do(func() { first <- nil })
		case codec.FrameDeliver:
			once.Do(func() { first <- nil })
			c.enqueue(func() { c.dispatch(sub.ID, f.Pub) })
		}
	}, queries...)
	if err != nil {
		c.removeHandler(sub.ID)
		return fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	select {
	case err = <-first:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.removeHandler(sub.ID)
		_ = obs.Cancel(context.Background())
		return err
	}

	c.mu.Lock()
	c.observations[sub.ID] = obs
	c.mu.Unlock()
	return nil
}

func (c *managedClient) Publish(ctx context.Context, pub *core.Publication) error {
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
	return c.post(ctx, coapserver.PathPublish, &codec.Frame{Type: codec.FramePublish, Pub: wire}, ErrPublishFailed)
}

func (c *managedClient) Ack(ctx context.Context, ack *core.Ack) error {
	if err := c.state.ready(); err != nil {
		return err
	}
	return c.post(ctx, coapserver.PathAck, &codec.Frame{Type: codec.FrameAck, Ack: ack}, ErrAckFailed)
}

func (c *managedClient) post(ctx context.Context, path string, f *codec.Frame, failure error) error {
	body, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	resp, err := c.conn.Post(ctx, path, message.AppJSON, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", failure, err)
	}
	if resp.Code() != codes.Changed {
		msg, _ := resp.ReadBody()
		return fmt.Errorf("%w: %s %s", failure, resp.Code(), msg)
	}
	return nil
}

func (c *managedClient) Close() error {
	if !c.state.close() {
		return nil
	}

	c.mu.Lock()
	obs := make([]mux.Observation, 0, len(c.observations)+1)
	for _, o := range c.observations {
		obs = append(obs, o)
	}
	if c.ackObs != nil {
		obs = append(obs, c.ackObs)
	}
	c.observations = make(map[string]mux.Observation)
	c.ackObs = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, o := range obs {
		if err := o.Cancel(ctx); err != nil {
			c.opts.Logger.Debug("client_cancel_observation_failed", slog.String("error", err.Error()))
		}
	}

	err := c.conn.Close()
	c.cancel()
	c.markDone()
	return err
}

func (c *managedClient) dispatchLoop() {
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *managedClient) enqueue(fn func()) {
	select {
	case c.work <- fn:
	case <-c.done:
	}
}

func query(key, value string) message.Option {
	return message.Option{ID: message.URIQuery, Value: []byte(key + "=" + value)}
}

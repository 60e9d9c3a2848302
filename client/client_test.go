// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/client"
	"github.com/absmach/ks/core"
	"github.com/absmach/ks/server/coap"
	"github.com/absmach/ks/server/tcp"
	"github.com/absmach/ks/server/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listener interface {
	Listen(ctx context.Context) error
}

// brokerAddrs starts a broker with all three listeners and returns their addresses.
func brokerAddrs(t *testing.T) map[client.Flavour]string {
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

	return map[client.Flavour]string{
		client.Native:    native.Addr().String(),
		client.Scripting: scripting.Addr().String(),
		client.Managed:   managed.Addr().String(),
	}
}

func dial(t *testing.T, addrs map[client.Flavour]string, f client.Flavour, ks *core.KeyStore) client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Options{Flavour: f, Addr: addrs[f], KeyStore: ks})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type collector struct {
	mu   sync.Mutex
	pubs []*core.Publication
}

func (c *collector) handle(p *core.Publication) {
	c.mu.Lock()
	c.pubs = append(c.pubs, p)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pubs)
}

func (c *collector) get(i int) *core.Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubs[i]
}

func TestCrossFlavourDelivery(t *testing.T) {
	addrs := brokerAddrs(t)

	for _, pf := range client.Flavours {
		for _, sf := range client.Flavours {
			t.Run(fmt.Sprintf("%s to %s", pf, sf), func(t *testing.T) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				sub := dial(t, addrs, sf, nil)
				var got collector
				require.NoError(t, sub.Subscribe(ctx, []string{"a/b/c"}, got.handle))

				pub := dial(t, addrs, pf, nil)
				p, err := core.NewPublication([]string{"a/b/c"}, false)
				require.NoError(t, err)
				p.Next([]byte{0x00, 0xff, 'h', 'i'})
				require.NoError(t, pub.Publish(ctx, p))

				require.Eventually(t, func() bool { return got.len() == 1 }, 3*time.Second, 10*time.Millisecond)
				d := got.get(0)
				assert.Equal(t, p.ID, d.ID)
				assert.Equal(t, uint32(1), d.SeqNum)
				assert.Equal(t, []string{"a/b/c"}, d.Topics)
				assert.Equal(t, p.Payload, d.Payload)

				// No surplus delivery.
				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, 1, got.len())
			})
		}
	}
}

func TestRepeatedPublication(t *testing.T) {
	addrs := brokerAddrs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := dial(t, addrs, client.Native, nil)
	var got collector
	require.NoError(t, sub.Subscribe(ctx, []string{"a/+/c"}, got.handle))

	pub := dial(t, addrs, client.Managed, nil)
	p, err := core.NewPublication([]string{"a/b/c"}, false)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		p.Next([]byte("x"))
		require.NoError(t, pub.Publish(ctx, p))
	}
	// A resend of the same sequence number is suppressed.
	require.NoError(t, pub.Publish(ctx, p))

	require.Eventually(t, func() bool { return got.len() == 2 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, got.len())
	assert.Equal(t, uint32(1), got.get(0).SeqNum)
	assert.Equal(t, uint32(2), got.get(1).SeqNum)
}

func TestAcksReachPublisher(t *testing.T) {
	addrs := brokerAddrs(t)

	for _, f := range client.Flavours {
		t.Run(string(f), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sub := dial(t, addrs, client.Scripting, nil)
			require.NoError(t, sub.Subscribe(ctx, []string{"#"}, func(p *core.Publication) {
				_ = sub.Ack(ctx, &core.Ack{PubID: p.ID, SeqNum: p.SeqNum, Payload: []byte("This is an ACK")})
			}))

			pub := dial(t, addrs, f, nil)
			acks := make(chan *core.Ack, 1)
			pub.OnAck(func(a *core.Ack) { acks <- a })

			p, err := core.NewPublication([]string{"x/y"}, true)
			require.NoError(t, err)
			p.Next([]byte("ping"))
			require.NoError(t, pub.Publish(ctx, p))

			select {
			case a := <-acks:
				assert.Equal(t, p.ID, a.PubID)
				assert.Equal(t, []byte("This is an ACK"), a.Payload)
			case <-ctx.Done():
				t.Fatal("ack not received")
			}
		})
	}
}

func TestSealedPayloads(t *testing.T) {
	addrs := brokerAddrs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ks := core.DefaultKeyStore()
	keyed := dial(t, addrs, client.Scripting, ks)
	plain := dial(t, addrs, client.Native, nil)

	var opened, raw collector
	require.NoError(t, keyed.Subscribe(ctx, []string{"a/b/c"}, opened.handle))
	require.NoError(t, plain.Subscribe(ctx, []string{"a/b/c"}, raw.handle))

	pub := dial(t, addrs, client.Managed, ks)
	p, err := core.NewPublication([]string{"a/b/c"}, false)
	require.NoError(t, err)
	p.Next([]byte("secret"))
	require.NoError(t, pub.Publish(ctx, p))

	require.Eventually(t, func() bool { return opened.len() == 1 && raw.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("secret"), opened.get(0).Payload)
	assert.False(t, opened.get(0).Sealed())
	assert.True(t, raw.get(0).Sealed())
	assert.NotEqual(t, []byte("secret"), raw.get(0).Payload)
}

func TestSubscribeRejected(t *testing.T) {
	addrs := brokerAddrs(t)

	for _, f := range client.Flavours {
		t.Run(string(f), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			c := dial(t, addrs, f, nil)
			err := c.Subscribe(ctx, []string{"a/#/c"}, func(*core.Publication) {})
			assert.Error(t, err)
		})
	}
}

func TestClosedClient(t *testing.T) {
	addrs := brokerAddrs(t)

	for _, f := range client.Flavours {
		t.Run(string(f), func(t *testing.T) {
			c := dial(t, addrs, f, nil)
			require.NoError(t, c.Close())

			select {
			case <-c.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("Done not closed")
			}

			p, err := core.NewPublication([]string{"a"}, false)
			require.NoError(t, err)
			p.Next(nil)
			assert.ErrorIs(t, c.Publish(context.Background(), p), client.ErrClientClosed)
			assert.NoError(t, c.Close())
		})
	}
}

func TestDialUnknownFlavour(t *testing.T) {
	_, err := client.Dial(context.Background(), client.Options{Flavour: "mqtt"})
	assert.ErrorIs(t, err, client.ErrUnknownFlavour)
}

func TestManagedConnectionOutlivesDial(t *testing.T) {
	addrs := brokerAddrs(t)

	dialCtx, cancelDial := context.WithCancel(context.Background())
	c, err := client.Dial(dialCtx, client.Options{
		Flavour:        client.Managed,
		Addr:           addrs[client.Managed],
		ConnectTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	cancelDial()

	// Past the connect timeout and the caller's context.
	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got collector
	require.NoError(t, c.Subscribe(ctx, []string{"a/b/c"}, got.handle))

	p, err := core.NewPublication([]string{"a/b/c"}, false)
	require.NoError(t, err)
	p.Next([]byte("late"))
	require.NoError(t, c.Publish(ctx, p))

	require.Eventually(t, func() bool { return got.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	select {
	case <-c.Done():
		t.Fatal("connection closed after dial context ended")
	default:
	}
}

func TestManagedOverDTLS(t *testing.T) {
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	t.Cleanup(func() { _ = b.Close() })
	ks := core.DefaultKeyStore()
	s := coap.New(coap.Config{
		Address:         "127.0.0.1:0",
		DTLSAddress:     "127.0.0.1:0",
		KeyStore:        ks,
		ShutdownTimeout: time.Second,
	}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return s.DTLSAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	c, err := client.Dial(dialCtx, client.Options{
		Flavour:  client.Managed,
		Addr:     s.DTLSAddr().String(),
		DTLS:     true,
		KeyStore: ks,
	})
	cancelDial()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	opCtx, opCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer opCancel()
	var got collector
	require.NoError(t, c.Subscribe(opCtx, []string{"a/b/c"}, got.handle))

	p, err := core.NewPublication([]string{"a/b/c"}, false)
	require.NoError(t, err)
	p.Next([]byte("secure"))
	require.NoError(t, c.Publish(opCtx, p))

	require.Eventually(t, func() bool { return got.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("secure"), got.get(0).Payload)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) (*Server, *broker.Broker) {
	t.Helper()
	b := broker.NewBroker(nil, nil, nil, nil, broker.Options{})
	t.Cleanup(func() { _ = b.Close() })

	cfg.Address = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	s := New(cfg, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return s, b
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + s.Addr().String() + "/ks"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func TestScriptingDocuments(t *testing.T) {
	s, _ := startServer(t, Config{})

	sub := dial(t, s)
	require.NoError(t, sub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","sub_id":"s1","filters":["a/+/c"]}`)))

	var suback map[string]any
	require.NoError(t, sub.ReadJSON(&suback))
	assert.Equal(t, "suback", suback["type"])
	assert.Equal(t, "s1", suback["sub_id"])

	pub := dial(t, s)
	require.NoError(t, pub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"publish","pub_id":"ed5414a8-5c4d-4d15-b69f-0e998ab171f2","seq_num":1,"topics":["a/b/c"],"payload":"aGk="}`)))

	var deliver struct {
		Type    string   `json:"type"`
		SubID   string   `json:"sub_id"`
		Topics  []string `json:"topics"`
		SeqNum  uint32   `json:"seq_num"`
		Payload []byte   `json:"payload"`
	}
	require.NoError(t, sub.ReadJSON(&deliver))
	assert.Equal(t, "deliver", deliver.Type)
	assert.Equal(t, "s1", deliver.SubID)
	assert.Equal(t, []string{"a/b/c"}, deliver.Topics)
	assert.Equal(t, uint32(1), deliver.SeqNum)
	assert.Equal(t, []byte("hi"), deliver.Payload)
}

func TestConnectionRoundTrip(t *testing.T) {
	s, b := startServer(t, Config{})

	ws := dial(t, s)
	conn := NewConnection(ws, nil)
	require.NoError(t, conn.WriteFrame(&codec.Frame{Type: codec.FrameSubscribe, SubID: "x", Filters: []string{"#"}}))
	f, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, codec.FrameSuback, f.Type)

	p, err := core.NewPublication([]string{"t"}, false)
	require.NoError(t, err)
	p.Next([]byte("payload"))
	require.NoError(t, b.Publish(context.Background(), "local", p))

	f, err = conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, codec.FrameDeliver, f.Type)
	assert.Equal(t, p.ID, f.Pub.ID)
}

func TestBinaryMessageClosesSession(t *testing.T) {
	s, b := startServer(t, Config{})

	ws := dial(t, s)
	require.Eventually(t, func() bool { return b.Stats().GetCurrentSessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return b.Stats().GetCurrentSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func TestLimiterRejectsUpgrade(t *testing.T) {
	s, _ := startServer(t, Config{Limiter: denyAll{}})

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ks", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 429, resp.StatusCode)
}

func TestErrorFrameForInvalidPublication(t *testing.T) {
	s, _ := startServer(t, Config{})

	ws := dial(t, s)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"publish","pub_id":"ed5414a8-5c4d-4d15-b69f-0e998ab171f2","seq_num":1,"topics":["a/+"]}`)))

	var f map[string]any
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, "error", f["type"])
	assert.NotEmpty(t, f["error"])
}

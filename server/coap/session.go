// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/ks/broker"
	"github.com/absmach/ks/codec"
	"github.com/absmach/ks/core"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
)

var (
	errNoObservation = errors.New("no observation for subscription")
	errSessionClosed = errors.New("coap session closed")
)

var _ broker.Session = (*managedSession)(nil)

// managedSession is the broker session of one CoAP connection. Every
// subscription is an observation identified by its request token.
type managedSession struct {
	id     string
	conn   mux.Conn
	codec  codec.JSON
	logger *slog.Logger

	mu       sync.Mutex
	tokens   map[string]message.Token
	ackToken message.Token
	seq      uint32
	closed   bool
}

func newManagedSession(id string, conn mux.Conn, c codec.JSON, logger *slog.Logger) *managedSession {
	return &managedSession{
		id:     id,
		conn:   conn,
		codec:  c,
		logger: logger,
		tokens: make(map[string]message.Token),
	}
}

func (s *managedSession) ID() string   { return s.id }
func (s *managedSession) Kind() string { return broker.KindManaged }

func (s *managedSession) Deliver(subID string, pub *core.Publication) error {
	s.mu.Lock()
	token, ok := s.tokens[subID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", errNoObservation, subID)
	}

	body, err := s.codec.Encode(&codec.Frame{Type: codec.FrameDeliver, SubID: subID, Pub: pub})
	if err != nil {
		return err
	}
	return s.notify(token, codes.Content, body)
}

// DeliverAck notifies the ack observation. Acks are dropped when the client does not observe them.
func (s *managedSession) DeliverAck(ack *core.Ack) error {
	s.mu.Lock()
	token := s.ackToken
	s.mu.Unlock()
	if token == nil {
		s.logger.Debug("coap_ack_not_observed", slog.String("session", s.id))
		return nil
	}

	body, err := s.codec.Encode(&codec.Frame{Type: codec.FrameAck, Ack: ack})
	if err != nil {
		return err
	}
	return s.notify(token, codes.Content, body)
}

// notify writes an observe notification with the next sequence number.
func (s *managedSession) notify(token message.Token, code codes.Code, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}

	s.seq++
	m := s.conn.AcquireMessage(s.conn.Context())
	defer s.conn.ReleaseMessage(m)
	m.SetCode(code)
	m.SetToken(token)
	m.SetObserve(s.seq)
	m.SetContentFormat(message.AppJSON)
	if body != nil {
		m.SetBody(bytes.NewReader(body))
	}
	return s.conn.WriteMessage(m)
}

func (s *managedSession) setToken(subID string, token message.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[subID] = append(message.Token(nil), token...)
}

func (s *managedSession) removeToken(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, subID)
}

func (s *managedSession) setAckToken(token message.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == nil {
		s.ackToken = nil
		return
	}
	s.ackToken = append(message.Token(nil), token...)
}

func (s *managedSession) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *managedSession) Close() error {
	s.markClosed()
	return s.conn.Close()
}

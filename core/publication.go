// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"strings"

	"github.com/absmach/ks/topics"
	"github.com/google/uuid"
)

// MaxTopics is the maximum number of topics a publication or subscription may carry.
const MaxTopics = 64

// TopicSeparator joins the topics of a multi-topic publication in delivery records.
const TopicSeparator = " | "

var (
	ErrNoTopics      = errors.New("at least one topic is required")
	ErrTooManyTopics = errors.New("too many topics")
)

// Publication is the unit routed by the broker.
//
// A publication keeps its ID for its whole life; every re-publish increments
// SeqNum. Brokers use the (ID, SeqNum) pair to suppress duplicates.
type Publication struct {
	ID           uuid.UUID
	SeqNum       uint32
	Topics       []string
	Payload      []byte
	AckRequested bool
	TTL          uint32    // seconds, 0 = broker default
	KeyID        uuid.UUID // uuid.Nil when the payload is not sealed
	Hops         uint32
}

// NewPublication creates a publication with a fresh ID. The first call to
// Next returns sequence number 1.
func NewPublication(topicNames []string, ackRequested bool) (*Publication, error) {
	p := &Publication{
		ID:           uuid.New(),
		Topics:       append([]string(nil), topicNames...),
		AckRequested: ackRequested,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Next advances the sequence number for another publish of the same publication.
func (p *Publication) Next(payload []byte) {
	p.SeqNum++
	p.Payload = payload
}

// Validate checks the topic list.
func (p *Publication) Validate() error {
	if len(p.Topics) == 0 {
		return ErrNoTopics
	}
	if len(p.Topics) > MaxTopics {
		return ErrTooManyTopics
	}
	for _, t := range p.Topics {
		if err := topics.ValidateTopicName(t); err != nil {
			return err
		}
	}
	return nil
}

// Sealed reports whether the payload was sealed with a key store key.
func (p *Publication) Sealed() bool {
	return p.KeyID != uuid.Nil
}

// Record returns the delivery record line for this publication.
func (p *Publication) Record() string {
	return strings.Join(p.Topics, TopicSeparator)
}

// Clone returns a deep copy.
func (p *Publication) Clone() *Publication {
	c := *p
	c.Topics = append([]string(nil), p.Topics...)
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	return &c
}

// Ack acknowledges one publication sequence number back to its publisher.
type Ack struct {
	PubID   uuid.UUID
	SeqNum  uint32
	Payload []byte
}

// Subscription is a list of topic filters that must all match a publication.
type Subscription struct {
	ID      string
	Filters []string
}

// NewSubscription validates the filters and returns a subscription.
func NewSubscription(id string, filters []string) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, ErrNoTopics
	}
	if len(filters) > MaxTopics {
		return nil, ErrTooManyTopics
	}
	for _, f := range filters {
		if err := topics.ValidateFilter(f); err != nil {
			return nil, err
		}
	}
	return &Subscription{ID: id, Filters: append([]string(nil), filters...)}, nil
}

// Matches reports whether every filter matches at least one publication topic.
func (s *Subscription) Matches(pubTopics []string) bool {
	if len(s.Filters) == 0 {
		return false
	}
	for _, f := range s.Filters {
		matched := false
		for _, t := range pubTopics {
			if topics.TopicMatch(f, t) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

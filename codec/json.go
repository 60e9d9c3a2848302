// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/ks/core"
	"github.com/google/uuid"
)

// JSON encodes frames as JSON objects. Payloads are base64 encoded.
type JSON struct{}

var _ Codec = JSON{}

// jsonFrame is the JSON document shape shared by the scripting and managed flavours.
type jsonFrame struct {
	Type         string   `json:"type"`
	SubID        string   `json:"sub_id,omitempty"`
	Filters      []string `json:"filters,omitempty"`
	PubID        string   `json:"pub_id,omitempty"`
	SeqNum       uint32   `json:"seq_num,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	Payload      []byte   `json:"payload,omitempty"`
	AckRequested bool     `json:"ack_requested,omitempty"`
	TTL          uint32   `json:"ttl,omitempty"`
	KeyID        string   `json:"key_id,omitempty"`
	Hops         uint32   `json:"hops,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Encode marshals f.
func (JSON) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	jf := jsonFrame{
		Type:    f.Type.String(),
		SubID:   f.SubID,
		Filters: f.Filters,
		Error:   f.Error,
	}
	if p := f.Pub; p != nil {
		jf.PubID = p.ID.String()
		jf.SeqNum = p.SeqNum
		jf.Topics = p.Topics
		jf.Payload = p.Payload
		jf.AckRequested = p.AckRequested
		jf.TTL = p.TTL
		jf.Hops = p.Hops
		if p.Sealed() {
			jf.KeyID = p.KeyID.String()
		}
	}
	if a := f.Ack; a != nil {
		jf.PubID = a.PubID.String()
		jf.SeqNum = a.SeqNum
		jf.Payload = a.Payload
	}

	return json.Marshal(jf)
}

// Decode unmarshals a JSON frame.
func (JSON) Decode(data []byte) (*Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	t, err := ParseFrameType(jf.Type)
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Type:    t,
		SubID:   jf.SubID,
		Filters: jf.Filters,
		Error:   jf.Error,
	}

	switch t {
	case FramePublish, FrameDeliver:
		id, err := parseID(jf.PubID)
		if err != nil {
			return nil, err
		}
		p := &core.Publication{
			ID:           id,
			SeqNum:       jf.SeqNum,
			Topics:       jf.Topics,
			Payload:      jf.Payload,
			AckRequested: jf.AckRequested,
			TTL:          jf.TTL,
			Hops:         jf.Hops,
		}
		if jf.KeyID != "" {
			if p.KeyID, err = parseID(jf.KeyID); err != nil {
				return nil, err
			}
		}
		f.Pub = p
	case FrameAck:
		id, err := parseID(jf.PubID)
		if err != nil {
			return nil, err
		}
		f.Ack = &core.Ack{PubID: id, SeqNum: jf.SeqNum, Payload: jf.Payload}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func parseID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id %q: %v", ErrMalformed, s, err)
	}
	return id, nil
}

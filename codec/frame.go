// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes the frames exchanged between ks clients and brokers.
//
// Two encodings share one frame model:
//
//   - Binary, used by native clients and broker links: a 4-byte big-endian
//     length, a frame type byte and a body in protobuf wire format. Field
//     numbers follow the CBOR map keys of DPS publications.
//   - JSON, used by scripting (WebSocket) and managed (CoAP) clients.
package codec

import (
	"errors"
	"fmt"

	"github.com/absmach/ks/core"
)

// FrameType identifies a frame.
type FrameType byte

const (
	FramePublish FrameType = iota + 1
	FrameDeliver
	FrameAck
	FrameSubscribe
	FrameUnsubscribe
	FrameSuback
	FrameError
	FramePing
	FramePong
)

var frameNames = map[FrameType]string{
	FramePublish:     "publish",
	FrameDeliver:     "deliver",
	FrameAck:         "ack",
	FrameSubscribe:   "subscribe",
	FrameUnsubscribe: "unsubscribe",
	FrameSuback:      "suback",
	FrameError:       "error",
	FramePing:        "ping",
	FramePong:        "pong",
}

func (t FrameType) String() string {
	if name, ok := frameNames[t]; ok {
		return name
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

// ParseFrameType is the inverse of FrameType.String.
func ParseFrameType(name string) (FrameType, error) {
	for t, n := range frameNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFrame, name)
}

// Codec errors.
var (
	ErrUnknownFrame  = errors.New("unknown frame type")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed frame")
	ErrMissingField  = errors.New("missing required field")
)

// Frame is the union of all frame kinds. Which fields are meaningful depends on Type.
type Frame struct {
	Type FrameType

	// Subscribe, Unsubscribe, Suback, Deliver, Error.
	SubID   string
	Filters []string

	// Publish, Deliver.
	Pub *core.Publication

	// Ack.
	Ack *core.Ack

	// Error.
	Error string
}

// Validate checks that the fields required by the frame type are present.
func (f *Frame) Validate() error {
	switch f.Type {
	case FramePublish, FrameDeliver:
		if f.Pub == nil {
			return fmt.Errorf("%w: publication", ErrMissingField)
		}
	case FrameAck:
		if f.Ack == nil {
			return fmt.Errorf("%w: ack", ErrMissingField)
		}
	case FrameSubscribe:
		if f.SubID == "" || len(f.Filters) == 0 {
			return fmt.Errorf("%w: subscription", ErrMissingField)
		}
	case FrameUnsubscribe, FrameSuback:
		if f.SubID == "" {
			return fmt.Errorf("%w: sub id", ErrMissingField)
		}
	case FrameError, FramePing, FramePong:
	default:
		return ErrUnknownFrame
	}
	return nil
}

// Codec converts frames to and from bytes.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
}

// ErrorFrame builds an error frame.
func ErrorFrame(subID string, err error) *Frame {
	return &Frame{Type: FrameError, SubID: subID, Error: err.Error()}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/absmach/ks/core"
	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	"google.golang.org/protobuf/encoding/protowire"
)

// HeaderSize is Length(4) + Type(1).
const HeaderSize = 5

// DefaultMaxFrameSize bounds a single frame body.
const DefaultMaxFrameSize = 1 << 20

// Payloads at least this large are compressed when that shrinks them.
const compressThreshold = 1024

// Field numbers. 2..12 are the DPS publication map keys.
const (
	fieldTTL      protowire.Number = 2
	fieldPubID    protowire.Number = 3
	fieldSeqNum   protowire.Number = 4
	fieldAckReq   protowire.Number = 5
	fieldTopics   protowire.Number = 11
	fieldData     protowire.Number = 12
	fieldSubID    protowire.Number = 20
	fieldFilters  protowire.Number = 21
	fieldKeyID    protowire.Number = 22
	fieldHops     protowire.Number = 23
	fieldFlags    protowire.Number = 24
	fieldErrorMsg protowire.Number = 25
)

const flagCompressed uint64 = 1 << 0

// Binary is the length-prefixed protobuf-wire codec.
type Binary struct {
	// MaxFrameSize bounds decoded bodies. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
	// DisableCompression turns payload compression off for encoding.
	DisableCompression bool
}

var _ Codec = (*Binary)(nil)

func (c *Binary) maxSize() int {
	if c == nil || c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode returns the complete frame including the length prefix.
func (c *Binary) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize, HeaderSize+64)
	buf[4] = byte(f.Type)

	switch f.Type {
	case FramePublish, FrameDeliver:
		buf = c.appendPublication(buf, f.Pub)
		if f.SubID != "" {
			buf = appendString(buf, fieldSubID, f.SubID)
		}
	case FrameAck:
		buf = appendBytes(buf, fieldPubID, f.Ack.PubID[:])
		buf = appendVarint(buf, fieldSeqNum, uint64(f.Ack.SeqNum))
		if len(f.Ack.Payload) > 0 {
			buf = appendBytes(buf, fieldData, f.Ack.Payload)
		}
	case FrameSubscribe:
		buf = appendString(buf, fieldSubID, f.SubID)
		for _, filter := range f.Filters {
			buf = appendString(buf, fieldFilters, filter)
		}
	case FrameUnsubscribe, FrameSuback:
		buf = appendString(buf, fieldSubID, f.SubID)
	case FrameError:
		if f.SubID != "" {
			buf = appendString(buf, fieldSubID, f.SubID)
		}
		buf = appendString(buf, fieldErrorMsg, f.Error)
	}

	bodyLen := len(buf) - 4
	if bodyLen-1 > c.maxSize() {
		return nil, ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(buf[:4], uint32(bodyLen))
	return buf, nil
}

func (c *Binary) appendPublication(buf []byte, p *core.Publication) []byte {
	if p.TTL > 0 {
		buf = appendVarint(buf, fieldTTL, uint64(p.TTL))
	}
	buf = appendBytes(buf, fieldPubID, p.ID[:])
	buf = appendVarint(buf, fieldSeqNum, uint64(p.SeqNum))
	if p.AckRequested {
		buf = appendVarint(buf, fieldAckReq, 1)
	}
	for _, t := range p.Topics {
		buf = appendString(buf, fieldTopics, t)
	}
	if p.Sealed() {
		buf = appendBytes(buf, fieldKeyID, p.KeyID[:])
	}
	if p.Hops > 0 {
		buf = appendVarint(buf, fieldHops, uint64(p.Hops))
	}

	data := p.Payload
	var flags uint64
	if !c.DisableCompression && len(data) >= compressThreshold {
		if compressed := s2.Encode(nil, data); len(compressed) < len(data) {
			data = compressed
			flags |= flagCompressed
		}
	}
	if flags != 0 {
		buf = appendVarint(buf, fieldFlags, flags)
	}
	if len(data) > 0 {
		buf = appendBytes(buf, fieldData, data)
	}
	return buf
}

// Decode parses a complete frame including the length prefix.
func (c *Binary) Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		return nil, fmt.Errorf("%w: length %d does not match %d bytes", ErrMalformed, n, len(data)-4)
	}
	return c.decodeBody(FrameType(data[4]), data[HeaderSize:])
}

// ReadFrame reads one frame from r.
func (c *Binary) ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:4]))
	if n < 1 {
		return nil, fmt.Errorf("%w: zero length", ErrMalformed)
	}
	if n-1 > c.maxSize() {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return c.decodeBody(FrameType(hdr[4]), body)
}

// WriteFrame encodes f and writes it to w.
func (c *Binary) WriteFrame(w io.Writer, f *Frame) error {
	data, err := c.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Binary) decodeBody(t FrameType, b []byte) (*Frame, error) {
	if _, ok := frameNames[t]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrame, byte(t))
	}

	f := &Frame{Type: t}
	var (
		pub     core.Publication
		hasPub  bool
		flags   uint64
		seq     uint64
		payload []byte
		pubID   []byte
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case fieldTTL:
				pub.TTL = uint32(v)
			case fieldSeqNum:
				seq = v
				hasPub = true
			case fieldAckReq:
				pub.AckRequested = v != 0
			case fieldHops:
				pub.Hops = uint32(v)
			case fieldFlags:
				flags = v
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case fieldPubID:
				pubID = v
				hasPub = true
			case fieldTopics:
				pub.Topics = append(pub.Topics, string(v))
			case fieldData:
				payload = append([]byte(nil), v...)
			case fieldSubID:
				f.SubID = string(v)
			case fieldFilters:
				f.Filters = append(f.Filters, string(v))
			case fieldKeyID:
				id, err := uuid.FromBytes(v)
				if err != nil {
					return nil, fmt.Errorf("%w: key id: %v", ErrMalformed, err)
				}
				pub.KeyID = id
			case fieldErrorMsg:
				f.Error = string(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	if flags&flagCompressed != 0 {
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		payload = decoded
	}

	if hasPub {
		id, err := uuid.FromBytes(pubID)
		if err != nil {
			return nil, fmt.Errorf("%w: pub id: %v", ErrMalformed, err)
		}
		switch t {
		case FrameAck:
			f.Ack = &core.Ack{PubID: id, SeqNum: uint32(seq), Payload: payload}
		case FramePublish, FrameDeliver:
			pub.ID = id
			pub.SeqNum = uint32(seq)
			pub.Payload = payload
			f.Pub = &pub
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

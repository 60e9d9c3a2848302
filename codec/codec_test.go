// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/absmach/ks/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublication() *core.Publication {
	return &core.Publication{
		ID:           uuid.MustParse("6f1c2a9e-8d4b-4f3a-9c5e-1a2b3c4d5e6f"),
		SeqNum:       2,
		Topics:       []string{"a/b/c", "x/y"},
		Payload:      []byte("Hello"),
		AckRequested: true,
		TTL:          30,
		KeyID:        core.DefaultKeyID,
		Hops:         1,
	}
}

func TestCodecsPreservePublication(t *testing.T) {
	codecs := map[string]Codec{
		"binary": &Binary{},
		"json":   JSON{},
	}

	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			in := &Frame{Type: FrameDeliver, SubID: "sub-1", Pub: testPublication()}
			data, err := c.Encode(in)
			require.NoError(t, err)

			out, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, FrameDeliver, out.Type)
			assert.Equal(t, "sub-1", out.SubID)
			assert.Equal(t, in.Pub, out.Pub)
		})
	}
}

func TestBinaryStream(t *testing.T) {
	c := &Binary{}
	var buf bytes.Buffer

	frames := []*Frame{
		{Type: FrameSubscribe, SubID: "s1", Filters: []string{"a/+/c", "x/#"}},
		{Type: FramePublish, Pub: testPublication()},
		{Type: FrameAck, Ack: &core.Ack{PubID: uuid.New(), SeqNum: 7, Payload: []byte("This is an ACK")}},
		{Type: FramePing},
	}
	for _, f := range frames {
		require.NoError(t, c.WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := c.ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		switch want.Type {
		case FrameSubscribe:
			assert.Equal(t, want.Filters, got.Filters)
			assert.Equal(t, want.SubID, got.SubID)
		case FramePublish:
			assert.Equal(t, want.Pub, got.Pub)
		case FrameAck:
			assert.Equal(t, want.Ack, got.Ack)
		}
	}
	assert.Zero(t, buf.Len())
}

func TestBinaryCompressesLargePayloads(t *testing.T) {
	p := testPublication()
	p.Payload = []byte(strings.Repeat("compressible ", 500))

	plain := &Binary{DisableCompression: true}
	compressed := &Binary{}

	big, err := plain.Encode(&Frame{Type: FramePublish, Pub: p})
	require.NoError(t, err)
	small, err := compressed.Encode(&Frame{Type: FramePublish, Pub: p})
	require.NoError(t, err)
	assert.Less(t, len(small), len(big))

	f, err := compressed.Decode(small)
	require.NoError(t, err)
	assert.Equal(t, p.Payload, f.Pub.Payload)
}

func TestBinaryRejectsOversizedFrames(t *testing.T) {
	c := &Binary{MaxFrameSize: 16}

	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:4], 1024)
	hdr[4] = byte(FramePublish)
	_, err := c.ReadFrame(bytes.NewReader(hdr[:]))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = c.Encode(&Frame{Type: FramePublish, Pub: testPublication()})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBinaryDecodeErrors(t *testing.T) {
	c := &Binary{}

	_, err := c.Decode([]byte{0, 0})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = c.Decode([]byte{0, 0, 0, 1, 0xEE})
	require.ErrorIs(t, err, ErrUnknownFrame)

	_, err = c.Decode([]byte{0, 0, 0, 9, byte(FramePublish)})
	require.ErrorIs(t, err, ErrMalformed)

	// A publish frame without a publication.
	_, err = c.Decode([]byte{0, 0, 0, 1, byte(FramePublish)})
	require.ErrorIs(t, err, ErrMissingField)
}

func TestJSONDecodeScriptingDocument(t *testing.T) {
	doc := `{"type":"publish","pub_id":"6f1c2a9e-8d4b-4f3a-9c5e-1a2b3c4d5e6f","seq_num":1,"topics":["a/b/c"],"payload":"SGVsbG8="}`

	f, err := JSON{}.Decode([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, FramePublish, f.Type)
	assert.Equal(t, []string{"a/b/c"}, f.Pub.Topics)
	assert.Equal(t, []byte("Hello"), f.Pub.Payload)
	assert.Equal(t, uint32(1), f.Pub.SeqNum)
	assert.False(t, f.Pub.Sealed())
}

func TestJSONDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		err  error
	}{
		{"not json", `{`, ErrMalformed},
		{"unknown type", `{"type":"bogus"}`, ErrUnknownFrame},
		{"publish without id", `{"type":"publish","topics":["a"]}`, ErrMissingField},
		{"bad id", `{"type":"ack","pub_id":"nope"}`, ErrMalformed},
		{"subscribe without filters", `{"type":"subscribe","sub_id":"s"}`, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON{}.Decode([]byte(tt.doc))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestFrameTypeNames(t *testing.T) {
	for ft, name := range frameNames {
		parsed, err := ParseFrameType(name)
		require.NoError(t, err)
		assert.Equal(t, ft, parsed)
		assert.Equal(t, name, ft.String())
	}
	assert.Equal(t, "frame(200)", FrameType(200).String())
}

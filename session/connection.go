// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/absmach/ks/codec"
)

// Connection is a network connection that reads and writes ks frames.
type Connection interface {
	// ReadFrame reads the next frame from the connection.
	ReadFrame() (*codec.Frame, error)

	// WriteFrame writes one frame to the connection.
	WriteFrame(f *codec.Frame) error

	// Close terminates the connection.
	Close() error

	// RemoteAddr returns the address of the peer.
	RemoteAddr() net.Addr

	// SetReadDeadline sets the connection read deadline.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the connection write deadline.
	SetWriteDeadline(t time.Time) error
}

var _ Connection = (*binaryConn)(nil)

// binaryConn wraps a net.Conn and provides frame-level I/O using the binary codec.
type binaryConn struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  *codec.Binary
}

// NewConnection wraps a stream connection (TCP or TLS) with the binary codec.
// A nil codec uses the defaults.
func NewConnection(conn net.Conn, c *codec.Binary) Connection {
	if c == nil {
		c = &codec.Binary{}
	}
	return &binaryConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  c,
	}
}

func (c *binaryConn) ReadFrame() (*codec.Frame, error) {
	return c.codec.ReadFrame(c.reader)
}

func (c *binaryConn) WriteFrame(f *codec.Frame) error {
	if f == nil {
		return errors.New("cannot encode nil frame")
	}
	return c.codec.WriteFrame(c.conn, f)
}

func (c *binaryConn) Close() error {
	return c.conn.Close()
}

func (c *binaryConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *binaryConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *binaryConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

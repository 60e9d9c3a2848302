// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net"

	"github.com/absmach/ks/session"
)

// dialNative connects over TCP with the binary codec.
func dialNative(ctx context.Context, opts Options) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return newStreamClient(session.NewConnection(conn, nil), opts), nil
}

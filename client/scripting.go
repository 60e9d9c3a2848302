// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"strings"

	wsserver "github.com/absmach/ks/server/websocket"
	"github.com/gorilla/websocket"
)

// DefaultScriptingPath is the WebSocket path of the broker.
const DefaultScriptingPath = "/ks"

// dialScripting connects over WebSocket with the JSON codec. Addr is either
// host:port or a full ws:// or wss:// URL.
func dialScripting(ctx context.Context, opts Options) (Client, error) {
	url := opts.Addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url + DefaultScriptingPath
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newStreamClient(wsserver.NewConnection(ws, nil), opts), nil
}

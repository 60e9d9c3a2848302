// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrUnknownFlavour = errors.New("unknown client flavour")
	ErrNoAddress      = errors.New("no broker address configured")

	// Connection errors.
	ErrNotConnected   = errors.New("client not connected")
	ErrConnectFailed  = errors.New("connection failed")
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")

	// Operation errors.
	ErrSubscribeFailed = errors.New("subscription failed")
	ErrPublishFailed   = errors.New("publish failed")
	ErrAckFailed       = errors.New("ack failed")
	ErrDuplicateSub    = errors.New("subscription already pending")
)

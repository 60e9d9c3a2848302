// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State is the lifecycle of a client connection. A client starts connected
// since Dial returns only after the transport is up; it never reconnects.
type State uint32

// Client states.
const (
	StateConnected State = iota
	StateDisconnected
	StateClosed
)

var stateNames = [...]string{
	StateConnected:    "connected",
	StateDisconnected: "disconnected",
	StateClosed:       "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// stateManager holds the client state. Transitions only move forward.
type stateManager struct {
	state atomic.Uint32
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

// lost marks a connected client disconnected. It reports false if the
// client was already disconnected or closed.
func (sm *stateManager) lost() bool {
	return sm.state.CompareAndSwap(uint32(StateConnected), uint32(StateDisconnected))
}

// close marks the client closed. Only the first call returns true.
func (sm *stateManager) close() bool {
	return sm.state.Swap(uint32(StateClosed)) != uint32(StateClosed)
}

// ready returns nil when operations are allowed.
func (sm *stateManager) ready() error {
	switch sm.get() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClientClosed
	default:
		return ErrConnectionLost
	}
}

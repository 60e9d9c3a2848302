// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateLostThenClosed(t *testing.T) {
	var sm stateManager

	if err := sm.ready(); err != nil {
		t.Errorf("new state manager should be ready, got %v", err)
	}
	if !sm.lost() {
		t.Fatal("connected client should become disconnected")
	}
	if sm.lost() {
		t.Error("lost twice")
	}
	if err := sm.ready(); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
	if !sm.close() {
		t.Fatal("disconnected client should close")
	}
	if err := sm.ready(); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestStateCloseOnce(t *testing.T) {
	var sm stateManager

	if !sm.close() {
		t.Fatal("first close should win")
	}
	if sm.close() {
		t.Error("second close should report false")
	}
	if sm.lost() {
		t.Error("closed client cannot be lost")
	}
	if sm.get() != StateClosed {
		t.Errorf("state = %s, want closed", sm.get())
	}
}

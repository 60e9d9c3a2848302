// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCountMismatch  = errors.New("count mismatch")
	ErrNoLog          = errors.New("delivery log not found")
	ErrTimeout        = errors.New("timed out")
	ErrProcessFailed  = errors.New("process failed")
	ErrNotReady       = errors.New("subscriber not ready")
	ErrHarnessClosed  = errors.New("harness closed")
	ErrUnknownSub     = errors.New("unknown subscriber")
	ErrInvalidCommand = errors.New("invalid command")
)

// ExpectationError reports a failed delivery expectation. Err is one of
// ErrCountMismatch, ErrNoLog or ErrTimeout.
type ExpectationError struct {
	Sub        string
	Want       []string
	Got        []string
	Missing    []string
	Unexpected []string
	Err        error
}

func (e *ExpectationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v: want %d %v, got %d %v", e.Sub, e.Err, len(e.Want), e.Want, len(e.Got), e.Got)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ", missing %v", e.Missing)
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, ", unexpected %v", e.Unexpected)
	}
	return b.String()
}

func (e *ExpectationError) Unwrap() error {
	return e.Err
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ks", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"pub"}, {"sub"}, {"interop"}, {"interop", "run"}} {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestRepeatFlags(t *testing.T) {
	cmd := NewRootCommand()

	pub, _, err := cmd.Find([]string{"pub"})
	require.NoError(t, err)
	x := pub.Flags().Lookup("repeat")
	require.NotNil(t, x)
	assert.Equal(t, "x", x.Shorthand)
	assert.Equal(t, "1", x.DefValue)

	sub, _, err := cmd.Find([]string{"sub"})
	require.NoError(t, err)
	x = sub.Flags().Lookup("count")
	require.NotNil(t, x)
	assert.Equal(t, "x", x.Shorthand)
	assert.Equal(t, "0", x.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "pub", "a/b/c"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUnknownFlag(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"sub", "--bogus"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "nil", err: nil, code: ExitSuccess},
		{name: "plain", err: errors.New("boom"), code: ExitFailure},
		{name: "exit error", err: NewExitError(ExitCommandError, "bad"), code: ExitCommandError},
		{name: "wrapped", err: WrapExitError(ExitFailure, "lost", errors.New("eof")), code: ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, GetExitCode(tt.err))
		})
	}

	err := WrapExitError(ExitFailure, "connect", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "connect: context deadline exceeded", err.Error())
}

func TestMainExitCodes(t *testing.T) {
	assert.Equal(t, ExitCommandError, Main(context.Background(), []string{"pub", "-f", "cobol", "a/b/c"}))
	assert.Equal(t, ExitCommandError, Main(context.Background(), []string{"pub"}))
	assert.Equal(t, ExitSuccess, Main(context.Background(), []string{"--help"}))
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/absmach/ks/core"
	"github.com/google/uuid"
)

// Flavour selects the client implementation and its wire encoding.
type Flavour string

// Client flavours.
const (
	Native    Flavour = "native"
	Scripting Flavour = "scripting"
	Managed   Flavour = "managed"
)

// Flavours lists every flavour.
var Flavours = []Flavour{Native, Scripting, Managed}

// ParseFlavour returns the flavour named s.
func ParseFlavour(s string) (Flavour, error) {
	for _, f := range Flavours {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFlavour, s)
}

// Default values.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second

	DefaultNativeAddr    = "127.0.0.1:7400"
	DefaultScriptingAddr = "127.0.0.1:7401"
	DefaultManagedAddr   = "127.0.0.1:5683"
)

// Environment variables overriding the default address of each flavour.
const (
	EnvNativeAddr    = "KS_NATIVE_ADDR"
	EnvScriptingAddr = "KS_SCRIPTING_ADDR"
	EnvManagedAddr   = "KS_MANAGED_ADDR"
)

// DefaultAddr returns the broker address for f, honouring the environment.
func DefaultAddr(f Flavour) string {
	env, def := "", ""
	switch f {
	case Native:
		env, def = EnvNativeAddr, DefaultNativeAddr
	case Scripting:
		env, def = EnvScriptingAddr, DefaultScriptingAddr
	case Managed:
		env, def = EnvManagedAddr, DefaultManagedAddr
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// Options configures a client.
type Options struct {
	Flavour Flavour
	Addr    string // DefaultAddr(Flavour) when empty

	// KeyStore enables payload sealing. Publications are sealed with KeyID
	// and sealed deliveries are opened before they reach handlers.
	KeyStore *core.KeyStore
	KeyID    uuid.UUID // core.DefaultKeyID when nil

	// DTLS dials managed brokers over DTLS with the KeyID pre-shared key.
	DTLS bool

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// withDefaults validates o and fills in defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Flavour == "" {
		o.Flavour = Native
	}
	if _, err := ParseFlavour(string(o.Flavour)); err != nil {
		return o, err
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr(o.Flavour)
	}
	if o.Addr == "" {
		return o, ErrNoAddress
	}
	if o.KeyID == uuid.Nil {
		o.KeyID = core.DefaultKeyID
	}
	if o.DTLS && o.KeyStore == nil {
		return o, fmt.Errorf("%w: dtls requires a key store", ErrConnectFailed)
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

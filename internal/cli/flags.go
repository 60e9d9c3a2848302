// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/ks/client"
	"github.com/absmach/ks/core"
	"github.com/spf13/cobra"
)

// DefaultTopic is the topic of keystore publishers and subscribers.
const DefaultTopic = "a/b/c"

// clientFlags are shared by pub and sub.
type clientFlags struct {
	Flavour  string
	Addr     string
	Keystore bool
	DTLS     bool
	Timeout  time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Flavour, "flavour", "f", string(client.Native), "client flavour (native|scripting|managed)")
	cmd.Flags().StringVar(&f.Addr, "addr", "", "broker address (default from KS_<FLAVOUR>_ADDR or the flavour default)")
	cmd.Flags().BoolVar(&f.Keystore, "keystore", false, "seal and open payloads with the built-in key store")
	cmd.Flags().BoolVar(&f.DTLS, "dtls", false, "use DTLS-PSK (managed flavour, implies --keystore)")
	cmd.Flags().DurationVar(&f.Timeout, "connect-timeout", client.DefaultConnectTimeout, "connection timeout")
}

func (f *clientFlags) options(logger *slog.Logger) (client.Options, error) {
	flavour, err := client.ParseFlavour(f.Flavour)
	if err != nil {
		return client.Options{}, WrapExitError(ExitCommandError, "invalid --flavour", err)
	}
	if f.DTLS && flavour != client.Managed {
		return client.Options{}, NewExitError(ExitCommandError, fmt.Sprintf("--dtls requires the managed flavour, got %s", flavour))
	}

	opts := client.Options{
		Flavour:        flavour,
		Addr:           f.Addr,
		DTLS:           f.DTLS,
		ConnectTimeout: f.Timeout,
		Logger:         logger,
	}
	if f.Keystore || f.DTLS {
		opts.KeyStore = core.DefaultKeyStore()
	}
	return opts, nil
}

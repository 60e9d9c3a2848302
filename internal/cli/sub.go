// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/absmach/ks/client"
	"github.com/absmach/ks/core"
	"github.com/absmach/ks/interop"
	"github.com/spf13/cobra"
)

// AckPayload is the payload of acknowledgements sent by subscribers.
const AckPayload = "This is an ACK"

// SubOptions holds flags for the sub command.
type SubOptions struct {
	*RootOptions
	clientFlags

	Count  int
	Subs   []string
	Quiet  bool
	Output string
	NoAck  bool
}

// NewSubCommand creates the sub command.
func NewSubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sub [flags] [filter...]",
		Short: "Subscribe and log deliveries",
		Long: `Subscribe to topic filters and write one delivery record per received
publication. All positional filters form one subscription and must all
match; -s adds another subscription from a comma separated filter list.

A record is the publication's topics joined by " | ". Records go to stdout
or -o; payloads and diagnostics go to stderr. "Ready" is printed to stderr
once the broker accepted every subscription.

Publications that request it are acknowledged with "This is an ACK".

Examples:
  ks sub a/b/c
  ks sub -f managed -x 2 'a/+/c'
  ks sub -f scripting --keystore
  ks sub a/# -s x/y,x/z -o deliveries.log`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSub(cmd, opts, args)
		},
	}

	opts.clientFlags.register(cmd)
	cmd.Flags().IntVarP(&opts.Count, "count", "x", 0, "exit after this many deliveries (0 = until interrupted)")
	cmd.Flags().StringArrayVarP(&opts.Subs, "sub", "s", nil, "additional subscription, comma separated filters")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print payloads")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "delivery log file (default stdout)")
	cmd.Flags().BoolVar(&opts.NoAck, "no-ack", false, "never acknowledge")

	return cmd
}

func runSub(cmd *cobra.Command, opts *SubOptions, filters []string) error {
	logger := opts.logger(cmd.ErrOrStderr())

	subs, err := subscriptions(filters, opts.Subs, opts.Keystore)
	if err != nil {
		return err
	}
	if opts.Count < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid count %d", opts.Count))
	}

	copts, err := opts.clientFlags.options(logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return WrapExitError(ExitCommandError, "open output", err)
		}
		defer f.Close()
		out = f
	}

	ctx := cmd.Context()
	c, err := client.Dial(ctx, copts)
	if err != nil {
		return WrapExitError(ExitFailure, "connect", err)
	}
	defer c.Close()

	rec := &recorder{
		out:    out,
		errOut: cmd.ErrOrStderr(),
		quiet:  opts.Quiet,
		limit:  opts.Count,
		done:   make(chan struct{}),
	}
	handler := func(p *core.Publication) {
		reached := rec.record(p)
		if p.AckRequested && !opts.NoAck {
			ack := &core.Ack{PubID: p.ID, SeqNum: p.SeqNum, Payload: []byte(AckPayload)}
			if err := c.Ack(ctx, ack); err != nil {
				logger.Warn("ack_failed", slog.String("pub_id", p.ID.String()), slog.String("error", err.Error()))
			}
		}
		if reached {
			rec.finish()
		}
	}

	for _, filters := range subs {
		if err := c.Subscribe(ctx, filters, handler); err != nil {
			return WrapExitError(ExitFailure, "subscribe "+strings.Join(filters, " "), err)
		}
	}
	fmt.Fprintln(cmd.ErrOrStderr(), interop.ReadyMarker)

	select {
	case <-rec.done:
		return nil
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return NewExitError(ExitFailure, "connection lost")
	}
}

// subscriptions builds the filter lists from positional filters and -s values.
func subscriptions(filters, extra []string, keystore bool) ([][]string, error) {
	var subs [][]string
	if len(filters) == 0 && keystore && len(extra) == 0 {
		filters = []string{DefaultTopic}
	}
	if len(filters) > 0 {
		subs = append(subs, filters)
	}
	for _, s := range extra {
		var fs []string
		for _, f := range strings.Split(s, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fs = append(fs, f)
			}
		}
		if len(fs) == 0 {
			return nil, NewExitError(ExitCommandError, "empty -s subscription")
		}
		subs = append(subs, fs)
	}
	if len(subs) == 0 {
		return nil, NewExitError(ExitCommandError, "at least one filter is required")
	}
	return subs, nil
}

// recorder writes delivery records and counts them.
type recorder struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool
	limit  int

	mu   sync.Mutex
	n    int
	once sync.Once
	done chan struct{}
}

// record logs p and reports whether the delivery limit was reached.
func (r *recorder) record(p *core.Publication) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.out, p.Record())
	r.n++
	if !r.quiet {
		fmt.Fprintf(r.errOut, "Pub %s(%d) matched %s: %s\n", p.ID, p.SeqNum, p.Record(), describePayload(p))
	}
	return r.limit > 0 && r.n >= r.limit
}

func (r *recorder) finish() {
	r.once.Do(func() { close(r.done) })
}

func describePayload(p *core.Publication) string {
	switch {
	case p.Sealed():
		return fmt.Sprintf("<sealed, %d bytes>", len(p.Payload))
	case utf8.Valid(p.Payload):
		return fmt.Sprintf("%q", p.Payload)
	default:
		return fmt.Sprintf("%x", p.Payload)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/ks/client"
	"github.com/absmach/ks/core"
	"github.com/spf13/cobra"
)

// Sequence modes of repeated publications.
const (
	SeqAdvance = "advance" // every repeat gets the next sequence number
	SeqResend  = "resend"  // repeats reuse the first sequence number
)

// Publisher defaults.
const (
	DefaultMessage        = "Hello, ks"
	DefaultKeystoreRepeat = 2
	DefaultAckWait        = 2 * time.Second
)

// PubOptions holds flags for the pub command.
type PubOptions struct {
	*RootOptions
	clientFlags

	Repeat  int
	Seq     string
	Message string
	Ack     bool
	Wait    time.Duration
	TTL     uint32
}

// NewPubCommand creates the pub command.
func NewPubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pub [flags] [topic...]",
		Short: "Publish one publication",
		Long: `Publish one publication to the given topics and exit.

-x repeats the publication. Plain publishers resend the same sequence
number, which the broker delivers once; keystore publishers give every
repeat the next sequence number. --seq overrides either default.

Keystore publishers default to topic a/b/c, two repeats, sealed payloads
and acknowledgement requests.

Examples:
  ks pub a/b/c
  ks pub -f scripting -x 3 --seq advance a/b/c x/y
  ks pub -f managed --keystore`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPub(cmd, opts, args)
		},
	}

	opts.clientFlags.register(cmd)
	cmd.Flags().IntVarP(&opts.Repeat, "repeat", "x", 1, "number of times to publish (keystore default 2)")
	cmd.Flags().StringVar(&opts.Seq, "seq", "", "sequence mode of repeats (advance|resend)")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", DefaultMessage, "payload")
	cmd.Flags().BoolVarP(&opts.Ack, "ack", "a", false, "request acknowledgements (keystore default)")
	cmd.Flags().DurationVarP(&opts.Wait, "wait", "w", DefaultAckWait, "how long to wait for acknowledgements")
	cmd.Flags().Uint32Var(&opts.TTL, "ttl", 0, "duplicate suppression TTL in seconds (0 = broker default)")

	return cmd
}

func runPub(cmd *cobra.Command, opts *PubOptions, topics []string) error {
	logger := opts.logger(cmd.ErrOrStderr())

	if len(topics) == 0 {
		if !opts.Keystore {
			return NewExitError(ExitCommandError, "at least one topic is required")
		}
		topics = []string{DefaultTopic}
	}

	repeat := opts.Repeat
	if opts.Keystore && !cmd.Flags().Changed("repeat") {
		repeat = DefaultKeystoreRepeat
	}
	if repeat < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid repeat count %d", repeat))
	}

	seq := opts.Seq
	switch {
	case seq == "" && opts.Keystore:
		seq = SeqAdvance
	case seq == "":
		seq = SeqResend
	case seq != SeqAdvance && seq != SeqResend:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --seq %q: must be %s or %s", seq, SeqAdvance, SeqResend))
	}

	copts, err := opts.clientFlags.options(logger)
	if err != nil {
		return err
	}

	pub, err := core.NewPublication(topics, opts.Ack || opts.Keystore)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid topics", err)
	}
	pub.TTL = opts.TTL

	ctx := cmd.Context()
	c, err := client.Dial(ctx, copts)
	if err != nil {
		return WrapExitError(ExitFailure, "connect", err)
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	var acks atomic.Int64
	ackCh := make(chan struct{}, 1)
	c.OnAck(func(a *core.Ack) {
		fmt.Fprintf(out, "Ack %s(%d): %s\n", a.PubID, a.SeqNum, a.Payload)
		acks.Add(1)
		select {
		case ackCh <- struct{}{}:
		default:
		}
	})

	payload := []byte(opts.Message)
	for i := 0; i < repeat; i++ {
		if i == 0 || seq == SeqAdvance {
			pub.Next(payload)
		}
		if err := c.Publish(ctx, pub); err != nil {
			return WrapExitError(ExitFailure, "publish", err)
		}
		logger.Debug("published",
			slog.String("pub_id", pub.ID.String()),
			slog.Uint64("seq", uint64(pub.SeqNum)),
			slog.String("topics", pub.Record()))
	}

	if !pub.AckRequested || opts.Wait <= 0 {
		return nil
	}

	// Each distinct sequence number is acked at least once by every matching subscriber.
	want := int64(pub.SeqNum)
	timer := time.NewTimer(opts.Wait)
	defer timer.Stop()
	for acks.Load() < want {
		select {
		case <-ackCh:
		case <-timer.C:
			logger.Warn("acks_missing",
				slog.Int64("want", want),
				slog.Int64("got", acks.Load()),
				slog.Duration("wait", opts.Wait))
			return nil
		case <-c.Done():
			return NewExitError(ExitFailure, "connection lost while waiting for acks")
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

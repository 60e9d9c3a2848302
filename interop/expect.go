// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ExpectPubReceived checks that sub logged exactly the multiset want. One
// topic path expects a single delivery; no paths expect none.
//
// The log is polled until it holds len(want) records or the subscriber
// exits, then watched for the settle interval to catch surplus deliveries.
func ExpectPubReceived(ctx context.Context, sub *Process, want ...string) error {
	cfg := sub.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.ExpectTimeout)
	defer cancel()

	fail := func(got []string, err error) error {
		missing, unexpected := diff(want, got)
		return &ExpectationError{
			Sub:        sub.Name,
			Want:       append([]string(nil), want...),
			Got:        got,
			Missing:    missing,
			Unexpected: unexpected,
			Err:        err,
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var (
		got    []string
		exited bool
	)
	for {
		// Sampled before the read so a subscriber that logs its last record
		// and exits is seen with that record.
		exited = sub.Exited()
		recs, err := sub.Records()
		switch {
		case errors.Is(err, ErrNoLog):
		case err != nil:
			return err
		default:
			got = recs
		}
		if err == nil && (len(got) >= len(want) || exited) {
			break
		}

		select {
		case <-ctx.Done():
			if errors.Is(err, ErrNoLog) {
				return fail(nil, ErrNoLog)
			}
			return fail(got, ErrTimeout)
		case <-ticker.C:
			continue
		}
	}

	if !exited && cfg.Settle > 0 {
		select {
		case <-sub.Done():
		case <-time.After(cfg.Settle):
		case <-ctx.Done():
		}
		if recs, err := sub.Records(); err == nil {
			got = recs
		}
	}

	if missing, unexpected := diff(want, got); len(missing) > 0 || len(unexpected) > 0 {
		return fail(got, ErrCountMismatch)
	}
	return nil
}

// diff returns the records of want missing from got and the records of got
// not in want, both sorted.
func diff(want, got []string) (missing, unexpected []string) {
	counts := make(map[string]int, len(want))
	for _, w := range want {
		counts[w]++
	}
	for _, g := range got {
		if counts[g] > 0 {
			counts[g]--
			continue
		}
		unexpected = append(unexpected, g)
	}
	for w, n := range counts {
		for ; n > 0; n-- {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string       `json:"scenario"`
	Cases    []CaseResult `json:"cases"`
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name     string        `json:"name"`
	Pass     bool          `json:"pass"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Passed returns the number of passing cases.
func (r *Result) Passed() int {
	n := 0
	for _, c := range r.Cases {
		if c.Pass {
			n++
		}
	}
	return n
}

// Failed returns the number of failing cases.
func (r *Result) Failed() int {
	return len(r.Cases) - r.Passed()
}

// Render returns a deterministic summary. Durations are left out.
func (r *Result) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s: %d/%d passed\n", r.Scenario, r.Passed(), len(r.Cases))
	for _, c := range r.Cases {
		if c.Pass {
			fmt.Fprintf(&b, "  PASS %s\n", c.Name)
			continue
		}
		fmt.Fprintf(&b, "  FAIL %s\n", c.Name)
		for _, line := range strings.Split(c.Error, "\n") {
			fmt.Fprintf(&b, "       %s\n", strings.TrimSpace(line))
		}
	}
	return b.String()
}

// RunScenario runs every case of s in order. A failing step ends its case;
// logs are reset after each case whatever its outcome. Only a cancelled ctx
// stops the scenario early.
func RunScenario(ctx context.Context, h *Harness, s *Scenario) *Result {
	res := &Result{Scenario: s.Name, Cases: make([]CaseResult, 0, len(s.Cases))}
	for _, c := range s.Cases {
		if ctx.Err() != nil {
			res.Cases = append(res.Cases, CaseResult{Name: c.Name, Error: ctx.Err().Error()})
			continue
		}

		start := time.Now()
		err := runCase(ctx, h, c)
		if rerr := h.ResetLogs(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("reset logs: %w", rerr))
		}

		cr := CaseResult{Name: c.Name, Pass: err == nil, Duration: time.Since(start)}
		if err != nil {
			cr.Error = err.Error()
		}
		h.logger.Info("interop_case",
			slog.String("scenario", s.Name),
			slog.String("case", c.Name),
			slog.Bool("pass", cr.Pass),
			slog.Duration("duration", cr.Duration))
		res.Cases = append(res.Cases, cr)
	}
	return res
}

func runCase(ctx context.Context, h *Harness, c Case) error {
	subs := map[string]*Process{}
	var last *Process

	for i, st := range c.Steps {
		var err error
		switch {
		case st.Sub != nil:
			var p *Process
			p, err = h.Sub(ctx, st.Sub.Flavour, st.Sub.Keystore, st.Sub.Args)
			if err == nil {
				subs[subName(st.Sub)] = p
				last = p
			}
		case st.Pub != nil:
			err = h.Pub(ctx, st.Pub.Flavour, st.Pub.Keystore, st.Pub.Args)
		case st.Expect != nil:
			p := last
			if st.Expect.Sub != "" {
				p = subs[st.Expect.Sub]
			}
			if p == nil {
				err = fmt.Errorf("%w %q", ErrUnknownSub, st.Expect.Sub)
				break
			}
			err = ExpectPubReceived(ctx, p, st.Expect.Want...)
		case st.Reset:
			err = h.ResetLogs()
			clear(subs)
			last = nil
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/absmach/ks/config"
	"github.com/absmach/ks/interop"
	"github.com/absmach/ks/interop/report"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// InteropOptions holds flags for the interop run command.
type InteropOptions struct {
	*RootOptions
	Config string
	Report string
	Filter string
}

// InteropSummary is the JSON output of interop run.
type InteropSummary struct {
	RunID     string            `json:"run_id"`
	Scenarios []*interop.Result `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
}

// NewInteropCommand creates the interop command group.
func NewInteropCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interop",
		Short: "Cross-flavour interoperability tests",
	}
	cmd.AddCommand(newInteropRunCommand(rootOpts))
	return cmd
}

func newInteropRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InteropOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [scenario-file-or-dir...]",
		Short: "Run interop scenarios",
		Long: `Run interop scenarios against a ksd broker.

Every case spawns ks subscribers and publishers as separate processes and
checks the delivery records of the subscribers. Scenario files default to
the scenarios listed in the harness configuration.

Exit codes:
  0 - All cases passed
  1 - One or more cases failed
  2 - Command error (invalid configuration, scenario not found, etc.)

Examples:
  ks interop run interop/testdata/scenarios
  ks interop run --config harness.yaml --report interop.db
  ks interop run --filter 'keystore-*' --format json scenarios/`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInterop(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "harness configuration file")
	cmd.Flags().StringVar(&opts.Report, "report", "", "SQLite report database (overrides the configuration)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern")

	return cmd
}

func runInterop(cmd *cobra.Command, opts *InteropOptions, paths []string) error {
	logger := opts.logger(cmd.ErrOrStderr())

	cfg, err := config.LoadHarness(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "load harness configuration", err)
	}
	if opts.Config == "" {
		// Without a configuration the processes are spawned from this binary.
		if exe, err := os.Executable(); err == nil {
			cfg.Command = []string{exe}
		}
	}
	if opts.Report != "" {
		cfg.Report = opts.Report
	}
	if len(paths) == 0 {
		paths = cfg.Scenarios
	}

	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "find scenarios", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no scenarios found")
	}

	scenarios := make([]*interop.Scenario, 0, len(files))
	for _, f := range files {
		s, err := interop.LoadScenario(f)
		if err != nil {
			return WrapExitError(ExitCommandError, f, err)
		}
		scenarios = append(scenarios, s)
	}

	var store *report.Store
	runID := uuid.New()
	if cfg.Report != "" {
		store, err = report.Open(cfg.Report)
		if err != nil {
			return WrapExitError(ExitCommandError, "open report", err)
		}
		defer store.Close()
		if runID, err = store.BeginRun(cmd.Context()); err != nil {
			return WrapExitError(ExitCommandError, "open report", err)
		}
	}

	summary := InteropSummary{RunID: runID.String()}
	err = interop.Run(cmd.Context(), cfg, logger, func(ctx context.Context, h *interop.Harness) error {
		for _, s := range scenarios {
			res := interop.RunScenario(ctx, h, s)
			summary.Scenarios = append(summary.Scenarios, res)
			summary.Passed += res.Passed()
			summary.Failed += res.Failed()

			if opts.Format == "text" {
				fmt.Fprint(cmd.OutOrStdout(), res.Render())
			}
			if store != nil {
				if err := store.Record(ctx, runID, res); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "interop run", err)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d passed, %d failed\n", summary.Passed, summary.Failed)
	}

	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d interop cases failed", summary.Failed))
	}
	return nil
}

// findScenarioFiles expands directories into their YAML files.
func findScenarioFiles(paths []string, filter string) ([]string, error) {
	var files []string
	for _, root := range paths {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}

			ext := filepath.Ext(path)
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			if filter != "" {
				name := strings.TrimSuffix(filepath.Base(path), ext)
				matched, err := filepath.Match(filter, name)
				if err != nil {
					return fmt.Errorf("invalid filter pattern: %w", err)
				}
				if !matched {
					return nil
				}
			}

			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

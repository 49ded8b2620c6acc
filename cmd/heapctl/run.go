package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/wippyai/scopeheap/scenario"
)

func newRunCmd(opts *options) *cobra.Command {
	var dump, verify bool
	cmd := &cobra.Command{
		Use:   "run <scenario>...",
		Short: "Run scenario files",
		Long: `The run command executes scenario files against a fresh heap each and
reports failures, counters and leaks. Files ending in .yaml or .yml are YAML,
anything else uses the line syntax.

Example:
  heapctl run testdata/cycle.yaml
  heapctl run --verify --dump budget.heap
  heapctl run --json *.heap`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args, dump, verify)
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "Dump the heap after every step")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify heap invariants after every step")
	return cmd
}

func runScenarios(cmd *cobra.Command, opts *options, paths []string, dump, verify bool) error {
	conf, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger, err := conf.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	out := cmd.OutOrStdout()
	var (
		reports []*scenario.Report
		errs    error
	)
	for _, path := range paths {
		sc, err := scenario.Load(appFs, path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		ro := scenario.Options{
			Logger:    logger,
			Verify:    verify,
			DumpEach:  dump,
			Budget:    conf.Budget,
			Pages:     conf.MaxPages,
			StackSize: conf.StackSize,
		}
		if !opts.jsonOut {
			ro.Output = out
		}
		report, err := scenario.Run(cmd.Context(), sc, ro)
		if report != nil {
			reports = append(reports, report)
			if !opts.jsonOut {
				printReport(out, report, err)
			}
		}
		errs = multierr.Append(errs, err)
	}

	if opts.jsonOut {
		if err := printJSON(out, reports); err != nil {
			return err
		}
	}
	return errs
}

func printReport(w io.Writer, r *scenario.Report, err error) {
	status := "ok"
	if err != nil {
		status = "FAILED"
	}
	fmt.Fprintf(w, "%s: %d steps %s\n", r.Name, len(r.Results), status)
	if err != nil {
		fmt.Fprintf(w, "  %v\n", err)
	}
	s := r.Stats
	fmt.Fprintf(w, "  allocs %d, frees %d, moves %d, collections %d (%d freed)\n",
		s.Allocs, s.Frees, s.Moves, s.Collections, s.Collected)
	if r.Leaks.Leaked() {
		fmt.Fprintf(w, "  leaked %d bytes in %d allocations\n", r.Leaks.Bytes, len(r.Leaks.Allocations))
	}
}

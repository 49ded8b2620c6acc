package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// appFs is the filesystem scenario and text files are read from.
var appFs = afero.NewOsFs()

// options holds the persistent flags.
type options struct {
	logLevel  string
	jsonOut   bool
	budget    uint64
	pages     uint32
	stackSize uint32
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "heapctl",
		Short: "Run and inspect scope heap scenarios",
		Long: `heapctl drives a scope-based reference counting heap living in a
WebAssembly linear memory. Scenarios script allocations, scopes, resizes and
collections; the heap is verified and dumped as they run.

Settings can also come from the environment:
  SCOPEHEAP_BUDGET, SCOPEHEAP_MAX_PAGES, SCOPEHEAP_STACK_SIZE, SCOPEHEAP_LOG_LEVEL`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")
	flags.Uint64Var(&opts.budget, "budget", 0, "Heap budget in bytes (0 for the memory limit)")
	flags.Uint32Var(&opts.pages, "pages", 0, "Maximum linear memory pages")
	flags.Uint32Var(&opts.stackSize, "stack-size", 0, "Scope stack size in bytes")

	cmd.AddCommand(
		newRunCmd(opts),
		newLinesCmd(opts),
		newInspectCmd(opts),
	)
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/scopeheap/array"
	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/heap"
)

func newLinesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lines <file>",
		Short: "Print a file's lines through heap arrays",
		Long: `The lines command reads a text file into an array of NUL-terminated
character arrays held by the heap and prints each line with its number.
A small --budget shows the heap running out of memory.

Example:
  heapctl lines LICENSE
  heapctl lines --budget 256 LICENSE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLines(cmd, opts, args[0])
		},
	}
}

func runLines(cmd *cobra.Command, opts *options, path string) error {
	conf, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger, err := conf.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	h, err := heap.NewWithConfig(ctx, conf.HeapConfig(logger))
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(ctx) }()

	lines := array.Null(h, array.HeaderSize)
	line := array.Null(h, 1)

	got, err := readFile(h, path)
	if err != nil {
		if errors.Is(err, heap.ErrExhausted) || errors.Is(err, heap.ErrOverLimit) {
			return fmt.Errorf("ran out of memory: %w", err)
		}
		return err
	}
	lines.Assign(got)

	out := cmd.OutOrStdout()
	for i := uint32(0); i < lines.Len(); i++ {
		el, _ := lines.GetArray(i, 1)
		line.Assign(el)
		raw := line.Raw()
		fmt.Fprintf(out, "%03d:%s\n", i, raw[:len(raw)-1])
	}

	if report := h.Teardown(); report.Leaked() {
		return errors.New(errors.PhaseScope, errors.KindCorrupt).
			Size(report.Bytes).
			Detail("%d allocations leaked", len(report.Allocations)).
			Build()
	}
	return nil
}

// readFile returns an array of lines, each an array of bytes ending in NUL.
func readFile(h *heap.Heap, path string) (array.Array, error) {
	return array.Call(h, array.HeaderSize, func() (array.Array, error) {
		line := array.Null(h, 1)
		lines, err := array.Init(h, array.HeaderSize, 0, 0)
		if err != nil {
			return array.Array{}, err
		}

		f, err := appFs.Open(path)
		if err != nil {
			return array.Array{}, errors.Wrap(errors.PhaseScenario, errors.KindNotFound, err, path)
		}
		defer f.Close()

		r := bufio.NewReader(f)
		for eof := false; !eof; {
			var got array.Array
			got, eof, err = readLine(h, r)
			if err != nil {
				return array.Array{}, err
			}
			line.Assign(got)
			if err := lines.AddArray(line); err != nil {
				return array.Array{}, err
			}
		}
		return lines, nil
	})
}

// readLine reads up to the next newline and reports whether the input
// ended.
func readLine(h *heap.Heap, r io.ByteReader) (array.Array, bool, error) {
	eof := false
	line, err := array.Call(h, 1, func() (array.Array, error) {
		line, err := array.Init(h, 1, 0, 20)
		if err != nil {
			return array.Array{}, err
		}
		for {
			ch, err := r.ReadByte()
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				return array.Array{}, err
			}
			if ch == '\n' {
				break
			}
			if err := line.Add([]byte{ch}); err != nil {
				return array.Array{}, err
			}
		}
		return line, line.Add([]byte{0})
	})
	return line, eof, err
}

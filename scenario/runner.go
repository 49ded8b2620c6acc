package scenario

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/heap"
)

// Options configures a Runner.
type Options struct {
	// Output receives dump output. Defaults to io.Discard.
	Output io.Writer
	// DumpEach dumps the heap after every step.
	DumpEach bool
	// Verify checks heap invariants after every step.
	Verify bool
	Logger *zap.Logger
	// Budget, Pages and StackSize override the scenario's settings when set.
	Budget    uint64
	Pages     uint32
	StackSize uint32
}

// ref names a handle. Embedded handles are resolved through the payload of
// their containing handle on every use, since the payload may move.
type ref struct {
	addr   heap.Addr
	in     string
	offset uint32
}

// Result describes one executed step.
type Result struct {
	Index int    `json:"index"`
	Line  int    `json:"line,omitempty"`
	Op    string `json:"op"`
	Error string `json:"error,omitempty"`
	Usage uint64 `json:"usage"`
}

// Report summarizes a finished run.
type Report struct {
	Name    string           `json:"name"`
	Results []Result         `json:"results"`
	Stats   heap.Stats       `json:"stats"`
	Leaks   *heap.LeakReport `json:"leaks,omitempty"`
}

// Runner executes a scenario step by step against its own heap.
type Runner struct {
	sc     *Scenario
	opts   Options
	h      *heap.Heap
	logger *zap.Logger
	scopes []map[string]ref
	next   int
	failed bool

	lastCollect *heap.CollectStats
	lastExact   *bool
	lastRead    *string
	results     []Result
}

// NewRunner creates a heap configured by the scenario and options.
func NewRunner(ctx context.Context, sc *Scenario, opts Options) (*Runner, error) {
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = heap.Logger()
	}
	cfg := &heap.Config{
		Budget:    sc.Budget,
		MaxPages:  sc.Pages,
		StackSize: sc.StackSize,
		Logger:    logger,
	}
	if opts.Budget != 0 {
		cfg.Budget = opts.Budget
	}
	if opts.Pages != 0 {
		cfg.MaxPages = opts.Pages
	}
	if opts.StackSize != 0 {
		cfg.StackSize = opts.StackSize
	}

	h, err := heap.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		sc:     sc,
		opts:   opts,
		h:      h,
		logger: logger,
		scopes: []map[string]ref{{}},
	}, nil
}

// Run executes every step of sc and tears the heap down.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Report, error) {
	r, err := NewRunner(ctx, sc, opts)
	if err != nil {
		return nil, err
	}
	for !r.Done() {
		if err := r.Step(); err != nil {
			report := r.Report()
			return report, multierr.Append(err, r.Close(ctx))
		}
	}
	report := r.Report()
	report.Leaks = r.Teardown()
	report.Stats = r.h.Stats()
	return report, r.Close(ctx)
}

// Heap returns the heap under test.
func (r *Runner) Heap() *heap.Heap {
	return r.h
}

// Done reports whether every step has run or a step failed.
func (r *Runner) Done() bool {
	return r.failed || r.next >= len(r.sc.Steps)
}

// Position returns the index of the next step.
func (r *Runner) Position() int {
	return r.next
}

// Results returns the results so far.
func (r *Runner) Results() []Result {
	return r.results
}

// Report summarizes the steps run so far.
func (r *Runner) Report() *Report {
	return &Report{Name: r.sc.Name, Results: r.results, Stats: r.h.Stats()}
}

// Step runs the next scenario step.
func (r *Runner) Step() error {
	if r.Done() {
		return nil
	}
	s := r.sc.Steps[r.next]
	r.next++
	return r.Exec(s)
}

// Exec runs one step that need not belong to the scenario. A failed step
// stops the runner; a contract violation also leaves the heap unusable.
func (r *Runner) Exec(s Step) (err error) {
	if r.failed {
		return errors.New(errors.PhaseScenario, errors.KindClosed).Detail("runner stopped after a failure").Build()
	}
	defer func() {
		if p := recover(); p != nil {
			r.failed = true
			if e, ok := p.(*errors.Error); ok {
				err = e
			} else {
				err = errors.New(errors.PhaseScenario, errors.KindCorrupt).Value(p).Detail("%v", p).Build()
			}
			err = r.stepError(s, err)
			r.record(s, err)
		}
	}()

	opErr := r.exec(s)
	wantErr := s.Expect != nil && s.Expect.Error != ""
	switch {
	case opErr != nil && wantErr:
		opErr = r.expectError(s, opErr)
	case opErr == nil && wantErr:
		opErr = errors.Expectation(s.Op+" error", s.Expect.Error, "success")
	case opErr == nil:
		opErr = r.check(s)
	}
	if opErr == nil && r.opts.Verify {
		opErr = r.h.Verify()
	}
	if opErr == nil && r.opts.DumpEach {
		fmt.Fprintf(r.opts.Output, "# %s\n", describe(s))
		opErr = r.h.Dump(r.opts.Output)
	}

	if opErr != nil {
		r.failed = true
		opErr = r.stepError(s, opErr)
	}
	r.record(s, opErr)
	return opErr
}

func (r *Runner) record(s Step, err error) {
	res := Result{Index: len(r.results), Line: s.Line, Op: s.Op, Usage: r.h.Usage()}
	if err != nil {
		res.Error = err.Error()
	}
	r.results = append(r.results, res)
}

func (r *Runner) stepError(s Step, err error) error {
	return errors.New(errors.PhaseScenario, kindOf(err)).
		Cause(err).
		Value(s.Line).
		Detail("step %d (line %d) %s", len(r.results), s.Line, describe(s)).
		Build()
}

// expectError consumes an error the step was expected to produce.
func (r *Runner) expectError(s Step, err error) error {
	if got := kindOf(err); string(got) != s.Expect.Error {
		return errors.Expectation(s.Op+" error", s.Expect.Error, string(got))
	}
	r.logger.Debug("expected failure", zap.String("op", s.Op), zap.Error(err))
	return nil
}

func kindOf(err error) errors.Kind {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return errors.KindInvalidData
}

// Teardown exits all scopes and reports leaks.
func (r *Runner) Teardown() *heap.LeakReport {
	if r.failed {
		return nil
	}
	r.scopes = r.scopes[:1]
	return r.h.Teardown()
}

// Close releases the heap. After a contract violation the heap may be
// too damaged to tear down; the panic is reported as an error.
func (r *Runner) Close(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New(errors.PhaseScenario, errors.KindCorrupt).
				Value(p).
				Detail("close after failure: %v", p).
				Build()
		}
	}()
	return r.h.Close(ctx)
}

func describe(s Step) string {
	switch s.Op {
	case OpAssign, OpAssignGlobal:
		return fmt.Sprintf("%s %s %s", s.Op, s.To, orNil(s.From))
	case OpEmbed:
		return fmt.Sprintf("%s %s %s %d %s", s.Op, s.Name, s.In, s.Offset, s.From)
	case OpBind, OpResize, OpReturnNew:
		return fmt.Sprintf("%s %s %d", s.Op, s.Name, s.Size)
	case OpReturn:
		return fmt.Sprintf("%s %s", s.Op, s.From)
	case OpLocal, OpGlobal, OpWrite, OpRead:
		return fmt.Sprintf("%s %s", s.Op, s.Name)
	case OpBudget:
		return fmt.Sprintf("%s %d", s.Op, s.Size)
	default:
		return s.Op
	}
}

func orNil(name string) string {
	if name == "" {
		return "nil"
	}
	return name
}

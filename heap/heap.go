package heap

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/scopeheap"
	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/internal/blocks"
	"github.com/wippyai/scopeheap/memory"
)

// Addr is an address in linear memory.
type Addr uint32

func (a Addr) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

const (
	// Nil is the "no target" address. Root lists also end with Nil.
	Nil Addr = 0

	// listEnd terminates discovery lists. It is distinct from Nil so list
	// rewriting during relocation never mistakes it for a root list end.
	listEnd Addr = 0xFFFFFFFF

	// HandleSize is the size of a handle: next (u32) then target (u32).
	HandleSize = 8

	// ReturnSlotSize is a return slot: one handle plus 8 auxiliary bytes.
	ReturnSlotSize = 16

	// Overhead is the per-allocation byte cost counted by the budget.
	Overhead = blocks.HeaderSize

	// DefaultStackSize is the default scope stack region size.
	DefaultStackSize = 64 << 10

	guardSize = 16
)

var (
	// ErrExhausted matches allocation failures caused by the budget or by
	// linear memory that cannot grow.
	ErrExhausted = &errors.Error{Kind: errors.KindExhausted}

	// ErrOverLimit matches requests larger than the budget itself.
	ErrOverLimit = &errors.Error{Kind: errors.KindOverLimit}
)

// Config holds configuration for heap creation
type Config struct {
	// Memory is an existing linear memory to manage. When nil the heap
	// creates and owns a wazero memory sized by InitialPages and MaxPages.
	Memory scopeheap.LinearMemory

	// Base is the first address the heap may use in Memory. Everything below
	// is left to the embedder.
	Base uint32

	// InitialPages is the initial size of an owned memory (default: enough
	// for the stack region plus one page).
	InitialPages uint32

	// MaxPages caps growth of an owned memory (default memory.MaxPages).
	MaxPages uint32

	// StackSize is the scope stack region in bytes (default DefaultStackSize).
	StackSize uint32

	// Budget is the initial byte ceiling. 0 means the absolute maximum.
	Budget uint64

	// Logger overrides the package logger.
	Logger *zap.Logger
}

// Heap is a scope-based, reference-counted allocator over linear memory.
// A Heap models a single call stack and is not safe for concurrent use.
type Heap struct {
	mem       scopeheap.LinearMemory
	owned     *memory.Linear
	blocks    *blocks.Allocator
	table     *table
	referrers map[Addr]map[Addr]struct{}
	logger    *zap.Logger
	observers []Observer

	base    *Frame
	current *Frame

	stackBase  Addr
	stackLimit Addr
	stackTop   Addr

	usage     uint64
	budget    uint64
	maxBudget uint64

	counters counters
	closed   bool
	leaks    *LeakReport
}

type counters struct {
	allocs      uint64
	frees       uint64
	moves       uint64
	collections uint64
	collected   uint64
}

// New creates a heap with its own linear memory and default configuration.
func New(ctx context.Context) (*Heap, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates a heap with custom configuration
func NewWithConfig(ctx context.Context, cfg *Config) (*Heap, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	stackSize := cfg.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	stackSize = (stackSize + 7) &^ 7
	if stackSize < 2*ReturnSlotSize {
		return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("stack size %d too small", stackSize))
	}

	stackBase := uint64(cfg.Base+guardSize+7) &^ 7
	heapBase := stackBase + uint64(stackSize)

	maxPages := cfg.MaxPages
	if maxPages == 0 || maxPages > memory.MaxPages {
		maxPages = memory.MaxPages
	}
	if heapBase >= uint64(maxPages)*memory.PageSize {
		return nil, errors.InvalidInput(errors.PhaseConfig,
			fmt.Sprintf("stack region ends at %d beyond %d pages", heapBase, maxPages))
	}

	h := &Heap{
		referrers: make(map[Addr]map[Addr]struct{}),
		table:     newTable(),
		logger:    cfg.Logger,
	}
	if h.logger == nil {
		h.logger = Logger()
	}

	if cfg.Memory != nil {
		h.mem = cfg.Memory
		for uint64(h.mem.Size()) < heapBase {
			if _, ok := h.mem.Grow(1); !ok {
				return nil, errors.New(errors.PhaseConfig, errors.KindExhausted).
					Detail("memory cannot hold the stack region").Build()
			}
		}
	} else {
		pages := cfg.InitialPages
		if need := uint32(heapBase/memory.PageSize) + 1; pages < need {
			pages = need
		}
		if pages > maxPages {
			pages = maxPages
		}
		mem, err := memory.New(ctx, pages, maxPages)
		if err != nil {
			return nil, err
		}
		h.mem = mem
		h.owned = mem
	}

	if err := h.mem.Zero(uint32(stackBase), stackSize); err != nil {
		return nil, multierr.Append(err, h.closeMemory(ctx))
	}

	h.stackBase = Addr(stackBase)
	h.stackLimit = Addr(heapBase)
	h.stackTop = h.stackBase
	h.blocks = blocks.New(h.mem, uint32(heapBase))
	h.maxBudget = uint64(maxPages)*memory.PageSize - heapBase
	h.budget = h.maxBudget
	if cfg.Budget > 0 && cfg.Budget < h.maxBudget {
		h.budget = cfg.Budget
	}

	ret := h.reserveStack(ReturnSlotSize)
	h.base = &Frame{roots: ret, ret: ret, mark: h.stackBase, File: "base", Line: 0}
	h.current = h.base

	h.logger.Debug("heap created",
		zap.Stringer("stack", h.stackBase),
		zap.Uint32("stack_size", stackSize),
		zap.Uint64("budget", h.budget),
		zap.Uint64("max_budget", h.maxBudget),
	)
	return h, nil
}

// LeakReport describes what was still allocated when the base scope exited.
type LeakReport struct {
	Bytes       uint64           `json:"bytes"`
	Allocations []AllocationInfo `json:"allocations"`
}

// Leaked reports whether anything was left behind.
func (r *LeakReport) Leaked() bool {
	return r != nil && (r.Bytes > 0 || len(r.Allocations) > 0)
}

// Teardown exits every open scope and the base scope, releasing global
// handles, and reports what remains allocated. Leaks are logged, never
// fatal. Further operations on the heap panic.
func (h *Heap) Teardown() *LeakReport {
	if h.closed {
		return h.leaks
	}

	for h.current != h.base {
		h.logger.Warn("scope still open at teardown",
			zap.String("file", h.current.File),
			zap.Int("line", h.current.Line),
		)
		h.pop()
	}
	h.releaseList(h.base.roots, Nil)
	h.base.roots = h.base.ret

	report := &LeakReport{Bytes: h.usage}
	h.table.each(func(al *allocation) {
		report.Allocations = append(report.Allocations, h.allocationInfo(al, 0))
	})

	if report.Leaked() {
		h.logger.Warn("unfreed memory at teardown",
			zap.Uint64("bytes", report.Bytes),
			zap.Int("allocations", len(report.Allocations)),
		)
		for _, al := range report.Allocations {
			h.logger.Warn("leaked allocation",
				zap.Stringer("addr", al.Addr),
				zap.Uint32("size", al.Size),
				zap.Uint32("refs", al.Refs),
			)
		}
	}

	h.closed = true
	h.leaks = report
	return report
}

// Close tears the heap down and releases memory the heap created.
func (h *Heap) Close(ctx context.Context) error {
	h.Teardown()
	return h.closeMemory(ctx)
}

func (h *Heap) closeMemory(ctx context.Context) error {
	if h.owned == nil {
		return nil
	}
	err := h.owned.Close(ctx)
	h.owned = nil
	return err
}

// Memory returns the linear memory the heap manages.
func (h *Heap) Memory() scopeheap.LinearMemory {
	return h.mem
}

// Target returns the allocation a handle targets, or Nil.
func (h *Heap) Target(handle Addr) Addr {
	h.checkOpen(errors.PhaseAssign)
	return h.target(handle)
}

// Payload returns the payload address of the handle's target, or Nil.
func (h *Heap) Payload(handle Addr) Addr {
	t := h.Target(handle)
	if t == Nil {
		return Nil
	}
	return t + Overhead
}

// Bytes returns a view of the payload of the handle's target. The view
// aliases linear memory and is invalidated by resizes and by memory growth.
func (h *Heap) Bytes(handle Addr) []byte {
	t := h.Target(handle)
	if t == Nil {
		return nil
	}
	al := h.mustGet(errors.PhaseAssign, t)
	view, err := h.mem.Read(uint32(al.payload()), al.size)
	if err != nil {
		panic(errors.Wrap(errors.PhaseMemory, errors.KindCorrupt, err, "payload view"))
	}
	return view
}

// Size returns the payload size of the handle's target, 0 when targetless.
func (h *Heap) Size(handle Addr) uint32 {
	t := h.Target(handle)
	if t == Nil {
		return 0
	}
	return h.mustGet(errors.PhaseAssign, t).size
}

// RefCount returns an allocation's reference count, 0 if it is not live.
func (h *Heap) RefCount(alloc Addr) uint32 {
	h.checkOpen(errors.PhaseAssign)
	if al := h.table.get(alloc); al != nil {
		return al.refs
	}
	return 0
}

// Live reports whether alloc is a live allocation.
func (h *Heap) Live(alloc Addr) bool {
	h.checkOpen(errors.PhaseAssign)
	return h.table.get(alloc) != nil
}

func (h *Heap) checkOpen(phase errors.Phase) {
	if h.closed {
		panic(errors.Closed(phase))
	}
}

func (h *Heap) mustGet(phase errors.Phase, addr Addr) *allocation {
	al := h.table.get(addr)
	if al == nil {
		panic(errors.ContractAt(phase, uint32(addr), "not a live allocation"))
	}
	return al
}

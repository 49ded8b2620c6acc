package heap

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/internal/blocks"
)

// HandleInfo is a handle and what it targets.
type HandleInfo struct {
	Addr   Addr `json:"addr"`
	Target Addr `json:"target"`
}

// FrameInfo describes one open scope.
type FrameInfo struct {
	Depth      int          `json:"depth"`
	File       string       `json:"file"`
	Line       int          `json:"line"`
	ReturnSlot Addr         `json:"return_slot"`
	Roots      []HandleInfo `json:"roots"`
}

// AllocationInfo describes one live allocation.
type AllocationInfo struct {
	Addr    Addr         `json:"addr"`
	Payload Addr         `json:"payload"`
	Size    uint32       `json:"size"`
	Refs    uint32       `json:"refs"`
	Depth   int          `json:"depth"`
	Handles []HandleInfo `json:"handles,omitempty"`
}

// Snapshot is a point-in-time view of the heap, innermost frame first and
// allocations in table pre-order.
type Snapshot struct {
	Frames      []FrameInfo      `json:"frames"`
	Allocations []AllocationInfo `json:"allocations"`
	Usage       uint64           `json:"usage"`
	Budget      uint64           `json:"budget"`
}

// Stats are cumulative heap counters.
type Stats struct {
	Allocations int          `json:"allocations"`
	Frames      int          `json:"frames"`
	Usage       uint64       `json:"usage"`
	Budget      uint64       `json:"budget"`
	MaxBudget   uint64       `json:"max_budget"`
	Allocs      uint64       `json:"allocs"`
	Frees       uint64       `json:"frees"`
	Moves       uint64       `json:"moves"`
	Collections uint64       `json:"collections"`
	Collected   uint64       `json:"collected"`
	StackUsed   uint32       `json:"stack_used"`
	Blocks      blocks.Stats `json:"blocks"`
}

// maxListWalk bounds list walks in diagnostics so a corrupted cycle
// terminates.
const maxListWalk = 1 << 20

// Snapshot captures frames and allocations.
func (h *Heap) Snapshot() Snapshot {
	h.checkOpen(errors.PhaseVerify)
	s := Snapshot{Usage: h.usage, Budget: h.budget}
	for f := h.current; f != nil; f = f.parent {
		s.Frames = append(s.Frames, FrameInfo{
			Depth:      f.Depth(),
			File:       f.File,
			Line:       f.Line,
			ReturnSlot: f.ret,
			Roots:      h.handles(f.roots, Nil),
		})
	}
	h.table.walk(func(al *allocation, depth int) {
		s.Allocations = append(s.Allocations, h.allocationInfo(al, depth))
	})
	return s
}

func (h *Heap) allocationInfo(al *allocation, depth int) AllocationInfo {
	return AllocationInfo{
		Addr:    al.addr,
		Payload: al.payload(),
		Size:    al.size,
		Refs:    al.refs,
		Depth:   depth,
		Handles: h.handles(al.list, listEnd),
	}
}

func (h *Heap) handles(head, end Addr) []HandleInfo {
	var out []HandleInfo
	for p := head; p != end && len(out) < maxListWalk; p = h.next(p) {
		out = append(out, HandleInfo{Addr: p, Target: h.target(p)})
		if h.next(p) == p {
			break
		}
	}
	return out
}

// Dump writes a human-readable listing of frames and allocations.
func (h *Heap) Dump(w io.Writer) error {
	s := h.Snapshot()
	var b strings.Builder

	b.WriteString("---------- FRAMES ----------\n")
	for _, f := range s.Frames {
		fmt.Fprintf(&b, "%s:%d ret:(%s)", filepath.Base(f.File), f.Line, f.ReturnSlot)
		for _, r := range f.Roots {
			fmt.Fprintf(&b, " %s:%s", r.Addr, r.Target)
		}
		b.WriteByte('\n')
	}
	b.WriteString("-------- ALLOCATIONS -------\n")
	for _, a := range s.Allocations {
		fmt.Fprintf(&b, "%s%s ref:%d len:%d", strings.Repeat(".", a.Depth), a.Addr, a.Refs, a.Size)
		for _, r := range a.Handles {
			fmt.Fprintf(&b, " %s:%s", r.Addr, r.Target)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "----- %d of %d bytes -----\n", s.Usage, s.Budget)

	_, err := io.WriteString(w, b.String())
	return err
}

// Stats returns cumulative counters.
func (h *Heap) Stats() Stats {
	depth := 0
	if h.current != nil {
		depth = h.current.Depth()
	}
	return Stats{
		Allocations: h.table.len(),
		Frames:      depth + 1,
		Usage:       h.usage,
		Budget:      h.budget,
		MaxBudget:   h.maxBudget,
		Allocs:      h.counters.allocs,
		Frees:       h.counters.frees,
		Moves:       h.counters.moves,
		Collections: h.counters.collections,
		Collected:   h.counters.collected,
		StackUsed:   uint32(h.stackTop - h.stackBase),
		Blocks:      h.blocks.Stats(),
	}
}

// Verify walks every list and checks the heap's invariants: handles target
// live allocations, every count covers its registered handles, the
// referrer index matches the lists, embedded handles lie inside their
// payloads, and usage matches the table. It returns every violation found.
func (h *Heap) Verify() error {
	h.checkOpen(errors.PhaseVerify)
	var errs error
	fail := func(addr Addr, format string, args ...any) {
		errs = multierr.Append(errs, errors.New(errors.PhaseVerify, errors.KindCorrupt).
			Addr(uint32(addr)).
			Detail(format, args...).
			Build())
	}

	found := make(map[Addr]map[Addr]struct{})
	seen := make(map[Addr]bool)
	visit := func(handle Addr) {
		seen[handle] = true
		t := h.target(handle)
		if t == Nil {
			return
		}
		if h.table.get(t) == nil {
			fail(handle, "target %s is not live", t)
			return
		}
		if found[t] == nil {
			found[t] = make(map[Addr]struct{})
		}
		found[t][handle] = struct{}{}
	}

	for f := h.current; f != nil; f = f.parent {
		n := 0
		last := Nil
		for p := f.roots; p != Nil; p = h.next(p) {
			if n++; n > maxListWalk {
				fail(p, "root list of %s:%d does not terminate", filepath.Base(f.File), f.Line)
				break
			}
			if seen[p] {
				fail(p, "handle linked twice")
				break
			}
			if owner := h.table.contains(p); owner != nil {
				fail(p, "root handle inside allocation %s", owner.addr)
			}
			visit(p)
			last = p
		}
		if last != f.ret {
			fail(f.ret, "root list of %s:%d does not end with the return slot", filepath.Base(f.File), f.Line)
		}
	}

	var usage uint64
	h.table.each(func(al *allocation) {
		usage += uint64(al.size) + Overhead
		if al.refs == 0 {
			fail(al.addr, "live allocation with zero count")
		}
		if al.marked || al.pins > 0 {
			fail(al.addr, "allocation left marked or pinned")
		}
		n := 0
		for p := al.list; p != listEnd; p = h.next(p) {
			if n++; n > maxListWalk {
				fail(p, "discovery list of %s does not terminate", al.addr)
				break
			}
			if seen[p] {
				fail(p, "handle linked twice")
				break
			}
			if !al.holds(p) {
				fail(p, "embedded handle outside payload of %s", al.addr)
			}
			visit(p)
		}
	})
	if usage != h.usage {
		fail(Nil, "usage %d, table holds %d", h.usage, usage)
	}

	h.table.each(func(al *allocation) {
		if n := uint32(len(found[al.addr])); n > al.refs {
			fail(al.addr, "count %d below %d registered handles", al.refs, n)
		}
		if len(found[al.addr]) != len(h.referrers[al.addr]) {
			fail(al.addr, "referrer index holds %d handles, lists hold %d",
				len(h.referrers[al.addr]), len(found[al.addr]))
			return
		}
		for r := range found[al.addr] {
			if _, ok := h.referrers[al.addr][r]; !ok {
				fail(r, "handle missing from referrer index of %s", al.addr)
			}
		}
	})
	for t := range h.referrers {
		if h.table.get(t) == nil {
			fail(t, "referrer index entry for dead allocation")
		}
	}

	return errs
}

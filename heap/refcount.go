package heap

import (
	"go.uber.org/zap"

	"github.com/wippyai/scopeheap/errors"
)

// Allocate grants a zeroed block of size bytes with a count of 1. The
// caller owns that reference until it binds the allocation to a handle
// with Adopt, or releases it with Resize(addr, 0).
//
// Allocate(0) returns Nil without error.
func (h *Heap) Allocate(size uint32) (Addr, error) {
	h.checkOpen(errors.PhaseAlloc)
	if size == 0 {
		return Nil, nil
	}
	if err := h.ensure(errors.PhaseAlloc, uint64(size)+Overhead, uint64(size)+Overhead); err != nil {
		return Nil, err
	}
	addr, err := h.place(errors.PhaseAlloc, size)
	if err != nil {
		return Nil, err
	}

	al := &allocation{addr: addr, size: size, refs: 1, list: listEnd}
	h.table.insert(al)
	h.usage += uint64(size) + Overhead
	h.counters.allocs++

	h.logger.Debug("allocated", zap.Stringer("addr", addr), zap.Uint32("size", size))
	h.emit(Event{Type: EventAllocated, Addr: addr, Size: size})
	return addr, nil
}

// place obtains a zeroed block, collecting once if memory cannot grow.
func (h *Heap) place(phase errors.Phase, size uint32) (Addr, error) {
	addr, err := h.blocks.Alloc(size)
	if err != nil && errors.Is(err, ErrExhausted) {
		h.collect()
		addr, err = h.blocks.Alloc(size)
	}
	if err != nil {
		return Nil, errors.New(phase, errors.KindExhausted).
			Size(uint64(size)).
			Cause(err).
			Detail("linear memory exhausted").
			Build()
	}
	a := Addr(addr)
	if err := h.mem.Zero(uint32(a+Overhead), size); err != nil {
		return Nil, errors.Wrap(phase, errors.KindCorrupt, err, "zero payload")
	}
	return a, nil
}

// dispose releases an allocation's embedded handles and frees its block.
func (h *Heap) dispose(al *allocation) {
	head := al.list
	al.list = listEnd
	h.pin(al)
	h.releaseList(head, listEnd)
	al.pins--
	h.free(al)
}

// free removes a dead allocation from the table and returns its block.
func (h *Heap) free(al *allocation) {
	if refs := h.referrers[al.addr]; len(refs) > 0 {
		for r := range refs {
			h.store(r+4, Nil)
		}
		delete(h.referrers, al.addr)
	}
	h.table.remove(al.addr)
	if err := h.blocks.Free(uint32(al.addr)); err != nil {
		panic(errors.Wrap(errors.PhaseAlloc, errors.KindCorrupt, err, "free block"))
	}
	h.usage -= uint64(al.size) + Overhead
	h.counters.frees++

	h.logger.Debug("freed", zap.Stringer("addr", al.addr), zap.Uint32("size", al.size))
	h.emit(Event{Type: EventFreed, Addr: al.addr, Size: al.size})
}

// Assign makes handle to target whatever handle from targets (Nil for
// none), retaining the new target before releasing the old one. The
// handle is registered where it lives: inside a payload it joins that
// allocation's discovery list; in scope stack memory it joins the owning
// frame's roots; anywhere else it joins the current frame unless a frame
// already holds it.
func (h *Heap) Assign(to, from Addr) {
	h.checkOpen(errors.PhaseAssign)
	h.bind(to, h.target(from))
}

// Bind is Assign with the new target given by address instead of through
// a source handle.
func (h *Heap) Bind(to, alloc Addr) {
	h.checkOpen(errors.PhaseAssign)
	if alloc != Nil {
		h.mustGet(errors.PhaseAssign, alloc)
	}
	h.bind(to, alloc)
}

func (h *Heap) bind(to, t Addr) {
	if to == Nil {
		panic(errors.Contract(errors.PhaseAssign, "assign to nil handle"))
	}
	owner, frame := h.locate(to)

	old, changed := h.swap(to, t)
	switch {
	case owner != nil:
		if !h.listContains(owner.list, listEnd, to) {
			h.store(to, owner.list)
			owner.list = to
		}
	case frame != nil:
		h.link(frame, to)
	default:
		if h.rooted(to) == nil {
			h.link(h.current, to)
		}
	}
	if changed && old != Nil {
		h.release(old)
	}
}

// AssignGlobal is Assign for handles that must outlive every scope: the
// handle joins the base frame's roots. Handles inside payloads or inside
// the stack memory of a nested frame are rejected.
func (h *Heap) AssignGlobal(to, from Addr) {
	h.checkOpen(errors.PhaseAssign)
	if to == Nil {
		panic(errors.Contract(errors.PhaseAssign, "assign to nil handle"))
	}
	owner, frame := h.locate(to)
	if owner != nil {
		panic(errors.ContractAt(errors.PhaseAssign, uint32(to), "global handle inside allocation %s", owner.addr))
	}
	if frame != nil && frame != h.base {
		panic(errors.ContractAt(errors.PhaseAssign, uint32(to), "global handle in scope at %s:%d", frame.File, frame.Line))
	}
	if f := h.rooted(to); f != nil && f != h.base {
		panic(errors.ContractAt(errors.PhaseAssign, uint32(to), "handle already rooted in scope at %s:%d", f.File, f.Line))
	}

	old, changed := h.swap(to, h.target(from))
	h.link(h.base, to)
	if changed && old != Nil {
		h.release(old)
	}
}

// Adopt binds an allocation returned by Allocate or Resize to a handle,
// taking over the caller's reference instead of retaining.
func (h *Heap) Adopt(to, alloc Addr) {
	h.checkOpen(errors.PhaseAssign)
	if to == Nil {
		panic(errors.Contract(errors.PhaseAssign, "adopt into nil handle"))
	}
	if alloc == Nil {
		h.Assign(to, Nil)
		return
	}
	h.mustGet(errors.PhaseAssign, alloc)
	owner, frame := h.locate(to)

	old := h.target(to)
	if old != alloc {
		h.setTarget(to, alloc)
	}
	switch {
	case owner != nil:
		if !h.listContains(owner.list, listEnd, to) {
			h.store(to, owner.list)
			owner.list = to
		}
	case frame != nil:
		h.link(frame, to)
	default:
		if h.rooted(to) == nil {
			h.link(h.current, to)
		}
	}
	// Adopting into a handle that already holds alloc leaves one reference
	// too many.
	if old != Nil {
		h.release(old)
	}
}

// swap retains t, writes it into handle and returns the previous target.
func (h *Heap) swap(handle, t Addr) (Addr, bool) {
	old := h.target(handle)
	if old == t {
		return Nil, false
	}
	h.retain(t)
	h.setTarget(handle, t)
	return old, true
}

// locate classifies a handle address. It returns the allocation whose
// payload holds it, or the frame whose stack memory holds it, or neither
// for memory the heap does not manage.
func (h *Heap) locate(handle Addr) (*allocation, *Frame) {
	if al := h.table.contains(handle); al != nil {
		if !al.holds(handle) {
			panic(errors.ContractAt(errors.PhaseAssign, uint32(handle), "handle straddles end of allocation %s", al.addr))
		}
		return al, nil
	}
	if handle >= h.stackBase && handle < h.stackLimit {
		f := h.frameOwning(handle)
		if f == nil {
			panic(errors.ContractAt(errors.PhaseAssign, uint32(handle), "handle above the scope stack top"))
		}
		return nil, f
	}
	if h.blocks.Contains(uint32(handle)) {
		panic(errors.ContractAt(errors.PhaseAssign, uint32(handle), "handle in unallocated heap memory"))
	}
	return nil, nil
}

// rooted returns the frame whose root list holds handle.
func (h *Heap) rooted(handle Addr) *Frame {
	for f := h.current; f != nil; f = f.parent {
		if h.listContains(f.roots, Nil, handle) {
			return f
		}
	}
	return nil
}

func (h *Heap) link(f *Frame, handle Addr) {
	if h.listContains(f.roots, Nil, handle) {
		return
	}
	h.store(handle, f.roots)
	f.roots = handle
}

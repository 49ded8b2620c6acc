package heap

import (
	"go.uber.org/zap"

	"github.com/wippyai/scopeheap/errors"
)

// Resize changes an allocation's payload size and returns its address,
// which differs from alloc when the block had to move. Every registered
// handle targeting the allocation and every discovery link inside it
// follows the move.
//
// Shrinking releases the embedded handles that no longer fit. Growing
// zero-fills the new bytes. Resize(Nil, n) allocates; Resize(a, 0)
// releases a's embedded handles, clears every handle targeting it and
// frees it, returning Nil. If the allocation loses its last reference
// while shrinking, it is freed and Nil is returned.
func (h *Heap) Resize(alloc Addr, size uint32) (Addr, error) {
	h.checkOpen(errors.PhaseResize)
	if alloc == Nil {
		return h.Allocate(size)
	}
	al := h.mustGet(errors.PhaseResize, alloc)
	switch {
	case size == 0:
		h.destroy(al)
		return Nil, nil
	case size == al.size:
		return alloc, nil
	case size < al.size:
		return h.shrink(al, size), nil
	default:
		return h.grow(al, size)
	}
}

// ResizeHandle resizes the handle's target. A targetless handle gets a
// fresh allocation bound to it.
func (h *Heap) ResizeHandle(handle Addr, size uint32) (Addr, error) {
	h.checkOpen(errors.PhaseResize)
	if handle == Nil {
		panic(errors.Contract(errors.PhaseResize, "resize through nil handle"))
	}
	t := h.target(handle)
	if t == Nil {
		addr, err := h.Allocate(size)
		if err != nil || addr == Nil {
			return Nil, err
		}
		h.Adopt(handle, addr)
		return addr, nil
	}
	return h.Resize(t, size)
}

func (h *Heap) shrink(al *allocation, size uint32) Addr {
	h.pin(al)
	h.truncate(al, size)
	if _, err := h.blocks.Resize(uint32(al.addr), size); err != nil {
		panic(errors.Wrap(errors.PhaseResize, errors.KindCorrupt, err, "shrink block"))
	}
	h.usage -= uint64(al.size - size)
	al.size = size

	h.logger.Debug("shrunk", zap.Stringer("addr", al.addr), zap.Uint32("size", size))
	return h.unpin(al)
}

// truncate releases and unlinks embedded handles that do not fit in the
// first size bytes of the payload. A handle straddling the boundary is
// truncated.
func (h *Heap) truncate(al *allocation, size uint32) {
	limit := uint64(al.payload()) + uint64(size)
	head, tail := listEnd, Nil
	for p := al.list; p != listEnd; {
		next := h.next(p)
		if uint64(p)+HandleSize > limit {
			h.releaseHandle(p)
		} else {
			if tail == Nil {
				head = p
			} else {
				h.store(tail, p)
			}
			tail = p
		}
		p = next
	}
	if tail != Nil {
		h.store(tail, listEnd)
	}
	al.list = head
}

func (h *Heap) grow(al *allocation, size uint32) (Addr, error) {
	amount := uint64(size) + Overhead
	if amount > h.budget {
		return Nil, errors.OverLimit(errors.PhaseResize, amount, h.budget)
	}

	h.pin(al)
	oldSize := al.size

	if err := h.ensure(errors.PhaseResize, uint64(size-oldSize), amount); err != nil {
		h.unpin(al)
		return Nil, err
	}
	inPlace, err := h.blocks.Resize(uint32(al.addr), size)
	if err != nil {
		panic(errors.Wrap(errors.PhaseResize, errors.KindCorrupt, err, "grow block"))
	}

	if !inPlace {
		// Both blocks exist until the copy completes.
		if err := h.ensure(errors.PhaseResize, amount, amount); err != nil {
			h.unpin(al)
			return Nil, err
		}
		addr, err := h.place(errors.PhaseResize, size)
		if err != nil {
			h.unpin(al)
			return Nil, err
		}
		if err := h.mem.Copy(uint32(addr+Overhead), uint32(al.payload()), oldSize); err != nil {
			panic(errors.Wrap(errors.PhaseResize, errors.KindCorrupt, err, "copy payload"))
		}
		old := al.addr
		h.relocate(al, addr)
		if err := h.blocks.Free(uint32(old)); err != nil {
			panic(errors.Wrap(errors.PhaseResize, errors.KindCorrupt, err, "free moved block"))
		}
		h.counters.moves++

		h.logger.Debug("moved", zap.Stringer("from", old), zap.Stringer("to", addr), zap.Uint32("size", size))
		h.emit(Event{Type: EventMoved, Addr: old, NewAddr: addr, Size: size})
	} else {
		if err := h.mem.Zero(uint32(al.payload())+oldSize, size-oldSize); err != nil {
			panic(errors.Wrap(errors.PhaseResize, errors.KindCorrupt, err, "zero grown tail"))
		}
		h.logger.Debug("grew in place", zap.Stringer("addr", al.addr), zap.Uint32("size", size))
	}

	h.usage += uint64(size - oldSize)
	al.size = size
	return h.unpin(al), nil
}

// relocate moves an allocation's bookkeeping to a block at addr whose
// payload already holds a copy of the old one.
func (h *Heap) relocate(al *allocation, addr Addr) {
	old := al.addr
	shift := func(a Addr) Addr {
		return a - old + addr
	}

	if al.list != listEnd {
		for p := al.list; p != listEnd; {
			np := shift(p)
			next := h.next(np)
			if next != listEnd {
				h.store(np, shift(next))
			}
			if t := h.target(np); t != Nil {
				h.unindex(t, p)
				h.index(t, np)
			}
			p = next
		}
		al.list = shift(al.list)
	}

	if refs := h.referrers[old]; len(refs) > 0 {
		delete(h.referrers, old)
		for r := range refs {
			h.store(r+4, addr)
		}
		h.referrers[addr] = refs
	}

	h.table.remove(old)
	al.addr = addr
	h.table.insert(al)
}

// destroy frees an allocation regardless of its count. Handles that
// targeted it are left targetless.
func (h *Heap) destroy(al *allocation) {
	h.pin(al)
	head := al.list
	al.list = listEnd
	h.releaseList(head, listEnd)
	al.pins--
	h.free(al)
}

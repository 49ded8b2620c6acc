package heap

import (
	"github.com/wippyai/scopeheap/errors"
)

// Handle layout in linear memory:
//
//	+0 next   u32 LE  list link, Nil or listEnd terminated
//	+4 target u32 LE  allocation address or Nil

func (h *Heap) load(addr Addr) Addr {
	v, err := h.mem.ReadU32(uint32(addr))
	if err != nil {
		panic(errors.Wrap(errors.PhaseMemory, errors.KindContract, err, "handle read"))
	}
	return Addr(v)
}

func (h *Heap) store(addr, v Addr) {
	if err := h.mem.WriteU32(uint32(addr), uint32(v)); err != nil {
		panic(errors.Wrap(errors.PhaseMemory, errors.KindContract, err, "handle write"))
	}
}

func (h *Heap) next(handle Addr) Addr {
	return h.load(handle)
}

func (h *Heap) target(handle Addr) Addr {
	if handle == Nil {
		return Nil
	}
	return h.load(handle + 4)
}

// setTarget writes a handle's target and keeps the referrer index in step.
// Reference counts are not touched.
func (h *Heap) setTarget(handle, t Addr) {
	if old := h.target(handle); old != Nil {
		h.unindex(old, handle)
	}
	h.store(handle+4, t)
	if t != Nil {
		h.index(t, handle)
	}
}

func (h *Heap) index(t, handle Addr) {
	set := h.referrers[t]
	if set == nil {
		set = make(map[Addr]struct{})
		h.referrers[t] = set
	}
	set[handle] = struct{}{}
}

func (h *Heap) unindex(t, handle Addr) {
	set := h.referrers[t]
	if set == nil {
		return
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(h.referrers, t)
	}
}

// counted returns how many registered handles target an allocation.
func (h *Heap) counted(t Addr) uint32 {
	return uint32(len(h.referrers[t]))
}

func (h *Heap) retain(t Addr) {
	if t == Nil {
		return
	}
	h.mustGet(errors.PhaseAssign, t).refs++
}

// release drops one reference. An allocation whose count reaches zero is
// disposed, cascading through the handles embedded in its payload.
func (h *Heap) release(t Addr) {
	al := h.table.get(t)
	if al == nil {
		panic(errors.Corrupt(uint32(t), "release of unknown allocation"))
	}
	if al.refs == 0 {
		panic(errors.Corrupt(uint32(t), "reference count underflow"))
	}
	al.refs--
	if al.refs > 0 || al.pins > 0 {
		return
	}
	h.dispose(al)
}

// releaseHandle clears a handle and releases what it targeted.
func (h *Heap) releaseHandle(handle Addr) {
	t := h.target(handle)
	if t == Nil {
		return
	}
	h.setTarget(handle, Nil)
	h.release(t)
}

// releaseList releases every handle of a list ending at end.
func (h *Heap) releaseList(head, end Addr) {
	for p := head; p != end; {
		next := h.next(p)
		h.releaseHandle(p)
		p = next
	}
}

func (h *Heap) listContains(head, end, handle Addr) bool {
	for p := head; p != end; p = h.next(p) {
		if p == handle {
			return true
		}
	}
	return false
}

func (h *Heap) pin(al *allocation) {
	al.pins++
}

// unpin drops a pin and disposes the allocation if nothing references it.
func (h *Heap) unpin(al *allocation) Addr {
	al.pins--
	if al.pins == 0 && al.refs == 0 {
		h.dispose(al)
		return Nil
	}
	return al.addr
}

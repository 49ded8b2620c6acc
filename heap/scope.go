package heap

import (
	"runtime"

	"github.com/wippyai/scopeheap/errors"
)

// Frame is one scope on the heap's scope stack. Its root list holds the
// handles released when the scope exits; the list always ends with the
// frame's return slot.
type Frame struct {
	parent *Frame
	roots  Addr
	ret    Addr
	mark   Addr

	// File and Line record where the scope was entered.
	File string
	Line int
}

// ReturnSlot is the address of the frame's 16-byte return slot. A callee's
// Return writes into its caller's slot.
func (f *Frame) ReturnSlot() Addr {
	return f.ret
}

// Parent returns the enclosing frame, nil for the base frame.
func (f *Frame) Parent() *Frame {
	return f.parent
}

// Depth is 0 for the base frame.
func (f *Frame) Depth() int {
	d := 0
	for p := f.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Enter pushes a new scope. Each Enter is paired with one Exit or Return.
func (h *Heap) Enter() *Frame {
	return h.enter(2)
}

func (h *Heap) enter(skip int) *Frame {
	h.checkOpen(errors.PhaseScope)
	_, file, line, _ := runtime.Caller(skip)
	mark := h.stackTop
	ret := h.reserveStack(ReturnSlotSize)
	f := &Frame{
		parent: h.current,
		roots:  ret,
		ret:    ret,
		mark:   mark,
		File:   file,
		Line:   line,
	}
	h.current = f
	return f
}

// Exit pops the current scope, releasing every handle in its root list.
func (h *Heap) Exit() {
	h.checkOpen(errors.PhaseScope)
	if h.current == h.base {
		panic(errors.Contract(errors.PhaseScope, "exit of base scope, use Teardown"))
	}
	h.pop()
}

func (h *Heap) pop() {
	f := h.current
	h.releaseList(f.roots, Nil)
	h.current = f.parent
	h.stackTop = f.mark
}

// unwind pops frames until f itself has been popped.
func (h *Heap) unwind(f *Frame) {
	if !h.onStack(f) {
		return
	}
	for h.current != f.parent {
		h.pop()
	}
}

func (h *Heap) onStack(f *Frame) bool {
	for c := h.current; c != nil; c = c.parent {
		if c == f {
			return true
		}
	}
	return false
}

// Current returns the innermost scope.
func (h *Heap) Current() *Frame {
	return h.current
}

// Scope runs fn inside a new scope that is exited when fn returns or
// panics, including any scopes fn left open.
func (h *Heap) Scope(fn func() error) error {
	f := h.enter(2)
	defer h.unwind(f)
	return fn()
}

// Call runs fn inside a new scope and returns the handle fn produced
// through the caller's return slot. On error the scope is exited and
// Nil is returned.
func (h *Heap) Call(fn func() (Addr, error)) (Addr, error) {
	return h.call(3, HandleSize, fn)
}

// CallWidth is Call for values wider than a handle: width bytes starting
// at the returned handle are copied into the return slot.
func (h *Heap) CallWidth(width uint32, fn func() (Addr, error)) (Addr, error) {
	return h.call(3, width, fn)
}

func (h *Heap) call(skip int, width uint32, fn func() (Addr, error)) (Addr, error) {
	f := h.enter(skip)
	returned := false
	defer func() {
		if !returned {
			h.unwind(f)
		}
	}()

	value, err := fn()
	if err != nil {
		return Nil, err
	}
	if !h.onStack(f) {
		returned = true
		panic(errors.Contract(errors.PhaseScope, "scope exited inside Call"))
	}
	for h.current != f {
		h.pop()
	}
	slot := h.Return(value, width)
	returned = true
	return slot, nil
}

// Local reserves a zeroed, targetless handle in the current scope's stack
// memory. It is registered with the scope on its first Assign.
func (h *Heap) Local() Addr {
	h.checkOpen(errors.PhaseScope)
	return h.reserveStack(HandleSize)
}

// Reserve reserves n zeroed bytes of scope stack memory, 8-byte aligned,
// for values that embed a handle and auxiliary fields.
func (h *Heap) Reserve(n uint32) Addr {
	h.checkOpen(errors.PhaseScope)
	if n < HandleSize {
		n = HandleSize
	}
	return h.reserveStack(n)
}

// Global reserves a handle in the base scope. It is only valid while no
// nested scope is open.
func (h *Heap) Global() Addr {
	h.checkOpen(errors.PhaseScope)
	if h.current != h.base {
		panic(errors.Contract(errors.PhaseScope, "global reserved inside nested scope"))
	}
	return h.reserveStack(HandleSize)
}

// BindLocal allocates size bytes and binds them to a new local handle
// that the current scope releases on exit.
func (h *Heap) BindLocal(size uint32) (Addr, error) {
	slot := h.Local()
	addr, err := h.Allocate(size)
	if err != nil {
		return Nil, err
	}
	if addr != Nil {
		h.setTarget(slot, addr)
	}
	h.link(h.current, slot)
	return slot, nil
}

// Return hands a value back to the enclosing scope and exits the current
// one. The value's target is retained before the current scope's roots
// are released, so a value held by a local survives. width bytes starting
// at value are copied into the caller's return slot: the handle plus up
// to 8 auxiliary bytes. value may be Nil, which clears the slot.
func (h *Heap) Return(value Addr, width uint32) Addr {
	h.checkOpen(errors.PhaseScope)
	f := h.current
	if f == h.base {
		panic(errors.Contract(errors.PhaseScope, "return from base scope"))
	}
	if width < HandleSize || width > ReturnSlotSize {
		panic(errors.Contract(errors.PhaseScope, "return width %d outside [%d, %d]", width, HandleSize, ReturnSlotSize))
	}

	buf := make([]byte, width)
	t := Nil
	if value != Nil {
		view, err := h.mem.Read(uint32(value), width)
		if err != nil {
			panic(errors.Wrap(errors.PhaseScope, errors.KindContract, err, "return value read"))
		}
		copy(buf, view)
		t = h.target(value)
	}

	slot := f.parent.ret
	h.retain(t)
	if old := h.target(slot); old != Nil {
		h.setTarget(slot, Nil)
		h.release(old)
	}

	if err := h.mem.Write(uint32(slot), buf); err != nil {
		panic(errors.Wrap(errors.PhaseScope, errors.KindCorrupt, err, "return slot write"))
	}
	// The slot stays the tail of the caller's roots.
	h.store(slot, Nil)
	if t != Nil {
		h.index(t, slot)
	}

	h.pop()
	return slot
}

// ReturnNew allocates size bytes directly into the current scope's return
// slot, releasing whatever it held. The scope stays open.
func (h *Heap) ReturnNew(size uint32) (Addr, error) {
	h.checkOpen(errors.PhaseScope)
	slot := h.current.ret
	if old := h.target(slot); old != Nil {
		h.setTarget(slot, Nil)
		h.release(old)
	}
	if err := h.mem.Zero(uint32(slot+HandleSize), ReturnSlotSize-HandleSize); err != nil {
		panic(errors.Wrap(errors.PhaseScope, errors.KindCorrupt, err, "return slot clear"))
	}

	addr, err := h.Allocate(size)
	if err != nil {
		return Nil, err
	}
	if addr != Nil {
		h.setTarget(slot, addr)
	}
	return slot, nil
}

func (h *Heap) reserveStack(n uint32) Addr {
	size := (uint64(n) + 7) &^ 7
	if uint64(h.stackTop)+size > uint64(h.stackLimit) {
		panic(errors.New(errors.PhaseScope, errors.KindContract).
			Addr(uint32(h.stackTop)).
			Size(size).
			Detail("scope stack overflow").
			Build())
	}
	n = uint32(size)
	addr := h.stackTop
	if err := h.mem.Zero(uint32(addr), n); err != nil {
		panic(errors.Wrap(errors.PhaseScope, errors.KindCorrupt, err, "stack clear"))
	}
	h.stackTop += Addr(n)
	return addr
}

// frameOwning returns the frame whose stack memory holds addr.
func (h *Heap) frameOwning(addr Addr) *Frame {
	if addr < h.stackBase || addr >= h.stackTop {
		return nil
	}
	for f := h.current; f != nil; f = f.parent {
		if addr >= f.mark {
			return f
		}
	}
	return nil
}

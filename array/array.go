// Package array provides growable arrays stored in a heap allocation.
//
// An array is a 16-byte header (a handle, a u32 element count and 4 bytes
// of padding) pointing at a payload of fixed-size elements. Headers are the
// size of a return slot, so arrays pass between scopes with Return and
// Call. Arrays of arrays store nested headers in their payload; the nested
// handles are registered with the outer allocation and follow it when it
// moves.
package array

import (
	"fmt"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/heap"
)

// HeaderSize is the size of an array header.
const HeaderSize = heap.ReturnSlotSize

const lenOffset = heap.HandleSize

// Array is a view of an array header in linear memory.
type Array struct {
	h    *heap.Heap
	addr heap.Addr
	elem uint32
}

// At views the header at addr as an array of elem-byte elements.
func At(h *heap.Heap, addr heap.Addr, elem uint32) Array {
	if elem == 0 {
		panic(errors.Contract(errors.PhaseAlloc, "array element size 0"))
	}
	return Array{h: h, addr: addr, elem: elem}
}

// Null reserves an empty header in the current scope.
func Null(h *heap.Heap, elem uint32) Array {
	return At(h, h.Reserve(HeaderSize), elem)
}

// Init reserves a header in the current scope with room for reserved
// elements, n of them in use. reserved is raised to n.
func Init(h *heap.Heap, elem, n, reserved uint32) (Array, error) {
	a := Null(h, elem)
	if reserved < n {
		reserved = n
	}
	if reserved == 0 {
		return a, nil
	}
	if _, err := h.ResizeHandle(a.addr, reserved*elem); err != nil {
		return a, err
	}
	a.setLen(n)
	return a, nil
}

// New allocates an array of n elements into the current scope's return
// slot, ready to be returned with Return.
func New(h *heap.Heap, elem, n uint32) (Array, error) {
	slot, err := h.ReturnNew(n * elem)
	if err != nil {
		return Array{}, err
	}
	a := At(h, slot, elem)
	a.setLen(n)
	return a, nil
}

// Call runs fn in a new scope and hands the array it returns to the
// caller's return slot.
func Call(h *heap.Heap, elem uint32, fn func() (Array, error)) (Array, error) {
	slot, err := h.CallWidth(HeaderSize, func() (heap.Addr, error) {
		a, err := fn()
		if err != nil {
			return heap.Nil, err
		}
		return a.addr, nil
	})
	if err != nil {
		return Array{}, err
	}
	return At(h, slot, elem), nil
}

// Addr returns the header address.
func (a Array) Addr() heap.Addr {
	return a.addr
}

// Elem returns the element size.
func (a Array) Elem() uint32 {
	return a.elem
}

// IsNull reports whether the array has no storage.
func (a Array) IsNull() bool {
	return a.addr == heap.Nil || a.h.Target(a.addr) == heap.Nil
}

// Len returns the number of elements in use.
func (a Array) Len() uint32 {
	if a.addr == heap.Nil {
		return 0
	}
	n, err := a.h.Memory().ReadU32(uint32(a.addr + lenOffset))
	if err != nil {
		panic(errors.Wrap(errors.PhaseMemory, errors.KindContract, err, "array length"))
	}
	return n
}

func (a Array) setLen(n uint32) {
	if err := a.h.Memory().WriteU32(uint32(a.addr+lenOffset), n); err != nil {
		panic(errors.Wrap(errors.PhaseMemory, errors.KindContract, err, "array length"))
	}
}

// Cap returns how many elements fit without growing.
func (a Array) Cap() uint32 {
	return a.h.Size(a.addr) / a.elem
}

// Raw returns the elements in use. The view is invalidated when the array
// grows.
func (a Array) Raw() []byte {
	b := a.h.Bytes(a.addr)
	if b == nil {
		return nil
	}
	return b[:a.Len()*a.elem]
}

// Assign makes a share from's storage and length. A zero Array clears a.
func (a Array) Assign(from Array) {
	if from.addr == heap.Nil {
		a.h.Assign(a.addr, heap.Nil)
		a.setLen(0)
		return
	}
	a.h.Assign(a.addr, from.addr)
	a.setLen(from.Len())
}

// AssignGlobal is Assign for headers reserved with heap.Global storage.
func (a Array) AssignGlobal(from Array) {
	if from.addr == heap.Nil {
		a.h.AssignGlobal(a.addr, heap.Nil)
		a.setLen(0)
		return
	}
	a.h.AssignGlobal(a.addr, from.addr)
	a.setLen(from.Len())
}

// Return hands the array to the enclosing scope and exits the current one.
func (a Array) Return() Array {
	return At(a.h, a.h.Return(a.addr, HeaderSize), a.elem)
}

// Add appends one element, doubling storage when full.
func (a Array) Add(value []byte) error {
	if uint32(len(value)) != a.elem {
		return errors.InvalidInput(errors.PhaseAlloc,
			fmt.Sprintf("element of %d bytes in array of %d-byte elements", len(value), a.elem))
	}
	pos, err := a.grow()
	if err != nil {
		return err
	}
	return a.h.Memory().Write(uint32(pos), value)
}

// Get returns a view of element i, nil when i is out of range.
func (a Array) Get(i uint32) []byte {
	if i >= a.Len() {
		return nil
	}
	return a.Raw()[i*a.elem : (i+1)*a.elem]
}

// Set overwrites element i and reports whether i was in range.
func (a Array) Set(i uint32, value []byte) bool {
	if i >= a.Len() || uint32(len(value)) != a.elem {
		return false
	}
	copy(a.Get(i), value)
	return true
}

// AddArray appends a nested array to an array of headers.
func (a Array) AddArray(v Array) error {
	a.mustHoldArrays()
	t, n := a.h.Target(v.addr), v.Len()
	self := t != heap.Nil && t == a.h.Target(a.addr)
	pos, err := a.grow()
	if err != nil {
		return err
	}
	// Growing may have moved a's storage out from under t.
	if self {
		t = a.h.Target(a.addr)
	}
	a.h.Bind(pos, t)
	At(a.h, pos, v.elem).setLen(n)
	return nil
}

// GetArray returns element i of an array of headers as an array of
// elem-byte elements.
func (a Array) GetArray(i, elem uint32) (Array, bool) {
	a.mustHoldArrays()
	if i >= a.Len() {
		return Array{}, false
	}
	return At(a.h, a.element(i), elem), true
}

// SetArray replaces element i of an array of headers.
func (a Array) SetArray(i uint32, v Array) bool {
	a.mustHoldArrays()
	if i >= a.Len() {
		return false
	}
	At(a.h, a.element(i), v.elem).Assign(v)
	return true
}

func (a Array) element(i uint32) heap.Addr {
	return a.h.Payload(a.addr) + heap.Addr(i*a.elem)
}

// grow makes room for one more element and returns its address.
func (a Array) grow() (heap.Addr, error) {
	n := a.Len()
	size := a.h.Size(a.addr)
	if (n+1)*a.elem > size {
		if _, err := a.h.ResizeHandle(a.addr, (size+a.elem)*2); err != nil {
			return heap.Nil, err
		}
	}
	a.setLen(n + 1)
	return a.element(n), nil
}

func (a Array) mustHoldArrays() {
	if a.elem != HeaderSize {
		panic(errors.Contract(errors.PhaseAssign, "array of %d-byte elements does not hold arrays", a.elem))
	}
}

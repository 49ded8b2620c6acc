package blocks

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"github.com/wippyai/scopeheap"
	"github.com/wippyai/scopeheap/errors"
)

const (
	// HeaderSize is the per-block overhead in bytes.
	HeaderSize = 8
	// Align is the alignment of block addresses and payloads.
	Align = 8
	// PageSize is the linear memory growth unit.
	PageSize = 65536

	minSplit       = HeaderSize + Align
	allocatedMagic = 0x50484353 // "SCHP"
)

var (
	// ErrGrowFail indicates linear memory could not be extended.
	ErrGrowFail = &errors.Error{Phase: errors.PhaseAlloc, Kind: errors.KindExhausted, Detail: "linear memory cannot grow"}

	// ErrBadRef indicates an address that is not a live block.
	ErrBadRef = &errors.Error{Phase: errors.PhaseAlloc, Kind: errors.KindInvalidInput, Detail: "not a live block"}
)

var _ scopeheap.Allocator = (*Allocator)(nil)

// Allocator manages [base, memory end) of a linear memory.
type Allocator struct {
	mem       scopeheap.LinearMemory
	free      *redblacktree.Tree // addr -> span
	base      uint32
	end       uint32
	freeBytes uint64
	live      int
	grows     int
}

// Stats describes the physical state of the managed area.
type Stats struct {
	Base       uint32 `json:"base"`
	End        uint32 `json:"end"`
	FreeBytes  uint64 `json:"free_bytes"`
	FreeBlocks int    `json:"free_blocks"`
	LiveBlocks int    `json:"live_blocks"`
	Grows      int    `json:"grows"`
}

// New creates an allocator owning everything from base to the current end of
// mem. base is rounded up to Align.
func New(mem scopeheap.LinearMemory, base uint32) *Allocator {
	base = alignUp(base)
	a := &Allocator{
		mem:  mem,
		free: redblacktree.NewWith(utils.UInt32Comparator),
		base: base,
		end:  base,
	}
	if size := mem.Size(); size > base {
		a.addFree(base, size-base)
		a.end = size
	}
	return a
}

// Alloc returns the address of a block with at least size usable bytes.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	need, ok := spanFor(size)
	if !ok {
		return 0, ErrGrowFail
	}

	addr, found := a.firstFit(need)
	if !found {
		if err := a.grow(need); err != nil {
			return 0, err
		}
		if addr, found = a.firstFit(need); !found {
			return 0, ErrGrowFail
		}
	}

	span := a.takeFree(addr)
	if span-need >= minSplit {
		a.addFree(addr+need, span-need)
		span = need
	}

	if err := a.writeHeader(addr, span); err != nil {
		return 0, err
	}
	a.live++
	return addr, nil
}

// Free returns a block to the free list.
func (a *Allocator) Free(addr uint32) error {
	span, err := a.span(addr)
	if err != nil {
		return err
	}
	if err := a.mem.WriteU32(addr+4, 0); err != nil {
		return err
	}
	a.live--
	a.release(addr, span)
	return nil
}

// Capacity returns the usable bytes of a live block.
func (a *Allocator) Capacity(addr uint32) (uint32, error) {
	span, err := a.span(addr)
	if err != nil {
		return 0, err
	}
	return span - HeaderSize, nil
}

// Resize changes a live block's usable size without moving it. It reports
// false when growing would need bytes that are not free directly after the
// block; shrinking always succeeds.
func (a *Allocator) Resize(addr, size uint32) (bool, error) {
	span, err := a.span(addr)
	if err != nil {
		return false, err
	}
	need, ok := spanFor(size)
	if !ok {
		return false, nil
	}

	switch {
	case need == span:
		return true, nil

	case need < span:
		if span-need >= minSplit {
			a.release(addr+need, span-need)
			return true, a.writeHeader(addr, need)
		}
		return true, nil
	}

	next := addr + span
	nextSpan, free := a.free.Get(next)
	if !free || span+nextSpan.(uint32) < need {
		return false, nil
	}
	total := span + a.takeFree(next)
	if total-need >= minSplit {
		a.addFree(addr+need, total-need)
		total = need
	}
	return true, a.writeHeader(addr, total)
}

// Contains reports whether addr lies in the managed area.
func (a *Allocator) Contains(addr uint32) bool {
	return addr >= a.base && addr < a.end
}

// Base returns the first managed address.
func (a *Allocator) Base() uint32 {
	return a.base
}

// Stats returns a snapshot of the managed area.
func (a *Allocator) Stats() Stats {
	return Stats{
		Base:       a.base,
		End:        a.end,
		FreeBytes:  a.freeBytes,
		FreeBlocks: a.free.Size(),
		LiveBlocks: a.live,
		Grows:      a.grows,
	}
}

func (a *Allocator) span(addr uint32) (uint32, error) {
	if addr < a.base || addr >= a.end || addr%Align != 0 {
		return 0, ErrBadRef
	}
	tag, err := a.mem.ReadU32(addr + 4)
	if err != nil {
		return 0, err
	}
	if tag != allocatedMagic {
		return 0, ErrBadRef
	}
	return a.mem.ReadU32(addr)
}

func (a *Allocator) writeHeader(addr, span uint32) error {
	if err := a.mem.WriteU32(addr, span); err != nil {
		return err
	}
	return a.mem.WriteU32(addr+4, allocatedMagic)
}

func (a *Allocator) firstFit(need uint32) (uint32, bool) {
	it := a.free.Iterator()
	for it.Next() {
		if it.Value().(uint32) >= need {
			return it.Key().(uint32), true
		}
	}
	return 0, false
}

// release puts [addr, addr+span) back, merging with free neighbours.
func (a *Allocator) release(addr, span uint32) {
	if next, ok := a.free.Get(addr + span); ok {
		a.takeFree(addr + span)
		span += next.(uint32)
	}
	if prev, ok := a.free.Floor(addr); ok {
		prevAddr := prev.Key.(uint32)
		prevSpan := prev.Value.(uint32)
		if prevAddr+prevSpan == addr {
			a.takeFree(prevAddr)
			addr = prevAddr
			span += prevSpan
		}
	}
	a.addFree(addr, span)
}

func (a *Allocator) addFree(addr, span uint32) {
	a.free.Put(addr, span)
	a.freeBytes += uint64(span)
}

func (a *Allocator) takeFree(addr uint32) uint32 {
	v, ok := a.free.Get(addr)
	if !ok {
		return 0
	}
	a.free.Remove(addr)
	span := v.(uint32)
	a.freeBytes -= uint64(span)
	return span
}

// grow extends memory so a block of need bytes fits at the end.
func (a *Allocator) grow(need uint32) error {
	tail := uint32(0)
	if last := a.free.Right(); last != nil {
		lastAddr := last.Key.(uint32)
		lastSpan := last.Value.(uint32)
		if lastAddr+lastSpan == a.end {
			tail = lastSpan
		}
	}

	missing := uint64(need - tail)
	pages := (missing + PageSize - 1) / PageSize
	if uint64(a.end)+pages*PageSize > 1<<32-PageSize {
		return ErrGrowFail
	}
	if _, ok := a.mem.Grow(uint32(pages)); !ok {
		return ErrGrowFail
	}
	a.grows++

	oldEnd := a.end
	a.end = a.mem.Size()
	a.release(oldEnd, a.end-oldEnd)
	return nil
}

func spanFor(size uint32) (uint32, bool) {
	total := uint64(size) + HeaderSize
	total = (total + Align - 1) &^ (Align - 1)
	if total > 1<<31 {
		return 0, false
	}
	return uint32(total), true
}

func alignUp(v uint32) uint32 {
	return (v + Align - 1) &^ (Align - 1)
}

package heap

import (
	"go.uber.org/zap"

	"github.com/wippyai/scopeheap/errors"
)

// CollectStats reports what one collection reclaimed.
type CollectStats struct {
	Freed      int    `json:"freed"`
	FreedBytes uint64 `json:"freed_bytes"`
	Live       int    `json:"live"`
}

// Collect reclaims allocations unreachable from any scope's roots, which
// reference counting alone cannot free when they form cycles.
//
// Allocations referenced from outside registered handles (those returned
// by Allocate and not yet adopted) and allocations being resized count as
// roots. Survivors lose the references held by swept allocations.
func (h *Heap) Collect() CollectStats {
	h.checkOpen(errors.PhaseCollect)
	return h.collect()
}

func (h *Heap) collect() CollectStats {
	var work []*allocation
	mark := func(t Addr) {
		if t == Nil {
			return
		}
		al := h.table.get(t)
		if al == nil || al.marked {
			return
		}
		al.marked = true
		work = append(work, al)
	}

	for f := h.current; f != nil; f = f.parent {
		for p := f.roots; p != Nil; p = h.next(p) {
			mark(h.target(p))
		}
	}
	h.table.each(func(al *allocation) {
		if al.pins > 0 || al.refs > h.counted(al.addr) {
			mark(al.addr)
		}
	})

	for len(work) > 0 {
		al := work[len(work)-1]
		work = work[:len(work)-1]
		for p := al.list; p != listEnd; p = h.next(p) {
			mark(h.target(p))
		}
	}

	var dead []*allocation
	h.table.each(func(al *allocation) {
		if !al.marked {
			dead = append(dead, al)
		}
	})

	for _, al := range dead {
		for p := al.list; p != listEnd; p = h.next(p) {
			t := h.target(p)
			if t == Nil {
				continue
			}
			h.setTarget(p, Nil)
			if s := h.table.get(t); s != nil && s.marked {
				if s.refs <= 1 {
					panic(errors.Corrupt(uint32(t), "collected reference was the last one"))
				}
				s.refs--
			}
		}
		al.list = listEnd
	}

	stats := CollectStats{}
	for _, al := range dead {
		stats.Freed++
		stats.FreedBytes += uint64(al.size) + Overhead
		h.free(al)
	}

	h.table.each(func(al *allocation) {
		al.marked = false
	})
	stats.Live = h.table.len()

	h.counters.collections++
	h.counters.collected += uint64(stats.Freed)
	if stats.Freed > 0 {
		h.logger.Debug("collected",
			zap.Int("freed", stats.Freed),
			zap.Uint64("bytes", stats.FreedBytes),
			zap.Int("live", stats.Live),
		)
	}
	h.emit(Event{Type: EventCollected, Count: stats.Freed, Bytes: stats.FreedBytes})
	return stats
}

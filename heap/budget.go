package heap

import (
	"go.uber.org/zap"

	"github.com/wippyai/scopeheap/errors"
)

// ensure checks that amount more bytes fit under the budget, collecting
// once if they do not. request is the size reported when the budget can
// never hold it.
func (h *Heap) ensure(phase errors.Phase, amount, request uint64) error {
	if request > h.budget {
		return errors.OverLimit(phase, request, h.budget)
	}
	if h.usage+amount <= h.budget {
		return nil
	}
	h.collect()
	if h.usage+amount <= h.budget {
		return nil
	}
	h.logger.Debug("budget exhausted",
		zap.Uint64("request", amount),
		zap.Uint64("usage", h.usage),
		zap.Uint64("budget", h.budget),
	)
	return errors.Exhausted(phase, amount, h.usage, h.budget)
}

// SetBudget sets the byte ceiling. A value below current usage (after a
// collection) is raised to usage, a value above MaxBudget is lowered to
// it; in both cases SetBudget returns false.
func (h *Heap) SetBudget(max uint64) bool {
	h.checkOpen(errors.PhaseBudget)
	exact := true
	if max < h.usage {
		h.collect()
	}
	if max < h.usage {
		max = h.usage
		exact = false
	}
	if max > h.maxBudget {
		max = h.maxBudget
		exact = false
	}
	h.budget = max

	if !exact {
		h.logger.Info("budget clamped", zap.Uint64("budget", max), zap.Uint64("usage", h.usage))
	}
	h.emit(Event{Type: EventBudget, Bytes: max})
	return exact
}

// Budget returns the current byte ceiling.
func (h *Heap) Budget() uint64 {
	return h.budget
}

// Usage returns the bytes charged to live allocations, overhead included.
func (h *Heap) Usage() uint64 {
	return h.usage
}

// MaxBudget returns the largest budget the heap's memory can honor.
func (h *Heap) MaxBudget() uint64 {
	return h.maxBudget
}

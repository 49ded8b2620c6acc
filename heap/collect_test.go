package heap

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cycle links two fresh 16-byte allocations to each other and returns them
// with only the cycle keeping them alive.
func cycle(t *testing.T, h *Heap) (Addr, Addr) {
	t.Helper()
	h.Enter()
	x, err := h.BindLocal(16)
	require.NoError(t, err)
	y, err := h.BindLocal(16)
	require.NoError(t, err)
	h.Assign(h.Payload(x), y)
	h.Assign(h.Payload(y), x)
	ax, ay := h.Target(x), h.Target(y)
	h.Exit()
	return ax, ay
}

func TestCollect_Cycle(t *testing.T) {
	h := newHeap(t, nil)

	x, y := cycle(t, h)
	assert.True(t, h.Live(x))
	assert.True(t, h.Live(y))
	assert.Equal(t, uint32(1), h.RefCount(x))
	assert.Equal(t, uint32(1), h.RefCount(y))
	assert.Equal(t, uint64(2*(16+Overhead)), h.Usage())
	require.NoError(t, h.Verify())

	stats := h.Collect()
	assert.Equal(t, 2, stats.Freed)
	assert.Equal(t, uint64(2*(16+Overhead)), stats.FreedBytes)
	assert.Equal(t, 0, stats.Live)
	assert.False(t, h.Live(x))
	assert.False(t, h.Live(y))
	assert.Equal(t, uint64(0), h.Usage())
	require.NoError(t, h.Verify())
}

func TestCollect_KeepsRooted(t *testing.T) {
	h := newHeap(t, nil)
	h.Enter()

	x, err := h.BindLocal(16)
	require.NoError(t, err)
	y, err := h.BindLocal(16)
	require.NoError(t, err)
	h.Assign(h.Payload(x), y)
	h.Assign(h.Payload(y), x)

	stats := h.Collect()
	assert.Equal(t, 0, stats.Freed)
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, uint32(2), h.RefCount(h.Target(x)))
	require.NoError(t, h.Verify())

	h.Exit()
	h.Collect()
	assert.Equal(t, uint64(0), h.Usage())
}

func TestCollect_KeepsReachableThroughPayloads(t *testing.T) {
	h := newHeap(t, nil)
	g := h.Global()

	h.Enter()
	root, err := h.BindLocal(8)
	require.NoError(t, err)
	mid, err := h.BindLocal(8)
	require.NoError(t, err)
	leaf, err := h.BindLocal(8)
	require.NoError(t, err)
	h.Assign(h.Payload(root), mid)
	h.Assign(h.Payload(mid), leaf)
	h.Assign(h.Payload(leaf), root)
	h.AssignGlobal(g, root)
	h.Exit()

	stats := h.Collect()
	assert.Equal(t, 0, stats.Freed)
	assert.Equal(t, 3, stats.Live)
	require.NoError(t, h.Verify())
}

func TestCollect_KeepsUnadoptedAllocations(t *testing.T) {
	h := newHeap(t, nil)

	a, err := h.Allocate(8)
	require.NoError(t, err)

	stats := h.Collect()
	assert.Equal(t, 0, stats.Freed)
	assert.True(t, h.Live(a))

	_, err = h.Resize(a, 0)
	require.NoError(t, err)
}

func TestCollect_AdjustsSurvivorCounts(t *testing.T) {
	h := newHeap(t, nil)
	g := h.Global()

	h.Enter()
	z, err := h.BindLocal(8)
	require.NoError(t, err)
	h.AssignGlobal(g, z)

	x, err := h.BindLocal(16)
	require.NoError(t, err)
	y, err := h.BindLocal(16)
	require.NoError(t, err)
	h.Assign(h.Payload(x), y)
	h.Assign(h.Payload(y), x)
	h.Assign(h.Payload(x)+8, z)
	h.Exit()

	survivor := h.Target(g)
	require.Equal(t, uint32(2), h.RefCount(survivor))

	stats := h.Collect()
	assert.Equal(t, 2, stats.Freed)
	assert.Equal(t, uint32(1), h.RefCount(survivor))
	require.NoError(t, h.Verify())

	report := h.Teardown()
	assert.False(t, report.Leaked())
}

func TestCollect_RunsWhenBudgetExceeded(t *testing.T) {
	h := newHeap(t, nil)
	cycle(t, h)
	require.True(t, h.SetBudget(64))

	a, err := h.Allocate(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Stats().Collections)
	assert.Equal(t, uint64(32+Overhead), h.Usage())

	_, err = h.Resize(a, 0)
	require.NoError(t, err)
}

// TestRandomOperations drives a long sequence of mixed operations and
// checks every invariant after each step. Every reference here is held by a
// registered handle, so counts must match registrations exactly.
func TestRandomOperations(t *testing.T) {
	h := newHeap(t, nil)
	rng := rand.New(rand.NewPCG(7, 11))

	var locals [][]Addr
	enter := func() {
		h.Enter()
		locals = append(locals, nil)
	}
	pick := func() Addr {
		depth := rng.IntN(len(locals))
		if len(locals[depth]) == 0 {
			return Nil
		}
		return locals[depth][rng.IntN(len(locals[depth]))]
	}
	enter()

	for step := 0; step < 3000; step++ {
		top := len(locals) - 1
		switch op := rng.IntN(14); op {
		case 0:
			if len(locals) < 8 {
				enter()
			}
		case 1:
			if len(locals) > 1 {
				h.Exit()
				locals = locals[:top]
			}
		case 2, 3:
			s, err := h.BindLocal(uint32(8 * (1 + rng.IntN(6))))
			require.NoError(t, err)
			locals[top] = append(locals[top], s)
		case 4:
			if from := pick(); from != Nil {
				l := h.Local()
				h.Assign(l, from)
				locals[top] = append(locals[top], l)
			}
		case 5, 6:
			to, from := pick(), pick()
			if to == Nil || from == Nil || h.Target(to) == Nil {
				continue
			}
			slots := h.Size(to) / HandleSize
			if slots == 0 {
				continue
			}
			h.Assign(h.Payload(to)+Addr(rng.IntN(int(slots))*HandleSize), from)
		case 7:
			if s := pick(); s != Nil {
				_, err := h.ResizeHandle(s, uint32(8*rng.IntN(8)))
				require.NoError(t, err)
			}
		case 8:
			if s := pick(); s != Nil {
				h.Assign(s, Nil)
			}
		case 9:
			h.Collect()
		case 10:
			if len(locals) > 1 {
				width := uint32(HandleSize)
				if rng.IntN(2) == 0 {
					width = ReturnSlotSize
				}
				slot := h.Return(pick(), width)
				locals = locals[:top]
				locals[top-1] = append(locals[top-1], slot)
			}
		case 11:
			slot, err := h.ReturnNew(uint32(8 * rng.IntN(4)))
			require.NoError(t, err)
			locals[top] = append(locals[top], slot)
		case 12:
			if s := pick(); s != Nil && h.Target(s) != Nil {
				// Large enough that neighbours force a move.
				_, err := h.ResizeHandle(s, uint32(256+8*rng.IntN(480)))
				require.NoError(t, err)
			}
		case 13:
			h.Collect()
			h.table.each(func(al *allocation) {
				assert.False(t, al.marked, "step %d", step)
				assert.Zero(t, al.pins, "step %d", step)
			})
		}
		require.NoError(t, h.Verify(), "step %d", step)
		h.table.each(func(al *allocation) {
			require.Equal(t, h.counted(al.addr), al.refs,
				"step %d: %s has %d refs, %d handles", step, al.addr, al.refs, h.counted(al.addr))
		})
	}

	for len(locals) > 0 {
		h.Exit()
		locals = locals[:len(locals)-1]
	}
	h.Collect()
	assert.Equal(t, uint64(0), h.Usage())
	assert.Equal(t, 0, h.Stats().Allocations)
	assert.NotZero(t, h.Stats().Moves)
}

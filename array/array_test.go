package array

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/heap"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Close(context.Background())
	})
	return h
}

// word builds a NUL-terminated char array the way a line reader would.
func word(h *heap.Heap, s string) (Array, error) {
	return Call(h, 1, func() (Array, error) {
		a, err := Init(h, 1, 0, 4)
		if err != nil {
			return Array{}, err
		}
		for i := 0; i < len(s); i++ {
			if err := a.Add([]byte{s[i]}); err != nil {
				return Array{}, err
			}
		}
		return a, a.Add([]byte{0})
	})
}

func cstring(a Array) string {
	return strings.TrimRight(string(a.Raw()), "\x00")
}

func TestInit(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a, err := Init(h, 4, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), a.Len())
	assert.Equal(t, uint32(8), a.Cap())
	assert.Len(t, a.Raw(), 8)
	assert.False(t, a.IsNull())

	b, err := Init(h, 1, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), b.Cap())

	c, err := Init(h, 1, 0, 0)
	require.NoError(t, err)
	assert.True(t, c.IsNull())
	assert.Equal(t, uint32(0), c.Cap())
	assert.Nil(t, c.Raw())
}

func TestAdd_Doubles(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a := Null(h, 1)
	caps := []uint32{}
	for _, c := range []byte("0123456789") {
		require.NoError(t, a.Add([]byte{c}))
		caps = append(caps, a.Cap())
	}
	assert.Equal(t, []uint32{2, 2, 6, 6, 6, 6, 14, 14, 14, 14}, caps)
	assert.Equal(t, "0123456789", string(a.Raw()))
	require.NoError(t, h.Verify())
}

func TestAdd_WrongSize(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a := Null(h, 4)
	err := a.Add([]byte{1})
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindInvalidInput})
	assert.Equal(t, uint32(0), a.Len())
}

func TestGetSet(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a, err := Init(h, 2, 3, 0)
	require.NoError(t, err)

	assert.True(t, a.Set(1, []byte{7, 8}))
	assert.Equal(t, []byte{7, 8}, a.Get(1))
	assert.Equal(t, []byte{0, 0}, a.Get(2))
	assert.Nil(t, a.Get(3))
	assert.False(t, a.Set(3, []byte{1, 1}))
	assert.False(t, a.Set(0, []byte{1}))
}

func TestCall_ReturnsHeader(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a, err := word(h, "hi")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), a.Len())
	assert.Equal(t, "hi", cstring(a))
	assert.Equal(t, uint32(1), h.RefCount(h.Target(a.Addr())))
	require.NoError(t, h.Verify())
}

func TestReturn(t *testing.T) {
	h := newHeap(t)
	outer := h.Enter()
	defer h.Exit()

	h.Enter()
	a, err := Init(h, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, a.Add([]byte("x")))
	r := a.Return()

	assert.Equal(t, outer.ReturnSlot(), r.Addr())
	assert.Equal(t, uint32(1), r.Len())
	assert.Equal(t, "x", string(r.Raw()))
}

func TestNew(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	h.Enter()
	a, err := New(h, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), a.Len())
	assert.Equal(t, uint32(3), a.Cap())
	assert.True(t, a.Set(2, []byte{1, 2, 3, 4}))

	r := a.Return()
	assert.Equal(t, uint32(3), r.Len())
	assert.Equal(t, []byte{1, 2, 3, 4}, r.Get(2))
	assert.Equal(t, uint32(1), h.RefCount(h.Target(r.Addr())))
}

func TestAssign(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a, err := Init(h, 1, 2, 0)
	require.NoError(t, err)
	b := Null(h, 1)

	b.Assign(a)
	assert.Equal(t, uint32(2), b.Len())
	assert.Equal(t, h.Target(a.Addr()), h.Target(b.Addr()))
	assert.Equal(t, uint32(2), h.RefCount(h.Target(a.Addr())))

	b.Assign(Array{})
	assert.Equal(t, uint32(0), b.Len())
	assert.True(t, b.IsNull())
	assert.Equal(t, uint32(1), h.RefCount(h.Target(a.Addr())))
}

func TestAssignGlobal(t *testing.T) {
	h := newHeap(t)
	g := At(h, h.Reserve(HeaderSize), 1)

	h.Enter()
	a, err := word(h, "kept")
	require.NoError(t, err)
	g.AssignGlobal(a)
	h.Exit()

	assert.Equal(t, "kept", cstring(g))
	report := h.Teardown()
	assert.False(t, report.Leaked())
}

func TestArrayOfArrays(t *testing.T) {
	h := newHeap(t)
	h.Enter()

	lines, err := Init(h, HeaderSize, 0, 0)
	require.NoError(t, err)

	input := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	for _, s := range input {
		line, err := word(h, s)
		require.NoError(t, err)
		require.NoError(t, lines.AddArray(line))
		require.NoError(t, h.Verify())
	}

	require.Equal(t, uint32(len(input)), lines.Len())
	// The return slot still shares the last line.
	h.Assign(h.Current().ReturnSlot(), heap.Nil)
	for i, s := range input {
		line, ok := lines.GetArray(uint32(i), 1)
		require.True(t, ok)
		assert.Equal(t, s, cstring(line))
		assert.Equal(t, uint32(1), h.RefCount(h.Target(line.Addr())), "line %d", i)
	}
	_, ok := lines.GetArray(uint32(len(input)), 1)
	assert.False(t, ok)

	// Growing a nested array registers its handle with the outer payload.
	first, _ := lines.GetArray(0, 1)
	for i := 0; i < 32; i++ {
		require.NoError(t, first.Add([]byte{'!'}))
	}
	require.NoError(t, h.Verify())

	replacement, err := word(h, "omega")
	require.NoError(t, err)
	require.True(t, lines.SetArray(1, replacement))
	second, _ := lines.GetArray(1, 1)
	assert.Equal(t, "omega", cstring(second))
	assert.False(t, lines.SetArray(99, replacement))
	require.NoError(t, h.Verify())

	h.Exit()
	assert.Equal(t, uint64(0), h.Usage())
}

func TestAddArray_FromOwnElement(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	lines, err := Init(h, HeaderSize, 0, 0)
	require.NoError(t, err)
	w, err := word(h, "self")
	require.NoError(t, err)
	require.NoError(t, lines.AddArray(w))
	require.NoError(t, lines.AddArray(w))

	own, _ := lines.GetArray(1, 1)
	require.NoError(t, lines.AddArray(own))

	last, _ := lines.GetArray(2, 1)
	assert.Equal(t, "self", cstring(last))
	require.NoError(t, h.Verify())
}

func TestAddArray_ItselfWhileMoving(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	lines, err := Init(h, HeaderSize, 0, 0)
	require.NoError(t, err)
	w, err := word(h, "w")
	require.NoError(t, err)
	require.NoError(t, lines.AddArray(w))
	require.NoError(t, lines.AddArray(w))
	require.Equal(t, lines.Len(), lines.Cap())

	// Keep the storage from growing in place.
	_, err = h.BindLocal(64)
	require.NoError(t, err)
	before := h.Target(lines.Addr())

	require.NoError(t, lines.AddArray(lines))

	storage := h.Target(lines.Addr())
	assert.NotEqual(t, before, storage)
	assert.False(t, h.Live(before))
	require.Equal(t, uint32(3), lines.Len())
	nested, ok := lines.GetArray(2, HeaderSize)
	require.True(t, ok)
	assert.Equal(t, storage, h.Target(nested.Addr()))
	assert.Equal(t, uint32(2), nested.Len())
	assert.Equal(t, uint32(2), h.RefCount(storage))
	require.NoError(t, h.Verify())

	// Break the self reference so the scope exit frees everything.
	h.Assign(nested.Addr(), heap.Nil)
	assert.Equal(t, uint32(1), h.RefCount(storage))
	require.NoError(t, h.Verify())
}

func TestArrayOps_RequireHeaders(t *testing.T) {
	h := newHeap(t)
	h.Enter()
	defer h.Exit()

	a := Null(h, 1)
	assert.Panics(t, func() { _ = a.AddArray(Array{}) })
	assert.Panics(t, func() { At(h, heap.Nil, 0) })
}

package blocks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/scopeheap/memory"
)

func newAllocator(t *testing.T, pages, maxPages uint32, base uint32) (*Allocator, *memory.Linear) {
	t.Helper()
	ctx := context.Background()
	mem, err := memory.New(ctx, pages, maxPages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close(ctx) })
	return New(mem, base), mem
}

func TestAlloc_AlignedAndHeadered(t *testing.T) {
	a, mem := newAllocator(t, 1, 4, 100)

	addr, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(104), addr, "base rounds up to alignment")
	assert.Zero(t, addr%Align)

	span, err := mem.ReadU32(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(24), span, "10 bytes + header rounded to 8")

	capacity, err := a.Capacity(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), capacity)
}

func TestAlloc_FirstFitReusesFreedBlock(t *testing.T) {
	a, _ := newAllocator(t, 1, 1, 0)

	first, err := a.Alloc(32)
	require.NoError(t, err)
	second, err := a.Alloc(32)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, a.Free(first))
	again, err := a.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestFree_CoalescesNeighbours(t *testing.T) {
	a, _ := newAllocator(t, 1, 1, 0)

	x, _ := a.Alloc(64)
	y, _ := a.Alloc(64)
	z, _ := a.Alloc(64)
	_, _ = a.Alloc(64) // keeps the tail separate

	before := a.Stats()
	require.NoError(t, a.Free(x))
	require.NoError(t, a.Free(z))
	require.NoError(t, a.Free(y))

	after := a.Stats()
	assert.Equal(t, before.FreeBlocks+1, after.FreeBlocks, "x, y, z merge into one block")
	assert.Equal(t, before.LiveBlocks-3, after.LiveBlocks)

	big, err := a.Alloc(3*64 + 2*HeaderSize)
	require.NoError(t, err)
	assert.Equal(t, x, big)
}

func TestFree_BadRef(t *testing.T) {
	a, _ := newAllocator(t, 1, 1, 0)

	addr, _ := a.Alloc(8)
	require.NoError(t, a.Free(addr))
	assert.ErrorIs(t, a.Free(addr), ErrBadRef, "double free")
	assert.ErrorIs(t, a.Free(addr+3), ErrBadRef, "misaligned")
	assert.ErrorIs(t, a.Free(1<<20), ErrBadRef, "outside area")
}

func TestAlloc_GrowsMemory(t *testing.T) {
	a, mem := newAllocator(t, 1, 4, 0)

	addr, err := a.Alloc(PageSize + 100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), addr, "tail free space is merged with the new pages")
	assert.Equal(t, uint32(2), mem.Pages())
	assert.Equal(t, 1, a.Stats().Grows)
}

func TestAlloc_GrowFails(t *testing.T) {
	a, _ := newAllocator(t, 1, 1, 0)

	_, err := a.Alloc(2 * PageSize)
	assert.ErrorIs(t, err, ErrGrowFail)
}

func TestResize_InPlace(t *testing.T) {
	a, _ := newAllocator(t, 1, 1, 0)

	addr, _ := a.Alloc(32)
	ok, err := a.Resize(addr, 128)
	require.NoError(t, err)
	assert.True(t, ok, "free space follows the block")
	capacity, _ := a.Capacity(addr)
	assert.GreaterOrEqual(t, capacity, uint32(128))

	ok, err = a.Resize(addr, 8)
	require.NoError(t, err)
	assert.True(t, ok)
	capacity, _ = a.Capacity(addr)
	assert.Equal(t, uint32(8), capacity)

	next, err := a.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, addr+16, next, "shrunk tail is reusable")
}

func TestResize_BlockedByNeighbour(t *testing.T) {
	a, _ := newAllocator(t, 1, 1, 0)

	addr, _ := a.Alloc(32)
	_, _ = a.Alloc(32)

	ok, err := a.Resize(addr, 64)
	require.NoError(t, err)
	assert.False(t, ok)
	capacity, _ := a.Capacity(addr)
	assert.Equal(t, uint32(32), capacity, "failed grow leaves the block alone")
}

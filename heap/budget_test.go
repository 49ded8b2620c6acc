package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_OneAllocation(t *testing.T) {
	h := newHeap(t, nil)
	require.True(t, h.SetBudget(32+Overhead))
	h.Enter()

	first, err := h.BindLocal(32)
	require.NoError(t, err)

	_, err = h.BindLocal(32)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.NotErrorIs(t, err, ErrOverLimit)

	h.Assign(first, Nil)
	assert.Equal(t, uint64(0), h.Usage())

	_, err = h.BindLocal(32)
	require.NoError(t, err)
	h.Exit()
}

func TestBudget_OverLimit(t *testing.T) {
	h := newHeap(t, nil)
	require.True(t, h.SetBudget(64))

	_, err := h.Allocate(100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverLimit)
	assert.Equal(t, uint64(0), h.Usage())

	_, err = h.Allocate(uint32(h.MaxBudget()))
	assert.ErrorIs(t, err, ErrOverLimit)
}

func TestSetBudget_ClampsToUsage(t *testing.T) {
	h := newHeap(t, nil)
	h.Enter()
	_, err := h.BindLocal(32)
	require.NoError(t, err)

	assert.False(t, h.SetBudget(10))
	assert.Equal(t, uint64(32+Overhead), h.Budget())
	assert.Equal(t, uint64(32+Overhead), h.Usage())
	h.Exit()
}

func TestSetBudget_CollectsFirst(t *testing.T) {
	h := newHeap(t, nil)
	cycle(t, h)
	require.NotZero(t, h.Usage())

	assert.True(t, h.SetBudget(16))
	assert.Equal(t, uint64(16), h.Budget())
	assert.Equal(t, uint64(0), h.Usage())
}

func TestSetBudget_ClampsToMax(t *testing.T) {
	h := newHeap(t, nil)

	assert.False(t, h.SetBudget(h.MaxBudget()+1))
	assert.Equal(t, h.MaxBudget(), h.Budget())
	assert.True(t, h.SetBudget(h.MaxBudget()))
}

func TestMaxPages_LimitsBudget(t *testing.T) {
	h := newHeap(t, &Config{MaxPages: 2})

	assert.Equal(t, uint64(2*65536)-uint64(h.stackLimit), h.MaxBudget())

	a, err := h.Allocate(60000)
	require.NoError(t, err)
	_, err = h.Allocate(10000)
	assert.ErrorIs(t, err, ErrExhausted)

	_, err = h.Resize(a, 0)
	require.NoError(t, err)
}

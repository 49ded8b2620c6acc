package heap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	events []Event
}

func (r *recorder) OnHeapEvent(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestDump(t *testing.T) {
	h := newHeap(t, nil)
	h.Enter()
	p, err := h.BindLocal(16)
	require.NoError(t, err)
	c, err := h.BindLocal(8)
	require.NoError(t, err)
	h.Assign(h.Payload(p), c)

	var buf bytes.Buffer
	require.NoError(t, h.Dump(&buf))
	out := buf.String()

	assert.Contains(t, out, "---------- FRAMES ----------")
	assert.Contains(t, out, "-------- ALLOCATIONS -------")
	assert.Contains(t, out, "diag_test.go:")
	assert.Contains(t, out, "ref:2 len:8")
	assert.Contains(t, out, "ref:1 len:16 "+h.Payload(p).String()+":"+h.Target(c).String())
	h.Exit()
}

func TestSnapshot(t *testing.T) {
	h := newHeap(t, nil)
	f := h.Enter()
	s, err := h.BindLocal(8)
	require.NoError(t, err)

	snap := h.Snapshot()
	require.Len(t, snap.Frames, 2)
	assert.Equal(t, 1, snap.Frames[0].Depth)
	assert.Equal(t, f.ReturnSlot(), snap.Frames[0].ReturnSlot)
	assert.Equal(t, []HandleInfo{{Addr: s, Target: h.Target(s)}, {Addr: f.ReturnSlot(), Target: Nil}}, snap.Frames[0].Roots)
	require.Len(t, snap.Allocations, 1)
	assert.Equal(t, h.Target(s), snap.Allocations[0].Addr)
	assert.Equal(t, uint64(8+Overhead), snap.Usage)
	h.Exit()
}

func TestVerify_DetectsCorruption(t *testing.T) {
	h := newHeap(t, nil)
	h.Enter()
	s, err := h.BindLocal(8)
	require.NoError(t, err)
	a := h.Target(s)

	require.NoError(t, h.Memory().WriteU32(uint32(s)+4, 0x1234))
	err = h.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not live")

	require.NoError(t, h.Memory().WriteU32(uint32(s)+4, uint32(a)))
	require.NoError(t, h.Verify())

	h.table.get(a).refs = 5
	require.NoError(t, h.Verify(), "extra references are allowed")
	h.usage++
	assert.Error(t, h.Verify())
	h.usage--
	h.table.get(a).refs = 1
	h.Exit()
}

func TestStats(t *testing.T) {
	h := newHeap(t, nil)
	h.Enter()
	s, err := h.BindLocal(8)
	require.NoError(t, err)
	_, err = h.BindLocal(8)
	require.NoError(t, err)
	h.Assign(s, Nil)

	st := h.Stats()
	assert.Equal(t, 1, st.Allocations)
	assert.Equal(t, 2, st.Frames)
	assert.Equal(t, uint64(2), st.Allocs)
	assert.Equal(t, uint64(1), st.Frees)
	assert.Equal(t, 1, st.Blocks.LiveBlocks)
	h.Exit()
}

func TestObservers(t *testing.T) {
	h := newHeap(t, nil)
	rec := &recorder{}
	h.Subscribe(rec)

	h.Enter()
	p, err := h.BindLocal(8)
	require.NoError(t, err)
	_, err = h.BindLocal(8)
	require.NoError(t, err)
	_, err = h.ResizeHandle(p, 64)
	require.NoError(t, err)
	h.Exit()
	h.Collect()
	h.SetBudget(1 << 20)

	assert.Equal(t, []EventType{
		EventAllocated, EventAllocated, EventMoved, EventFreed, EventFreed, EventCollected, EventBudget,
	}, rec.types())
	assert.Equal(t, uint64(1<<20), rec.events[6].Bytes)

	h.Unsubscribe(rec)
	_, err = h.Allocate(8)
	require.NoError(t, err)
	assert.Len(t, rec.events, 7)
}

func TestLogger_LeakWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHeap(t, &Config{Logger: zap.New(core)})

	_, err := h.Allocate(8)
	require.NoError(t, err)
	h.Teardown()

	assert.Equal(t, 1, logs.FilterMessage("unfreed memory at teardown").Len())
	assert.Equal(t, 1, logs.FilterMessage("leaked allocation").Len())
}

func TestSetLogger(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	h := newHeap(t, nil)

	_, err := h.Allocate(8)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("allocated").Len())
}

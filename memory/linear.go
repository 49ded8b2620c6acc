package memory

import (
	"bytes"
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/wippyai/scopeheap"
	"github.com/wippyai/scopeheap/errors"
)

// PageSize is the WebAssembly page size in bytes.
const PageSize = 65536

// MaxPages is the largest page count whose byte size still fits in the
// uint32 returned by Size.
const MaxPages = 65535

var _ scopeheap.LinearMemory = (*Linear)(nil)

// Linear adapts wazero api.Memory to scopeheap.LinearMemory.
type Linear struct {
	Mem api.Memory
	rt  wazero.Runtime
	mod api.Module
}

// New creates a runtime owning a single exported memory of initialPages,
// growable up to maxPages (0 means MaxPages).
func New(ctx context.Context, initialPages, maxPages uint32) (*Linear, error) {
	if maxPages == 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	if initialPages > maxPages {
		return nil, errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Detail("initial pages %d exceed max pages %d", initialPages, maxPages).
			Build()
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithMemoryLimitPages(maxPages))

	compiled, err := rt.CompileModule(ctx, memoryModule(initialPages, maxPages))
	if err != nil {
		return nil, multierr.Append(
			errors.Wrap(errors.PhaseMemory, errors.KindInvalidData, err, "compile memory module"),
			rt.Close(ctx),
		)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, multierr.Append(
			errors.Wrap(errors.PhaseMemory, errors.KindInvalidData, err, "instantiate memory module"),
			rt.Close(ctx),
		)
	}

	return &Linear{Mem: mod.ExportedMemory("memory"), rt: rt, mod: mod}, nil
}

// Wrap wraps a wazero api.Memory owned by someone else.
func Wrap(mem api.Memory) *Linear {
	if mem == nil {
		return nil
	}
	return &Linear{Mem: mem}
}

// Close releases the module and runtime created by New. Wrapped memories
// are left to their owner.
func (m *Linear) Close(ctx context.Context) error {
	var err error
	if m.mod != nil {
		err = multierr.Append(err, m.mod.Close(ctx))
	}
	if m.rt != nil {
		err = multierr.Append(err, m.rt.Close(ctx))
	}
	m.mod, m.rt = nil, nil
	return err
}

// Size returns the memory size in bytes.
func (m *Linear) Size() uint32 {
	return m.Mem.Size()
}

// Pages returns the memory size in pages.
func (m *Linear) Pages() uint32 {
	return m.Mem.Size() / PageSize
}

// Grow extends memory by deltaPages.
func (m *Linear) Grow(deltaPages uint32) (uint32, bool) {
	return m.Mem.Grow(deltaPages)
}

// Read returns a view of length bytes at offset. The view aliases memory and
// is invalidated by Grow.
func (m *Linear) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.Mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseMemory, offset, uint64(length))
	}
	return data, nil
}

// Write writes bytes to memory.
func (m *Linear) Write(offset uint32, data []byte) error {
	if !m.Mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, uint64(len(data)))
	}
	return nil
}

// Zero clears length bytes at offset.
func (m *Linear) Zero(offset, length uint32) error {
	view, err := m.Read(offset, length)
	if err != nil {
		return err
	}
	clear(view)
	return nil
}

// Copy moves length bytes from src to dst. Overlapping ranges are handled.
func (m *Linear) Copy(dst, src, length uint32) error {
	if length == 0 {
		return nil
	}
	from, err := m.Read(src, length)
	if err != nil {
		return err
	}
	to, err := m.Read(dst, length)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

// ReadU8 reads an unsigned 8-bit value.
func (m *Linear) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.Mem.ReadByte(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 1)
	}
	return v, nil
}

// ReadU16 reads an unsigned 16-bit little-endian value.
func (m *Linear) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.Mem.ReadUint16Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 2)
	}
	return v, nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (m *Linear) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.Mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 4)
	}
	return v, nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (m *Linear) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.Mem.ReadUint64Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 8)
	}
	return v, nil
}

// WriteU8 writes an unsigned 8-bit value.
func (m *Linear) WriteU8(offset uint32, value uint8) error {
	if !m.Mem.WriteByte(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 1)
	}
	return nil
}

// WriteU16 writes an unsigned 16-bit little-endian value.
func (m *Linear) WriteU16(offset uint32, value uint16) error {
	if !m.Mem.WriteUint16Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 2)
	}
	return nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (m *Linear) WriteU32(offset uint32, value uint32) error {
	if !m.Mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 4)
	}
	return nil
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (m *Linear) WriteU64(offset uint32, value uint64) error {
	if !m.Mem.WriteUint64Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 8)
	}
	return nil
}

// memoryModule encodes a module whose only content is memory 0 exported as
// "memory".
func memoryModule(minPages, maxPages uint32) []byte {
	var limits bytes.Buffer
	limits.WriteByte(0x01) // one memory
	limits.WriteByte(0x01) // has max
	writeLEB128u(&limits, minPages)
	writeLEB128u(&limits, maxPages)

	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d}) // magic
	b.Write([]byte{0x01, 0x00, 0x00, 0x00}) // version

	b.WriteByte(0x05) // memory section
	writeLEB128u(&b, uint32(limits.Len()))
	b.Write(limits.Bytes())

	export := []byte{
		0x01,                                     // one export
		0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, // "memory"
		0x02, 0x00, // kind: memory, index 0
	}
	b.WriteByte(0x07) // export section
	writeLEB128u(&b, uint32(len(export)))
	b.Write(export)

	return b.Bytes()
}

func writeLEB128u(w *bytes.Buffer, v uint32) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		w.WriteByte(c)
		if v == 0 {
			break
		}
	}
}

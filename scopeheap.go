package scopeheap

// Memory represents WASM linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of WASM linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// MemoryGrower extends linear memory by whole 64 KiB pages.
type MemoryGrower interface {
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

// LinearMemory is the full surface a heap needs from its backing memory.
type LinearMemory interface {
	Memory
	MemorySizer
	MemoryGrower
	Zero(offset, length uint32) error
	Copy(dst, src, length uint32) error
}

// Allocator places blocks in linear memory. Addresses returned point at the
// block header; the usable bytes start after it.
type Allocator interface {
	Alloc(size uint32) (uint32, error)
	Free(addr uint32) error
}

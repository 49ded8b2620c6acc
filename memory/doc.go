// Package memory provides wazero-backed linear memory for heaps.
//
// New instantiates a memory-only WebAssembly module in a private wazero
// runtime:
//
//	mem, err := memory.New(ctx, 1, 256) // 64 KiB now, up to 16 MiB
//	defer mem.Close(ctx)
//
// Wrap adapts the exported memory of an already running module so a heap
// can manage a region of a guest's own address space:
//
//	mem := memory.Wrap(instance.ExportedMemory("memory"))
//
// Accessors are little-endian and return structured out-of-bounds errors.
package memory

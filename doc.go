// Package scopeheap provides a reference-counted, scope-based memory manager
// for WebAssembly linear memory.
//
// Guests without a garbage collector of their own get automatic deallocation
// when a scope exits, a supplementary mark-sweep pass for reference cycles,
// relocating resizes that repair every handle in the process, and a hard
// byte budget. All bookkeeping lives at real addresses in linear memory, so a
// handle stored inside an allocation's payload is told apart from a handle on
// the scope stack purely by address.
//
// # Architecture Overview
//
//	scopeheap/           Root package with the Memory and Allocator interfaces
//	├── memory/          wazero-backed linear memory
//	├── heap/            Allocation table, scopes, ref counting, relocation, collector
//	├── array/           Growable arrays built on heap handles
//	├── scenario/        Scripted heap operations (YAML and one-line syntax)
//	├── errors/          Structured error types
//	└── cmd/heapctl/     CLI and interactive inspector
//
// # Quick Start
//
//	h, err := heap.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close(ctx)
//
//	err = h.Scope(func() error {
//	    buf, err := h.BindLocal(64)
//	    if err != nil {
//	        return err
//	    }
//	    copy(h.Bytes(buf), "hello")
//	    return nil
//	}) // buf is released here
//
// # Handles
//
// A handle is 8 bytes of linear memory: the address of the next handle in
// its owning list, then the address of its target allocation. Handles are
// created with Local, Global, BindLocal or by reserving room inside a
// payload, and are only ever retargeted through Assign, AssignGlobal, Adopt
// and the return protocol.
//
// # Thread Safety
//
// A Heap models a single call stack and is NOT safe for concurrent use. Use
// one heap per goroutine, or serialize every call.
//
// # Memory Model
//
// WASM linear memory can only grow, never shrink. Freed blocks are kept on a
// free list and reused; the budget counts live payload plus per-block
// overhead, not pages.
package scopeheap

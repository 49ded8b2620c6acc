// Package heap implements a scope-based, reference-counted memory manager
// over a linear memory.
//
// # Handles and Scopes
//
// Every allocation is reached through handles: 8-byte records in linear
// memory holding a list link and a target address. Handles live in one of
// three places:
//
//   - in scope stack memory (Local, BindLocal, Reserve), released when the
//     scope exits
//   - in base scope memory (Global, AssignGlobal), released at Teardown
//   - inside another allocation's payload, released when that allocation
//     dies or shrinks past them
//
// Assign retargets a handle and registers it with whichever of these owns
// it. Scopes nest with Enter and Exit, or with the structured Scope and
// Call helpers:
//
//	slot, err := h.Call(func() (heap.Addr, error) {
//	    s, err := h.BindLocal(64)
//	    if err != nil {
//	        return heap.Nil, err
//	    }
//	    copy(h.Bytes(s), "hello")
//	    return s, nil
//	})
//
// # Reclamation
//
// Reference counting frees acyclic garbage as soon as its last handle is
// released, cascading through embedded handles. Collect runs a mark-sweep
// from scope roots to reclaim cycles. Collection also runs automatically
// when an allocation would exceed the budget or linear memory cannot grow.
//
// # Relocation
//
// Resize may move an allocation. All registered handles targeting it, and
// all handles embedded in it, are rewritten. Addresses obtained before a
// Resize must be re-read through a handle.
//
// # Budget
//
// Usage counts payload plus Overhead bytes per allocation. SetBudget caps
// it; requests that cannot fit fail with ErrExhausted, requests larger
// than the budget itself with ErrOverLimit.
//
// # Errors
//
// Recoverable failures are returned as *errors.Error. Contract violations,
// such as exiting the base scope or assigning through a handle inside
// unallocated heap memory, panic with an *errors.Error of KindContract.
package heap

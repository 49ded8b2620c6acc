// Package errors provides structured error types for the scopeheap library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the offending address, the requested size and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseResize, errors.KindExhausted).
//		Addr(0x10040).
//		Size(4096).
//		Detail("budget %d exceeded", budget).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Exhausted(errors.PhaseAlloc, 4096, usage, budget)
//	err := errors.OutOfBounds(errors.PhaseMemory, 0x10000, 8)
//
// Contract violations (misuse that leaves the heap corrupted) are reported by
// panicking with an *Error of KindContract or KindClosed.
//
// All errors implement the standard error interface and support errors.Is/As.
// A target with an empty Phase matches any phase of the same Kind.
package errors

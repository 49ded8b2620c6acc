package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseAlloc    Phase = "alloc"    // block grant
	PhaseResize   Phase = "resize"   // grow, shrink, relocate
	PhaseBudget   Phase = "budget"   // ceiling changes
	PhaseMemory   Phase = "memory"   // linear memory access
	PhaseScope    Phase = "scope"    // enter, exit, return
	PhaseAssign   Phase = "assign"   // handle retargeting
	PhaseCollect  Phase = "collect"  // mark-sweep
	PhaseVerify   Phase = "verify"   // consistency checks
	PhaseScenario Phase = "scenario" // scripted operations
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindExhausted    Kind = "exhausted"
	KindOverLimit    Kind = "over_limit"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindInvalidData  Kind = "invalid_data"
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindContract     Kind = "contract"
	KindClosed       Kind = "closed"
	KindCorrupt      Kind = "corrupt"
	KindExpectation  Kind = "expectation"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Addr   uint32
	Size   uint64
	HasLoc bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.HasLoc {
		fmt.Fprintf(&b, " at 0x%08x", e.Addr)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Addr sets the linear-memory address the error refers to
func (b *Builder) Addr(addr uint32) *Builder {
	b.err.Addr = addr
	b.err.HasLoc = true
	return b
}

// Size sets the byte count involved
func (b *Builder) Size(n uint64) *Builder {
	b.err.Size = n
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Exhausted creates a budget exhaustion error
func Exhausted(phase Phase, size, usage, budget uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindExhausted,
		Size:   size,
		Detail: fmt.Sprintf("%d bytes requested with %d of %d in use", size, usage, budget),
	}
}

// OverLimit creates an error for a request larger than the ceiling itself
func OverLimit(phase Phase, size, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverLimit,
		Size:   size,
		Detail: fmt.Sprintf("%d bytes exceeds limit %d", size, limit),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, addr uint32, length uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Addr:   addr,
		Size:   length,
		HasLoc: true,
		Detail: fmt.Sprintf("access of %d bytes out of bounds", length),
	}
}

// Contract creates a contract violation error. Callers panic with it.
func Contract(phase Phase, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindContract,
		Detail: detail,
	}
}

// ContractAt creates a contract violation error bound to an address
func ContractAt(phase Phase, addr uint32, detail string, args ...any) *Error {
	err := Contract(phase, detail, args...)
	err.Addr = addr
	err.HasLoc = true
	return err
}

// Closed creates an error for use of a heap after teardown
func Closed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: "heap base scope already exited",
	}
}

// Corrupt creates an error describing an inconsistency found by a checker
func Corrupt(addr uint32, detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseVerify,
		Kind:   KindCorrupt,
		Addr:   addr,
		HasLoc: true,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Expectation creates a failed-expectation error for scripted checks
func Expectation(what string, want, got any) *Error {
	return &Error{
		Phase:  PhaseScenario,
		Kind:   KindExpectation,
		Value:  got,
		Detail: fmt.Sprintf("%s: want %v, got %v", what, want, got),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseScenario,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

package scenario

import (
	"fmt"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/heap"
)

func (r *Runner) exec(s Step) error {
	h := r.h
	switch s.Op {
	case OpEnter:
		h.Enter()
		r.scopes = append(r.scopes, map[string]ref{})

	case OpExit:
		h.Exit()
		r.scopes = r.scopes[:len(r.scopes)-1]

	case OpLocal:
		r.declare(s.Name, ref{addr: h.Local()})

	case OpGlobal:
		r.scopes[0][s.Name] = ref{addr: h.Global()}

	case OpBind:
		slot, err := h.BindLocal(s.Size)
		if err != nil {
			return err
		}
		r.declare(s.Name, ref{addr: slot})

	case OpAssign, OpAssignGlobal:
		to, err := r.resolve(s.To)
		if err != nil {
			return err
		}
		from, err := r.source(s.From)
		if err != nil {
			return err
		}
		if s.Op == OpAssign {
			h.Assign(to, from)
		} else {
			h.AssignGlobal(to, from)
		}

	case OpEmbed:
		r.declare(s.Name, ref{in: s.In, offset: s.Offset})
		to, err := r.resolve(s.Name)
		if err != nil {
			return err
		}
		if s.From != "" {
			from, err := r.source(s.From)
			if err != nil {
				return err
			}
			h.Assign(to, from)
		}

	case OpResize:
		handle, err := r.resolve(s.Name)
		if err != nil {
			return err
		}
		if _, err := h.ResizeHandle(handle, s.Size); err != nil {
			return err
		}

	case OpWrite:
		at, err := r.payload(s.Name, s.Offset, uint32(len(s.Value)))
		if err != nil {
			return err
		}
		return h.Memory().Write(uint32(at), []byte(s.Value))

	case OpRead:
		n := s.Size
		if s.Expect != nil && s.Expect.Value != nil {
			n = uint32(len(*s.Expect.Value))
		}
		at, err := r.payload(s.Name, s.Offset, n)
		if err != nil {
			return err
		}
		data, err := h.Memory().Read(uint32(at), n)
		if err != nil {
			return err
		}
		v := string(data)
		r.lastRead = &v

	case OpReturn:
		from, err := r.source(s.From)
		if err != nil {
			return err
		}
		width := s.Width
		if width == 0 {
			width = heap.HandleSize
		}
		slot := h.Return(from, width)
		r.scopes = r.scopes[:len(r.scopes)-1]
		if s.Name != "" {
			r.declare(s.Name, ref{addr: slot})
		}

	case OpReturnNew:
		slot, err := h.ReturnNew(s.Size)
		if err != nil {
			return err
		}
		r.declare(s.Name, ref{addr: slot})

	case OpCollect:
		st := h.Collect()
		r.lastCollect = &st

	case OpBudget:
		exact := h.SetBudget(uint64(s.Size))
		r.lastExact = &exact

	case OpDump:
		return h.Dump(r.opts.Output)

	case OpVerify:
		return h.Verify()

	case OpExpect:

	default:
		return errors.InvalidInput(errors.PhaseScenario, fmt.Sprintf("unknown operation %q", s.Op))
	}
	return nil
}

func (r *Runner) check(s Step) error {
	e := s.Expect
	if e == nil {
		return nil
	}
	h := r.h
	if e.Usage != nil && h.Usage() != *e.Usage {
		return errors.Expectation("usage", *e.Usage, h.Usage())
	}
	if e.Budget != nil && h.Budget() != *e.Budget {
		return errors.Expectation("budget", *e.Budget, h.Budget())
	}
	if e.Count != nil {
		if n := h.Stats().Allocations; n != *e.Count {
			return errors.Expectation("allocation count", *e.Count, n)
		}
	}
	if e.Freed != nil {
		if r.lastCollect == nil {
			return errors.Expectation("freed", *e.Freed, "no collection")
		}
		if r.lastCollect.Freed != *e.Freed {
			return errors.Expectation("freed", *e.Freed, r.lastCollect.Freed)
		}
	}
	if e.Exact != nil {
		if r.lastExact == nil {
			return errors.Expectation("exact budget", *e.Exact, "no budget change")
		}
		if *r.lastExact != *e.Exact {
			return errors.Expectation("exact budget", *e.Exact, *r.lastExact)
		}
	}
	if e.Refs != nil || e.Live != nil {
		target := heap.Nil
		handle, err := r.resolve(s.Name)
		if err == nil {
			target = h.Target(handle)
		} else if e.Refs != nil || !errors.Is(err, &errors.Error{Kind: errors.KindInvalidInput}) {
			return err
		}
		if e.Refs != nil {
			if n := h.RefCount(target); n != *e.Refs {
				return errors.Expectation("refs of "+s.Name, *e.Refs, n)
			}
		}
		if e.Live != nil {
			live := target != heap.Nil && h.Live(target)
			if live != *e.Live {
				return errors.Expectation("live "+s.Name, *e.Live, live)
			}
		}
	}
	if e.Value != nil {
		if r.lastRead == nil {
			return errors.Expectation("value", *e.Value, "nothing read")
		}
		if *r.lastRead != *e.Value {
			return errors.Expectation("value", *e.Value, *r.lastRead)
		}
	}
	return nil
}

func (r *Runner) declare(name string, v ref) {
	r.scopes[len(r.scopes)-1][name] = v
}

func (r *Runner) lookup(name string) (ref, bool) {
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if v, ok := r.scopes[i][name]; ok {
			return v, true
		}
	}
	return ref{}, false
}

// resolve returns the current address of a named handle.
func (r *Runner) resolve(name string) (heap.Addr, error) {
	v, ok := r.lookup(name)
	if !ok {
		return heap.Nil, errors.NotFound(errors.PhaseScenario, "handle", name)
	}
	if v.in == "" {
		return v.addr, nil
	}
	outer, err := r.resolve(v.in)
	if err != nil {
		return heap.Nil, err
	}
	size := r.h.Size(outer)
	if uint64(v.offset)+heap.HandleSize > uint64(size) {
		return heap.Nil, errors.InvalidInput(errors.PhaseScenario,
			fmt.Sprintf("%s: offset %d outside %d-byte payload of %s", name, v.offset, size, v.in))
	}
	return r.h.Payload(outer) + heap.Addr(v.offset), nil
}

// source resolves the right-hand side of an assignment; "" and "nil" mean
// no target.
func (r *Runner) source(name string) (heap.Addr, error) {
	if name == "" || name == "nil" {
		return heap.Nil, nil
	}
	return r.resolve(name)
}

// payload returns the address of n bytes at offset in the named handle's
// payload.
func (r *Runner) payload(name string, offset, n uint32) (heap.Addr, error) {
	handle, err := r.resolve(name)
	if err != nil {
		return heap.Nil, err
	}
	size := r.h.Size(handle)
	if uint64(offset)+uint64(n) > uint64(size) {
		return heap.Nil, errors.New(errors.PhaseScenario, errors.KindOutOfBounds).
			Size(uint64(n)).
			Detail("%s: %d bytes at offset %d outside %d-byte payload", name, n, offset, size).
			Build()
	}
	return r.h.Payload(handle) + heap.Addr(offset), nil
}

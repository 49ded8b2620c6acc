package scenario

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wippyai/scopeheap/errors"
)

// Parse reads the line syntax. Blank lines and text after '#' are ignored.
// A trailing "!kind" token expects the operation to fail with that error
// kind, e.g. "bind b 64 !exhausted".
func Parse(r io.Reader) (*Scenario, error) {
	sc := &Scenario{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "name" {
			sc.Name = strings.Join(fields[1:], " ")
			continue
		}
		step, err := ParseLine(strings.Join(fields, " "))
		if err != nil {
			return nil, errors.New(errors.PhaseScenario, errors.KindInvalidData).
				Value(line).
				Cause(err).
				Detail("line %d", line).
				Build()
		}
		step.Line = line
		sc.Steps = append(sc.Steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.ParseFailed("scenario", err)
	}
	return sc, nil
}

// ParseLine parses one operation in the line syntax.
func ParseLine(text string) (Step, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Step{}, errors.InvalidInput(errors.PhaseScenario, "empty operation")
	}

	s := Step{Op: fields[0]}
	args := fields[1:]
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "!") {
		s.Expect = &Expect{Error: strings.TrimPrefix(args[n-1], "!")}
		args = args[:n-1]
	}

	p := argParser{op: s.Op, args: args}
	switch s.Op {
	case OpEnter, OpExit, OpCollect, OpDump, OpVerify:
		p.want(0)
	case OpLocal, OpGlobal:
		p.want(1)
		s.Name = p.str(0)
	case OpBind, OpReturnNew, OpResize:
		p.want(2)
		s.Name = p.str(0)
		s.Size = p.u32(1)
	case OpAssign, OpAssignGlobal:
		p.want(2)
		s.To = p.str(0)
		s.From = p.str(1)
	case OpEmbed:
		p.between(3, 4)
		s.Name = p.str(0)
		s.In = p.str(1)
		s.Offset = p.u32(2)
		if len(args) == 4 {
			s.From = p.str(3)
		}
	case OpWrite:
		p.min(3)
		s.Name = p.str(0)
		s.Offset = p.u32(1)
		s.Value = strings.Join(args[2:], " ")
	case OpRead:
		p.min(3)
		s.Name = p.str(0)
		s.Offset = p.u32(1)
		v := strings.Join(args[2:], " ")
		s.Expect = merge(s.Expect, &Expect{Value: &v})
	case OpReturn:
		p.between(1, 3)
		s.From = p.str(0)
		if len(args) > 1 {
			s.Name = p.str(1)
		}
		if len(args) > 2 {
			s.Width = p.u32(2)
		}
	case OpBudget:
		p.want(1)
		s.Size = p.u32(0)
	case OpExpect:
		e, name := p.expect()
		s.Name = name
		s.Expect = merge(s.Expect, e)
	default:
		return Step{}, errors.InvalidInput(errors.PhaseScenario, fmt.Sprintf("unknown operation %q", s.Op))
	}
	if p.err != nil {
		return Step{}, p.err
	}
	if err := validate(&s); err != nil {
		return Step{}, err
	}
	return s, nil
}

func merge(a, b *Expect) *Expect {
	if a == nil {
		return b
	}
	if b.Value != nil {
		a.Value = b.Value
	}
	if b.Usage != nil {
		a.Usage = b.Usage
	}
	if b.Budget != nil {
		a.Budget = b.Budget
	}
	if b.Count != nil {
		a.Count = b.Count
	}
	if b.Freed != nil {
		a.Freed = b.Freed
	}
	if b.Exact != nil {
		a.Exact = b.Exact
	}
	if b.Refs != nil {
		a.Refs = b.Refs
	}
	if b.Live != nil {
		a.Live = b.Live
	}
	return a
}

type argParser struct {
	op   string
	args []string
	err  error
}

func (p *argParser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = errors.InvalidInput(errors.PhaseScenario, p.op+": "+fmt.Sprintf(format, args...))
	}
}

func (p *argParser) want(n int) {
	p.between(n, n)
}

func (p *argParser) min(n int) {
	if len(p.args) < n {
		p.fail("want at least %d arguments, got %d", n, len(p.args))
	}
}

func (p *argParser) between(lo, hi int) {
	if len(p.args) < lo || len(p.args) > hi {
		if lo == hi {
			p.fail("want %d arguments, got %d", lo, len(p.args))
		} else {
			p.fail("want %d to %d arguments, got %d", lo, hi, len(p.args))
		}
	}
}

func (p *argParser) str(i int) string {
	if i >= len(p.args) {
		return ""
	}
	return p.args[i]
}

func (p *argParser) u32(i int) uint32 {
	if i >= len(p.args) {
		return 0
	}
	v, err := strconv.ParseUint(p.args[i], 0, 32)
	if err != nil {
		p.fail("bad number %q", p.args[i])
	}
	return uint32(v)
}

func (p *argParser) u64(i int) uint64 {
	if i >= len(p.args) {
		return 0
	}
	v, err := strconv.ParseUint(p.args[i], 0, 64)
	if err != nil {
		p.fail("bad number %q", p.args[i])
	}
	return v
}

func (p *argParser) boolean(i int) bool {
	if i >= len(p.args) {
		return false
	}
	v, err := strconv.ParseBool(p.args[i])
	if err != nil {
		p.fail("bad boolean %q", p.args[i])
	}
	return v
}

// expect parses "expect KEY VALUE" or "expect KEY NAME VALUE".
func (p *argParser) expect() (*Expect, string) {
	e := &Expect{}
	if len(p.args) == 0 {
		p.fail("want a check")
		return e, ""
	}
	switch key := p.args[0]; key {
	case "usage", "budget":
		p.want(2)
		v := p.u64(1)
		if key == "usage" {
			e.Usage = &v
		} else {
			e.Budget = &v
		}
	case "count", "freed":
		p.want(2)
		v := int(p.u32(1))
		if key == "count" {
			e.Count = &v
		} else {
			e.Freed = &v
		}
	case "exact":
		p.want(2)
		v := p.boolean(1)
		e.Exact = &v
	case "refs":
		p.want(3)
		v := p.u32(2)
		e.Refs = &v
		return e, p.str(1)
	case "live":
		p.want(3)
		v := p.boolean(2)
		e.Live = &v
		return e, p.str(1)
	default:
		p.fail("unknown check %q", key)
	}
	return e, ""
}

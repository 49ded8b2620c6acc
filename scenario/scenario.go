// Package scenario scripts heap operations.
//
// A scenario is a list of steps over named handles, written either as YAML
// or in a line syntax with one operation per line:
//
//	enter
//	bind a 32
//	bind b 16
//	embed a.0 a 0 b      # handle at offset 0 of a's payload now targets b
//	assign b nil
//	expect refs a.0 1
//	exit
//	expect usage 0
//
// Names are scoped: a name declared inside enter/exit disappears on exit.
package scenario

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/scopeheap/errors"
)

// Operations understood by the runner.
const (
	OpEnter        = "enter"
	OpExit         = "exit"
	OpLocal        = "local"
	OpBind         = "bind"
	OpGlobal       = "global"
	OpAssign       = "assign"
	OpAssignGlobal = "assign-global"
	OpEmbed        = "embed"
	OpResize       = "resize"
	OpWrite        = "write"
	OpRead         = "read"
	OpReturn       = "return"
	OpReturnNew    = "return-new"
	OpCollect      = "collect"
	OpBudget       = "budget"
	OpExpect       = "expect"
	OpDump         = "dump"
	OpVerify       = "verify"
)

// Scenario is a scripted run against a fresh heap.
type Scenario struct {
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Budget    uint64 `yaml:"budget,omitempty" json:"budget,omitempty"`
	Pages     uint32 `yaml:"pages,omitempty" json:"pages,omitempty"`
	StackSize uint32 `yaml:"stack_size,omitempty" json:"stack_size,omitempty"`
	Steps     []Step `yaml:"steps" json:"steps"`
}

// Step is one operation. Which fields matter depends on Op.
type Step struct {
	Op     string  `yaml:"op" json:"op"`
	Name   string  `yaml:"name,omitempty" json:"name,omitempty"`
	From   string  `yaml:"from,omitempty" json:"from,omitempty"`
	To     string  `yaml:"to,omitempty" json:"to,omitempty"`
	In     string  `yaml:"in,omitempty" json:"in,omitempty"`
	Offset uint32  `yaml:"offset,omitempty" json:"offset,omitempty"`
	Size   uint32  `yaml:"size,omitempty" json:"size,omitempty"`
	Width  uint32  `yaml:"width,omitempty" json:"width,omitempty"`
	Value  string  `yaml:"value,omitempty" json:"value,omitempty"`
	Expect *Expect `yaml:"expect,omitempty" json:"expect,omitempty"`

	// Line is the source line, 0 when unknown.
	Line int `yaml:"-" json:"line,omitempty"`
}

// Expect lists checks run after a step. Unset fields are not checked.
type Expect struct {
	Usage  *uint64 `yaml:"usage,omitempty" json:"usage,omitempty"`
	Budget *uint64 `yaml:"budget,omitempty" json:"budget,omitempty"`
	Count  *int    `yaml:"count,omitempty" json:"count,omitempty"`
	Freed  *int    `yaml:"freed,omitempty" json:"freed,omitempty"`
	Exact  *bool   `yaml:"exact,omitempty" json:"exact,omitempty"`
	Refs   *uint32 `yaml:"refs,omitempty" json:"refs,omitempty"`
	Live   *bool   `yaml:"live,omitempty" json:"live,omitempty"`
	Value  *string `yaml:"value,omitempty" json:"value,omitempty"`

	// Error is the error kind the step must fail with, such as "exhausted".
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// Load reads a scenario file. Files ending in .yaml or .yml are YAML,
// anything else uses the line syntax.
func Load(fs afero.Fs, path string) (*Scenario, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseScenario, errors.KindNotFound, err, path)
	}
	var sc *Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		sc, err = ParseYAML(data)
	default:
		sc, err = Parse(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// ParseYAML decodes a YAML scenario.
func ParseYAML(data []byte) (*Scenario, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.ParseFailed("scenario yaml", err)
	}
	sc := &Scenario{}
	if err := doc.Decode(sc); err != nil {
		return nil, errors.ParseFailed("scenario yaml", err)
	}
	stepLines(&doc, sc)
	for i := range sc.Steps {
		if err := validate(&sc.Steps[i]); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// stepLines copies source line numbers from the YAML tree into the steps.
func stepLines(doc *yaml.Node, sc *Scenario) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "steps" {
			continue
		}
		for j, n := range root.Content[i+1].Content {
			if j < len(sc.Steps) {
				sc.Steps[j].Line = n.Line
			}
		}
	}
}

// Encode writes sc as YAML.
func Encode(w io.Writer, sc *Scenario) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(sc); err != nil {
		return err
	}
	return enc.Close()
}

func validate(s *Step) error {
	fail := func(msg string) error {
		return errors.New(errors.PhaseScenario, errors.KindInvalidData).
			Value(s.Line).
			Detail("line %d: %s: %s", s.Line, s.Op, msg).
			Build()
	}
	switch s.Op {
	case OpEnter, OpExit, OpCollect, OpDump, OpVerify, OpExpect:
	case OpLocal, OpGlobal:
		if s.Name == "" {
			return fail("name required")
		}
	case OpBind, OpReturnNew, OpResize:
		if s.Name == "" {
			return fail("name required")
		}
	case OpAssign, OpAssignGlobal:
		if s.To == "" {
			return fail("target handle required")
		}
	case OpEmbed:
		if s.Name == "" || s.In == "" {
			return fail("name and containing handle required")
		}
	case OpWrite, OpRead:
		if s.Name == "" {
			return fail("name required")
		}
	case OpReturn:
		if s.Width != 0 && (s.Width < 8 || s.Width > 16) {
			return fail("width must be between 8 and 16")
		}
	case OpBudget:
	default:
		return fail("unknown operation")
	}
	return nil
}

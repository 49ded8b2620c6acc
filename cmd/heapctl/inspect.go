package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/scenario"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	opStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#98FB98"))

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// chrome is the number of lines around the viewport.
const chrome = 6

func newInspectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <scenario>",
		Short: "Step through a scenario interactively",
		Long: `The inspect command opens a terminal view of the heap and runs the
scenario one step at a time. Operations in the line syntax can be typed in
after pressing ':'.

Example:
  heapctl inspect testdata/cycle.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts, args[0])
		},
	}
}

func runInspect(cmd *cobra.Command, opts *options, path string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return errors.InvalidInput(errors.PhaseConfig, "inspect needs a terminal")
	}
	width, height, err := term.GetSize(fd)
	if err != nil {
		width, height = 80, 24
	}

	conf, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	sc, err := scenario.Load(appFs, path)
	if err != nil {
		return err
	}

	// Log output would tear the alternate screen.
	conf.LogLevel = "fatal"
	logger, err := conf.Logger()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	r, err := scenario.NewRunner(ctx, sc, scenario.Options{
		Logger:    logger,
		Budget:    conf.Budget,
		Pages:     conf.MaxPages,
		StackSize: conf.StackSize,
	})
	if err != nil {
		return err
	}

	p := tea.NewProgram(newInspectModel(r, sc, width, height), tea.WithAltScreen())
	_, err = p.Run()
	if cerr := r.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

type inspectModel struct {
	runner   *scenario.Runner
	sc       *scenario.Scenario
	viewport viewport.Model
	input    textinput.Model
	typing   bool
	last     string
	err      error
}

func newInspectModel(r *scenario.Runner, sc *scenario.Scenario, width, height int) *inspectModel {
	ti := textinput.New()
	ti.Prompt = ": "
	ti.Placeholder = "bind a 32"
	ti.Width = 40

	m := &inspectModel{
		runner:   r,
		sc:       sc,
		viewport: viewport.New(width, max(height-chrome, 1)),
		input:    ti,
	}
	m.refresh()
	return m
}

func (m *inspectModel) Init() tea.Cmd {
	return nil
}

func (m *inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chrome, 1)
		return m, nil

	case tea.KeyMsg:
		if m.typing {
			return m.updateInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "n", " ":
			m.step()

		case "r":
			for !m.runner.Done() {
				m.step()
			}

		case "c":
			m.exec(scenario.Step{Op: scenario.OpCollect})

		case "v":
			m.exec(scenario.Step{Op: scenario.OpVerify})

		case ":":
			m.typing = true
			return m, m.input.Focus()
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *inspectModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "esc":
		m.typing = false
		m.input.Blur()
		m.input.Reset()
		return m, nil

	case "enter":
		text := m.input.Value()
		m.input.Reset()
		m.typing = false
		m.input.Blur()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		s, err := scenario.ParseLine(text)
		if err != nil {
			m.err = err
			return m, nil
		}
		m.exec(s)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *inspectModel) step() {
	if m.runner.Done() {
		return
	}
	s := m.sc.Steps[m.runner.Position()]
	m.last = describeStep(s)
	m.err = m.runner.Step()
	m.refresh()
}

func (m *inspectModel) exec(s scenario.Step) {
	m.last = describeStep(s)
	m.err = m.runner.Exec(s)
	m.refresh()
}

func (m *inspectModel) refresh() {
	var b strings.Builder
	if err := m.runner.Heap().Dump(&b); err != nil {
		b.WriteString(err.Error())
	}
	m.viewport.SetContent(b.String())
}

func (m *inspectModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Heap Inspector"))
	b.WriteString(" ")
	b.WriteString(m.sc.Name)
	b.WriteString("\n")

	st := m.runner.Heap().Stats()
	b.WriteString(statStyle.Render(fmt.Sprintf("step %d/%d  usage %d/%d  allocations %d  depth %d",
		m.runner.Position(), len(m.sc.Steps), st.Usage, st.Budget, st.Allocations, st.Frames-1)))
	b.WriteString("\n")
	if m.last != "" {
		b.WriteString(opStyle.Render(m.last))
	}
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.typing:
		b.WriteString(m.input.View())
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("n step • r run • c collect • v verify • : command • ↑/↓ scroll • q quit"))
	return b.String()
}

func describeStep(s scenario.Step) string {
	parts := []string{s.Op}
	for _, f := range []string{s.Name, s.To, s.In, s.From} {
		if f != "" {
			parts = append(parts, f)
		}
	}
	if s.Size != 0 {
		parts = append(parts, fmt.Sprint(s.Size))
	}
	return strings.Join(parts, " ")
}

var _ tea.Model = (*inspectModel)(nil)

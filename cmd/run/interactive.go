package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/ffi"
	"github.com/wippyai/wasm-ffi/runtime"
)

const (
	refreshInterval = 250 * time.Millisecond
	maxShownHandles = 10
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			MarginLeft(2)
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type handleRow struct {
	handle int32
	value  string
}

type monitorModel struct {
	err      error
	cfg      config
	rt       *runtime.Runtime
	instance *runtime.Instance
	name     string
	result   string
	exports  []runtime.Export
	input    textinput.Model
	stats    ffi.Stats
	handles  []handleRow
	selected int
	state    modelState
}

type loadedMsg struct {
	err     error
	rt      *runtime.Runtime
	inst    *runtime.Instance
	name    string
	exports []runtime.Export
}

type callResultMsg struct {
	err    error
	result string
}

type tickMsg time.Time

func newMonitorModel(cfg config) *monitorModel {
	return &monitorModel{cfg: cfg, state: stateSelectFunc}
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.load, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) load() tea.Msg {
	ctx := context.Background()

	name, data, err := readGuest(m.cfg)
	if err != nil {
		return loadedMsg{err: err}
	}

	// The alternate screen owns the terminal, so the monitor never logs.
	rt, err := newRuntime(ctx, m.cfg, zap.NewNop())
	if err != nil {
		return loadedMsg{err: err}
	}

	mod, err := rt.LoadWASM(ctx, data)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}

	return loadedMsg{rt: rt, inst: inst, name: name, exports: mod.Exports()}
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateInputArgs && msg.String() == "q" {
				break
			}
			if m.rt != nil {
				m.rt.Close(context.Background())
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.exports)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.exports) == 0 {
					break
				}
				if len(m.exports[m.selected].Params) == 0 {
					return m, m.call("")
				}
				m.prepareInput()
				m.state = stateInputArgs
				return m, nil

			case stateInputArgs:
				return m, m.call(m.input.Value())

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateInputArgs, stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.instance = msg.inst
		m.name = msg.name
		m.exports = msg.exports
		m.refresh()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
		m.refresh()

	case tickMsg:
		m.refresh()
		return m, tick()
	}

	if m.state == stateInputArgs {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// refresh snapshots the bridge counters and the lowest live handles.
func (m *monitorModel) refresh() {
	if m.rt == nil {
		return
	}
	b := m.rt.Bridge()
	m.stats = b.Stats()
	m.handles = m.handles[:0]
	b.Handles(func(h int32, v any) bool {
		m.handles = append(m.handles, handleRow{handle: h, value: fmt.Sprintf("%#v", v)})
		return len(m.handles) < maxShownHandles
	})
}

func (m *monitorModel) prepareInput() {
	e := m.exports[m.selected]
	names := make([]string, len(e.Params))
	for i, p := range e.Params {
		names[i] = api.ValueTypeName(p)
	}
	ti := textinput.New()
	ti.Placeholder = strings.Join(names, ", ")
	ti.Prompt = "args: "
	ti.Width = 40
	ti.Focus()
	m.input = ti
}

func (m *monitorModel) call(raw string) tea.Cmd {
	e := m.exports[m.selected]
	inst, rt := m.instance, m.rt
	return func() tea.Msg {
		ctx := context.Background()

		args, err := parseArgs(raw, e.Params)
		if err != nil {
			return callResultMsg{err: err}
		}
		results, err := inst.Call(ctx, e.Name, args...)
		if err != nil {
			return callResultMsg{err: err}
		}
		if err := rt.Wait(ctx); err != nil {
			return callResultMsg{err: err}
		}

		out := make([]string, len(results))
		for i, r := range results {
			out[i] = formatValue(r, e.Results[i])
		}
		return callResultMsg{result: "[" + strings.Join(out, ", ") + "]"}
	}
}

func (m *monitorModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.rt == nil {
		return "Loading module..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("FFI Monitor"))
	b.WriteString(" ")
	b.WriteString(m.name)
	b.WriteString("\n\n")

	var left strings.Builder
	switch m.state {
	case stateSelectFunc:
		left.WriteString("Select a function to call:\n\n")
		for i, e := range m.exports {
			if i == m.selected {
				left.WriteString(selectedStyle.Render("> " + formatExport(e)))
			} else {
				left.WriteString("  " + funcStyle.Render(formatExport(e)))
			}
			left.WriteString("\n")
		}
		left.WriteString("\n")
		left.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		e := m.exports[m.selected]
		left.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(formatExport(e))))
		left.WriteString(m.input.View())
		left.WriteString("\n\n")
		left.WriteString(helpStyle.Render("enter call • esc back"))

	case stateShowResult:
		e := m.exports[m.selected]
		left.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(e.Name)))
		if m.err != nil {
			left.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			left.WriteString(resultStyle.Render(m.result))
		}
		left.WriteString("\n\n")
		left.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left.String(), panelStyle.Render(m.statsView())))
	return b.String()
}

func (m *monitorModel) statsView() string {
	st := m.stats
	var b strings.Builder
	fmt.Fprintf(&b, "strategy     %s\n", st.Strategy)
	fmt.Fprintf(&b, "turns        %d\n", st.Turns)
	fmt.Fprintf(&b, "outstanding  %d\n", st.Outstanding)
	fmt.Fprintf(&b, "turn errors  %d\n", st.TurnErrors)
	fmt.Fprintf(&b, "handles      %d (cursor %d)\n", st.Handles, st.Cursor)
	fmt.Fprintf(&b, "finalizers   %d\n", st.Finalizers)
	fmt.Fprintf(&b, "released     %d\n", st.Released)
	if len(m.handles) > 0 {
		b.WriteString("\nlive handles\n")
		for _, row := range m.handles {
			fmt.Fprintf(&b, "  %4d  %s\n", row.handle, truncate(row.value, 32))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func runInteractive(cfg config) error {
	p := tea.NewProgram(newMonitorModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

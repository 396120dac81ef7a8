package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/exthost/dispatch"
	"github.com/wippyai/exthost/extension"
	"github.com/wippyai/exthost/host"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
	stateStats
)

type consoleModel struct {
	ctx      context.Context
	err      error
	session  *session
	stats    *host.Stats
	url      string
	result   string
	funcs    []*extension.Signature
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type statsMsg struct {
	err   error
	stats *host.Stats
}

type callResultMsg struct {
	err    error
	result string
}

type scopeMsg struct{ err error }

func (m *consoleModel) Init() tea.Cmd {
	return m.fetchStats
}

func (m *consoleModel) fetchStats() tea.Msg {
	st, err := m.session.stats(m.ctx)
	return statsMsg{stats: st, err: err}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "s":
			if m.state == stateSelectFunc {
				m.state = stateStats
				return m, m.fetchStats
			}

		case "b":
			if m.state == stateSelectFunc {
				return m, m.toggleScope
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					break
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult, stateStats:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult, stateStats:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case statsMsg:
		m.err = msg.err
		if msg.stats != nil {
			m.stats = msg.stats
			m.funcs = msg.stats.Exports
		}

	case scopeMsg:
		m.err = msg.err

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *consoleModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.Params))
	for i, p := range f.Params {
		ti := textinput.New()
		ti.Placeholder = p.Type
		ti.Prompt = paramName(p, i) + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *consoleModel) callFunction() tea.Msg {
	raw := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		raw[i] = input.Value()
	}
	res, err := m.session.call(m.ctx, m.funcs[m.selected], raw)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatResult(res)}
}

func (m *consoleModel) toggleScope() tea.Msg {
	return scopeMsg{err: m.session.toggleScope(m.ctx)}
}

func formatResult(res *dispatch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "values: %v", res.Values)
	if len(res.Refs) > 0 {
		fmt.Fprintf(&b, "\nrefs:   %v", res.Refs)
	}
	if len(res.Owned) > 0 {
		fmt.Fprintf(&b, "\nowned:  %v", res.Owned)
	}
	fmt.Fprintf(&b, "\nscope:  %s", res.Scope)
	return b.String()
}

func (m *consoleModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.stats == nil {
		return "Connecting to " + m.url + "..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("exthost console"))
	b.WriteString(" ")
	b.WriteString(m.stats.Extension)
	b.WriteString(" abi ")
	b.WriteString(m.stats.ABI)
	if m.session.scope != "" {
		b.WriteString(" scope ")
		b.WriteString(typeStyle.Render(m.session.scope))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + formatFunc(f)))
			} else {
				b.WriteString(cursor + formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • b begin/end scope • s stats • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.Name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(f.Params[i].Type))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))

	case stateStats:
		st := m.stats
		fmt.Fprintf(&b, "phase %s • active %d • idle ticks %d • live scopes %d • takeovers %d\n\n",
			st.Lifetime.Phase, st.Lifetime.Active, st.Lifetime.IdleTicks, st.Lifetime.LiveScopes, st.Takeovers)
		for _, w := range st.Workers {
			fmt.Fprintf(&b, "worker %d  tid %-8d queued %-4d ran %d\n", w.Index, w.Thread, w.Queued, w.Ran)
		}
		if len(st.Scopes) > 0 {
			b.WriteString("\n")
		}
		for _, sc := range st.Scopes {
			fmt.Fprintf(&b, "scope %s  thread %d  resources %d  outstanding %d\n",
				typeStyle.Render(sc.Token), sc.Thread, sc.Resources, sc.Outstanding)
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter back • q quit"))
	}

	return b.String()
}

func formatFunc(f *extension.Signature) string {
	var params []string
	for i, p := range f.Params {
		params = append(params, paramName(p, i)+": "+typeStyle.Render(p.Type))
	}
	result := ""
	if len(f.Results) > 0 {
		result = " -> " + typeStyle.Render(f.Results[0].Type)
	}
	return funcStyle.Render(f.Name) + "(" + strings.Join(params, ", ") + ")" + result
}

func paramName(p extension.Param, i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("arg%d", i)
}

func runInteractive(ctx context.Context, s *session, url string) error {
	p := tea.NewProgram(&consoleModel{ctx: ctx, session: s, url: url}, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

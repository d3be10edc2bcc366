package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yairchu/inline-wat/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sigStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	classStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD580"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateEditSource modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	rt       *runtime.Runtime
	fragment *runtime.Fragment
	err      error
	source   textarea.Model
	inputs   []textinput.Model
	focusIdx int
	result   string
	state    modelState
}

type compiledMsg struct {
	fragment *runtime.Fragment
	err      error
}

type callResultMsg struct {
	err       error
	result    string
	exception string
}

func newInteractiveModel(rt *runtime.Runtime) *interactiveModel {
	src := textarea.New()
	src.Placeholder = "(param $a i32) (param $b i32) (result i32)\n(i32.add (local.get $a) (local.get $b))"
	src.SetWidth(72)
	src.SetHeight(8)
	src.Focus()
	return &interactiveModel{rt: rt, source: src, state: stateEditSource}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "ctrl+r":
			if m.state == stateEditSource {
				return m, m.compile
			}

		case "enter":
			switch m.state {
			case stateInputArgs:
				return m, m.callFragment
			case stateShowResult:
				m.state = stateEditSource
				m.result = ""
				m.err = nil
				m.source.Focus()
				return m, nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
				return m, nil
			}

		case "esc":
			if m.state != stateEditSource {
				m.state = stateEditSource
				m.inputs = nil
				m.result = ""
				m.err = nil
				m.source.Focus()
				return m, nil
			}
		}

	case compiledMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		ctx := context.Background()
		if m.fragment != nil {
			m.fragment.Close(ctx)
		}
		m.fragment = msg.fragment
		m.err = nil
		if len(m.fragment.Params()) == 0 {
			return m, m.callFragment
		}
		m.prepareInputs()
		m.state = stateInputArgs
		return m, nil

	case callResultMsg:
		m.err = msg.err
		m.result = msg.result
		if msg.exception != "" {
			m.result = msg.exception
		}
		m.state = stateShowResult
		return m, nil
	}

	var cmd tea.Cmd
	switch m.state {
	case stateEditSource:
		m.source, cmd = m.source.Update(msg)
		return m, cmd
	case stateInputArgs:
		var cmds []tea.Cmd
		for i := range m.inputs {
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m *interactiveModel) compile() tea.Msg {
	frag, err := m.rt.CompileFragment(context.Background(), m.source.Value())
	return compiledMsg{fragment: frag, err: err}
}

func (m *interactiveModel) prepareInputs() {
	params := m.fragment.Params()
	m.inputs = make([]textinput.Model, len(params))
	for i, p := range params {
		ti := textinput.New()
		ti.Placeholder = p.Type
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		ti.Prompt = name + ": "
		ti.Width = 24
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFragment() tea.Msg {
	ctx := context.Background()

	params := m.fragment.Params()
	args := make([]any, len(m.inputs))
	for i, input := range m.inputs {
		v, err := parseArg(strings.TrimSpace(input.Value()), params[i].Type)
		if err != nil {
			return callResultMsg{err: fmt.Errorf("argument %d: %w", i, err)}
		}
		args[i] = v
	}

	instance, err := m.fragment.Instantiate(ctx)
	if err != nil {
		return callResultMsg{err: err}
	}
	defer instance.Close(ctx)

	value, exc, err := instance.Try(ctx, args...)
	if err != nil {
		return callResultMsg{err: err}
	}
	if exc != nil {
		text := classStyle.Render("["+exc.Classification().String()+"] ") +
			errorStyle.Render(exc.Error())
		closeSnapshot(exc)
		return callResultMsg{exception: text}
	}
	if m.fragment.Result() == "" {
		return callResultMsg{result: "(no result)"}
	}
	return callResultMsg{result: fmt.Sprintf("%v", value)}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("inline-wat"))
	if m.fragment != nil {
		b.WriteString(" ")
		b.WriteString(sigStyle.Render(formatSignature(m.fragment)))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateEditSource:
		b.WriteString("Fragment source:\n\n")
		b.WriteString(m.source.View())
		b.WriteString("\n\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
			b.WriteString("\n\n")
		}
		b.WriteString(helpStyle.Render("ctrl+r compile & run • ctrl+c quit"))

	case stateInputArgs:
		b.WriteString("Arguments:\n\n")
		params := m.fragment.Params()
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(params[i].Type))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		b.WriteString("Result:\n\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter edit source • esc back • ctrl+c quit"))
	}

	return b.String()
}

func runInteractive() error {
	ctx := context.Background()
	rt, err := runtime.New(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	p := tea.NewProgram(newInteractiveModel(rt), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

package main

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

var errPromptAborted = errors.New("aborted")

const minPasswordLength = 8

type passwordStep int

const (
	enterStep passwordStep = iota
	confirmStep
)

// passwordModel asks for a master password, and for it again when confirm
// is set.
type passwordModel struct {
	title   string
	confirm bool

	input  textinput.Model
	repeat textinput.Model
	step   passwordStep

	errorMessage string
	done         bool
	aborted      bool
}

func newPasswordInput(placeholder string) textinput.Model {
	in := textinput.New()
	in.Placeholder = placeholder
	in.EchoMode = textinput.EchoPassword
	in.EchoCharacter = '•'
	in.CharLimit = 256
	in.Width = 40
	in.PromptStyle = okStyle
	in.PlaceholderStyle = mutedStyle
	return in
}

func newPasswordModel(title string, confirm bool) passwordModel {
	m := passwordModel{
		title:   title,
		confirm: confirm,
		input:   newPasswordInput("master password"),
		repeat:  newPasswordInput("repeat password"),
	}
	m.input.Focus()
	return m
}

func (m passwordModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m passwordModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m.updateInputs(msg)
	}

	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.aborted = true
		return m, tea.Quit
	case tea.KeyEnter:
		return m.submit()
	}

	m.errorMessage = ""
	return m.updateInputs(msg)
}

func (m passwordModel) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	if m.step == enterStep {
		m.input, cmd = m.input.Update(msg)
	} else {
		m.repeat, cmd = m.repeat.Update(msg)
	}
	return m, cmd
}

func (m passwordModel) submit() (tea.Model, tea.Cmd) {
	switch m.step {
	case enterStep:
		if len(m.input.Value()) < minPasswordLength {
			m.errorMessage = "use at least 8 characters"
			return m, nil
		}
		if !m.confirm {
			m.done = true
			return m, tea.Quit
		}
		m.step = confirmStep
		m.input.Blur()
		m.repeat.Focus()
		return m, textinput.Blink
	default:
		if m.repeat.Value() != m.input.Value() {
			m.errorMessage = "passwords do not match"
			m.repeat.Reset()
			return m, nil
		}
		m.done = true
		return m, tea.Quit
	}
}

func (m passwordModel) View() string {
	if m.done || m.aborted {
		return ""
	}

	var b strings.Builder
	b.WriteString(headStyle.Render(m.title) + "\n\n")
	b.WriteString(m.input.View() + "\n")
	if m.step == confirmStep {
		b.WriteString(m.repeat.View() + "\n")
	}
	if m.errorMessage != "" {
		b.WriteString("\n" + errStyle.Render(m.errorMessage) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("Enter to submit, Esc to cancel") + "\n")
	return b.String()
}

// promptPassword runs the prompt on the terminal.
func promptPassword(title string, confirm bool) (string, error) {
	final, err := tea.NewProgram(newPasswordModel(title, confirm)).Run()
	if err != nil {
		return "", err
	}
	m := final.(passwordModel)
	if m.aborted {
		return "", errPromptAborted
	}
	return m.input.Value(), nil
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI implements ui.UI by sending messages to a running program.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) UpdateIteration(iter int) {
	t.program.Send(IterMsg(iter))
}

func (t *TUI) UpdateProgress(done, total int) {
	t.program.Send(ProgressMsg{Done: done, Total: total})
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4")).
		Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#04B575"))

	userStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4"))

	toolStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF0000"))
)

// AskFunc sends one utterance to the agent and returns its answer.
type AskFunc func(utterance string) (string, error)

type Model struct {
	Title     string
	Status    string
	Iteration int
	MaxIter   int
	Log       []string
	Progress  progress.Model
	Viewport  viewport.Model
	Input     textinput.Model
	Ask       AskFunc
	Busy      bool
	Quitting  bool
	Ready     bool
	Width     int
	Height    int

	scanDone, scanTotal int
}

type LogMsg string
type StatusMsg string
type IterMsg int

type ProgressMsg struct {
	Done, Total int
}

// AnswerMsg carries the result of an AskFunc call.
type AnswerMsg struct {
	Text string
	Err  error
}

func NewModel(title string, maxIter int, ask AskFunc) Model {
	in := textinput.New()
	in.Placeholder = "Ask about your photos and videos…"
	in.Prompt = "› "
	in.CharLimit = 2000
	in.Focus()
	return Model{
		Title:    title,
		Status:   "Ready",
		MaxIter:  maxIter,
		Progress: progress.New(progress.WithDefaultGradient()),
		Input:    in,
		Ask:      ask,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) appendLog(line string) {
	m.Log = append(m.Log, line)
	m.Viewport.SetContent(strings.Join(m.Log, "\n"))
	m.Viewport.GotoBottom()
}

func (m Model) submit() (Model, tea.Cmd) {
	utterance := strings.TrimSpace(m.Input.Value())
	if utterance == "" || m.Busy || m.Ask == nil {
		return m, nil
	}
	m.Input.Reset()
	m.Busy = true
	m.Iteration = 0
	m.appendLog(userStyle.Render("you: ") + utterance)
	ask := m.Ask
	return m, func() tea.Msg {
		text, err := ask(utterance)
		return AnswerMsg{Text: text, Err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Input.Width = msg.Width - 4
		m.Progress.Width = msg.Width - 4
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, msg.Height-8)
			m.Viewport.SetContent(strings.Join(m.Log, "\n"))
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = msg.Height - 8
		}

	case LogMsg:
		m.appendLog(toolStyle.Render(string(msg)))

	case StatusMsg:
		m.Status = string(msg)

	case IterMsg:
		m.Iteration = int(msg)

	case ProgressMsg:
		m.scanDone, m.scanTotal = msg.Done, msg.Total

	case AnswerMsg:
		m.Busy = false
		if msg.Err != nil {
			m.appendLog(errorStyle.Render("error: ") + msg.Text)
		} else {
			m.appendLog(infoStyle.Render("mediamcp: ") + msg.Text)
		}
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	cmds = append(cmds, cmd)
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  Initializing..."
	}

	header := titleStyle.Render(" " + m.Title + " ")
	status := infoStyle.Render(fmt.Sprintf(" %s ", m.Status))
	iter := fmt.Sprintf(" Step %d/%d ", m.Iteration, m.MaxIter)

	ratio := 0.0
	switch {
	case m.scanTotal > 0 && m.scanDone < m.scanTotal:
		ratio = float64(m.scanDone) / float64(m.scanTotal)
	case m.MaxIter > 0:
		ratio = float64(m.Iteration) / float64(m.MaxIter)
	}

	view := fmt.Sprintf("%s%s%s\n\n%s\n\n%s\n%s",
		header, status, iter,
		m.Viewport.View(),
		m.Progress.ViewAs(ratio),
		m.Input.View())

	if m.Quitting {
		return view + "\n  Quitting...\n"
	}
	return view
}

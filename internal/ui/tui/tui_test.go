package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return next.(Model)
}

func TestModel_Submit(t *testing.T) {
	var asked []string
	m := sized(t, NewModel("MediaMCP", 10, func(u string) (string, error) {
		asked = append(asked, u)
		return "three beach photos", nil
	}))

	m.Input.SetValue("  find beach photos ")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	if !m.Busy || m.Input.Value() != "" {
		t.Fatalf("submit should clear the input and mark busy: busy=%v input=%q", m.Busy, m.Input.Value())
	}
	if cmd == nil {
		t.Fatal("expected a command running the request")
	}

	t.Run("IgnoredWhileBusy", func(t *testing.T) {
		busy := m
		busy.Input.SetValue("another")
		_, cmd := busy.Update(tea.KeyMsg{Type: tea.KeyEnter})
		if cmd != nil {
			t.Error("a second request must wait for the first")
		}
	})

	msg := cmd()
	answer, ok := msg.(AnswerMsg)
	if !ok || answer.Text != "three beach photos" {
		t.Fatalf("unexpected message %#v", msg)
	}
	if len(asked) != 1 || asked[0] != "find beach photos" {
		t.Errorf("utterance not trimmed: %v", asked)
	}

	next, _ = m.Update(answer)
	m = next.(Model)
	if m.Busy {
		t.Error("answer should end the busy state")
	}
	if last := m.Log[len(m.Log)-1]; !strings.Contains(last, "three beach photos") {
		t.Errorf("answer missing from transcript: %q", last)
	}
}

func TestModel_Events(t *testing.T) {
	m := sized(t, NewModel("MediaMCP", 4, nil))

	for _, msg := range []tea.Msg{StatusMsg("ACTING"), IterMsg(2), LogMsg("→ list_directory"), AnswerMsg{Text: "failed", Err: errors.New("x")}} {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	if m.Status != "ACTING" || m.Iteration != 2 {
		t.Errorf("status %q iteration %d", m.Status, m.Iteration)
	}
	if len(m.Log) != 2 || !strings.Contains(m.Log[1], "error") {
		t.Errorf("unexpected log %v", m.Log)
	}
	if !strings.Contains(m.View(), "Step 2/4") {
		t.Error("view should show the step counter")
	}
}

func TestModel_Quit(t *testing.T) {
	m := sized(t, NewModel("MediaMCP", 10, nil))
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !next.(Model).Quitting || cmd == nil {
		t.Error("ctrl+c should quit")
	}
}

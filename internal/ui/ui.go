package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/felixgeelhaar/mediamcp/internal/runtime"
)

type UI interface {
	UpdateStatus(status string)
	UpdateIteration(iter int)
	UpdateProgress(done, total int)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string)     {}
func (s SilentUI) UpdateIteration(iter int)       {}
func (s SilentUI) UpdateProgress(done, total int) {}
func (s SilentUI) Log(msg string)                 {}

// LineUI prints one line per update, for terminals without the TUI.
type LineUI struct {
	mu  sync.Mutex
	out io.Writer
}

func NewLineUI(out io.Writer) *LineUI {
	return &LineUI{out: out}
}

func (l *LineUI) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format+"\n", args...)
}

func (l *LineUI) UpdateStatus(status string) { l.printf("· %s", status) }
func (l *LineUI) UpdateIteration(iter int)   { l.printf("· step %d", iter) }
func (l *LineUI) Log(msg string)             { l.printf("  %s", msg) }

func (l *LineUI) UpdateProgress(done, total int) {
	l.printf("· embedded %d/%d", done, total)
}

// Attach forwards agent and scan events from bus to u. Only events of
// conversation (or all conversations when it is empty) are shown.
func Attach(bus *runtime.EventBus, u UI, conversation string) {
	bus.SubscribeAll(func(e runtime.Event) {
		if conversation != "" && e.ConversationID != "" && e.ConversationID != conversation {
			return
		}
		switch e.Type {
		case runtime.EventPhaseChange:
			if to, ok := e.Data["to"].(runtime.Phase); ok {
				u.UpdateStatus(string(to))
			}
		case runtime.EventIterationStart:
			if n, ok := e.Data["iteration"].(int); ok {
				u.UpdateIteration(n)
			}
		case runtime.EventToolCallStart:
			u.Log(fmt.Sprintf("→ %v", e.Data["tool"]))
		case runtime.EventToolCallRetry:
			u.Log(fmt.Sprintf("↻ %v timed out, retrying", e.Data["tool"]))
		case runtime.EventToolCallEnd:
			if msg, ok := e.Data["error"].(string); ok {
				u.Log(fmt.Sprintf("✗ %v: %s", e.Data["tool"], msg))
			}
		case runtime.EventMalformedResponse:
			u.Log("model reply was malformed, asking again")
		case runtime.EventBudgetExceeded:
			u.Log("step budget exhausted")
		case runtime.EventScanProgress:
			done, _ := e.Data["done"].(int)
			total, _ := e.Data["total"].(int)
			u.UpdateProgress(done, total)
		}
	})
}

package orchestrate

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/felixgeelhaar/mediamcp/internal/store"
)

// echoProvider answers based on the last user message. "slow" asks for the
// wait tool once; anything else is echoed back as the answer.
type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Chat(ctx context.Context, messages []provider.Message, tools []provider.ToolSchema) (*provider.Response, error) {
	last := messages[len(messages)-1]
	usage := provider.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}
	if last.Role == provider.RoleTool {
		return &provider.Response{Content: "waited: " + last.Content, Usage: usage}, nil
	}
	if last.Content == "slow" {
		return &provider.Response{
			ToolCalls: []provider.ToolCall{{ID: "w1", Name: "wait", Args: "{}"}},
			Usage:     usage,
		}, nil
	}
	return &provider.Response{Content: "echo: " + last.Content, Usage: usage}, nil
}

type fixture struct {
	mgr     *Manager
	store   *store.SQLiteStore
	started chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "mediamcp.db"), filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, started: make(chan struct{}, 8)}
	reg := runtime.NewToolRegistry()
	reg.MustRegister(runtime.ToolDefinition{
		Name:        "wait",
		Description: "Blocks until cancelled.",
		Parameters:  map[string]any{"type": "object"},
		ReadOnly:    true,
	}, func(ctx context.Context, args map[string]any) (string, error) {
		f.started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})

	obs := observe.New(io.Discard, false)
	agent := runtime.NewAgent(echoProvider{}, reg, obs, runtime.AgentOptions{MaxIterations: 3})
	f.mgr = New(agent, s, obs)
	t.Cleanup(f.mgr.Close)
	return f
}

func TestManager_Ask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.mgr.Ask(ctx, "", "hello there")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if out.Phase != runtime.PhaseDone || out.Answer != "echo: hello there" {
		t.Errorf("unexpected outcome %+v", out)
	}

	conv, err := f.store.GetConversation(ctx, out.ConversationID)
	if err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if conv.Status != string(runtime.PhaseDone) || conv.Title != "hello there" {
		t.Errorf("unexpected conversation row %+v", conv)
	}
	rows, err := f.store.ListMessages(ctx, out.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	// system, user, assistant
	if len(rows) != 3 {
		t.Errorf("expected 3 stored messages, got %d", len(rows))
	}

	state, ok := f.mgr.State(out.ConversationID)
	if !ok {
		t.Fatal("state missing")
	}
	if state.TotalPromptTokens != 10 || state.TotalOutputTokens != 2 {
		t.Errorf("unexpected token totals %+v", state)
	}
}

func TestManager_ContinuesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.Ask(ctx, "", "one")
	if err != nil {
		t.Fatalf("first Ask failed: %v", err)
	}
	second, err := f.mgr.Ask(ctx, first.ConversationID, "two")
	if err != nil {
		t.Fatalf("second Ask failed: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation changed: %s != %s", second.ConversationID, first.ConversationID)
	}

	msgs, err := f.mgr.History(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	var users []string
	for _, m := range msgs {
		if m.Role == provider.RoleUser {
			users = append(users, m.Content)
		}
	}
	if strings.Join(users, ",") != "one,two" {
		t.Errorf("expected both utterances in order, got %v", users)
	}

	rows, _ := f.store.ListMessages(ctx, first.ConversationID)
	if len(rows) != len(msgs) {
		t.Errorf("stored %d messages, history has %d", len(rows), len(msgs))
	}
}

func TestManager_UnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Ask(context.Background(), "does-not-exist", "hi")
	if !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestManager_ConcurrentConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slow, err := f.mgr.Start(ctx, "", "slow")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow conversation never reached its tool")
	}

	t.Run("Busy", func(t *testing.T) {
		if _, err := f.mgr.Start(ctx, slow, "again"); !errors.Is(err, ErrBusy) {
			t.Errorf("expected ErrBusy, got %v", err)
		}
		if active := f.mgr.Active(); len(active) != 1 || active[0] != slow {
			t.Errorf("unexpected active list %v", active)
		}
	})

	t.Run("OthersProceed", func(t *testing.T) {
		var wg sync.WaitGroup
		for _, u := range []string{"a", "b", "c"} {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				out, err := f.mgr.Ask(ctx, "", u)
				if err != nil || out.Answer != "echo: "+u {
					t.Errorf("conversation %q: %v %+v", u, err, out)
				}
			}(u)
		}
		wg.Wait()
	})

	t.Run("Cancel", func(t *testing.T) {
		if !f.mgr.Cancel(slow) {
			t.Fatal("Cancel reported nothing in flight")
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		out, err := f.mgr.Wait(waitCtx, slow)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if out.Phase != runtime.PhaseAborted {
			t.Errorf("expected ABORTED, got %s", out.Phase)
		}
		conv, err := f.store.GetConversation(ctx, slow)
		if err != nil || conv.Status != string(runtime.PhaseAborted) {
			t.Errorf("stored status %v, %v", conv, err)
		}
		if f.mgr.Cancel(slow) {
			t.Error("second Cancel should find nothing to stop")
		}
	})
}

func TestManager_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var phases []string
	f.mgr.Bus().Subscribe(runtime.EventPhaseChange, func(e runtime.Event) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, string(e.Data["to"].(runtime.Phase)))
	})

	if _, err := f.mgr.Ask(context.Background(), "", "hi"); err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(phases, ",") != "DONE" {
		t.Errorf("unexpected phase sequence %v", phases)
	}
}

func TestTitle(t *testing.T) {
	long := strings.Repeat("x", 100)
	if got := []rune(title(long)); len(got) != titleLength {
		t.Errorf("title length %d, want %d", len(got), titleLength)
	}
	if title("short") != "short" {
		t.Error("short utterances are kept")
	}
}

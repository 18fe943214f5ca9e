package runtime

import (
	"testing"

	"github.com/felixgeelhaar/mediamcp/internal/provider"
)

func TestHistory_AppendIsPersistent(t *testing.T) {
	h0 := NewHistory("system prompt")
	h1 := h0.Append(provider.Message{Role: "user", Content: "hi"})
	h2 := h1.Append(provider.Message{Role: "assistant", Content: "hello"})
	h1b := h1.Append(provider.Message{Role: "assistant", Content: "other branch"})

	if h0.Len() != 1 || h1.Len() != 2 || h2.Len() != 3 {
		t.Fatalf("unexpected lengths %d %d %d", h0.Len(), h1.Len(), h2.Len())
	}
	if h2.Version() != h0.Version()+2 {
		t.Errorf("expected version to grow per append, got %d", h2.Version())
	}
	if last, _ := h2.Last(); last.Content != "hello" {
		t.Errorf("branching changed an earlier value: %q", last.Content)
	}
	if last, _ := h1b.Last(); last.Content != "other branch" {
		t.Errorf("unexpected branch content %q", last.Content)
	}
}

func TestHistory_MessagesIsACopy(t *testing.T) {
	h := NewHistory("").Append(provider.Message{Role: "user", Content: "original"})
	msgs := h.Messages()
	msgs[0].Content = "modified"
	if h.Messages()[0].Content != "original" {
		t.Error("Messages should return a copy")
	}
	if len(h.Since(0)) != 1 || h.Since(1) != nil {
		t.Error("unexpected Since result")
	}
	if _, ok := (History{}).Last(); ok {
		t.Error("empty history has no last message")
	}
}

package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/felixgeelhaar/mediamcp/internal/store"
	"github.com/google/uuid"
)

// DefaultMaxObservationChars is the largest tool output kept inline in the
// conversation history.
const DefaultMaxObservationChars = 8000

// Proxy sits between the agent and its tools. Outputs longer than the
// inline limit are stored as artifacts and replaced by a truncated digest
// that points at the stored copy.
type Proxy struct {
	next     runtime.Invoker
	store    store.Storage
	maxChars int
	now      func() time.Time
}

func NewProxy(next runtime.Invoker, s store.Storage, maxChars int) *Proxy {
	if maxChars <= 0 {
		maxChars = DefaultMaxObservationChars
	}
	return &Proxy{next: next, store: s, maxChars: maxChars, now: time.Now}
}

func (p *Proxy) Schemas() []provider.ToolSchema { return p.next.Schemas() }

func (p *Proxy) ReadOnly(name string) bool { return p.next.ReadOnly(name) }

// Call implements runtime.Invoker.
func (p *Proxy) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	out, err := p.next.Call(ctx, name, args)
	if err != nil || len(out) <= p.maxChars || p.store == nil {
		return out, err
	}

	a, err := p.save(ctx, runtime.ConversationFrom(ctx), name, out)
	if err != nil {
		// The output is still usable; only the stored copy is missing.
		return truncate(out, p.maxChars) + fmt.Sprintf("\n[truncated %d of %d bytes]", len(out)-p.maxChars, len(out)), nil
	}
	return truncate(out, p.maxChars) + fmt.Sprintf("\n[truncated %d of %d bytes; full output saved as artifact %s]", len(out)-p.maxChars, len(out), a.ID), nil
}

func (p *Proxy) save(ctx context.Context, conversationID, tool, content string) (*store.Artifact, error) {
	if conversationID == "" {
		conversationID = "detached"
	}
	sum := sha256.Sum256([]byte(content))
	id := uuid.NewString()
	a := &store.Artifact{
		ID:             id,
		ConversationID: conversationID,
		Path:           fmt.Sprintf("%s/%s_%s.txt", conversationID, tool, id),
		Type:           "tool_output",
		CreatedAt:      p.now(),
		Digest:         hex.EncodeToString(sum[:]),
	}
	if err := p.store.SaveArtifact(ctx, a, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to save artifact: %w", err)
	}
	return a, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

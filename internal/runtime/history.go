package runtime

import "github.com/felixgeelhaar/mediamcp/internal/provider"

// History is an immutable conversation transcript. Append returns a new
// value with the version incremented; earlier values stay valid, so every
// transition of the loop can be replayed from the value it started with.
type History struct {
	version int
	msgs    []provider.Message
}

// NewHistory starts a transcript with a system prompt, if any.
func NewHistory(system string) History {
	if system == "" {
		return History{}
	}
	return History{version: 1, msgs: []provider.Message{{Role: provider.RoleSystem, Content: system}}}
}

// HistoryFrom wraps previously persisted messages.
func HistoryFrom(msgs []provider.Message) History {
	return History{}.Append(msgs...)
}

func (h History) Append(msgs ...provider.Message) History {
	if len(msgs) == 0 {
		return h
	}
	next := make([]provider.Message, len(h.msgs), len(h.msgs)+len(msgs))
	copy(next, h.msgs)
	for _, m := range msgs {
		m.ToolCalls = append([]provider.ToolCall(nil), m.ToolCalls...)
		next = append(next, m)
	}
	return History{version: h.version + 1, msgs: next}
}

func (h History) Version() int { return h.version }
func (h History) Len() int     { return len(h.msgs) }

// Messages returns a copy of the transcript.
func (h History) Messages() []provider.Message {
	out := make([]provider.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Since returns the messages appended after the first n.
func (h History) Since(n int) []provider.Message {
	if n >= len(h.msgs) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	out := make([]provider.Message, len(h.msgs)-n)
	copy(out, h.msgs[n:])
	return out
}

func (h History) Last() (provider.Message, bool) {
	if len(h.msgs) == 0 {
		return provider.Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}

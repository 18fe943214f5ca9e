package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Step is one scripted model turn: either a response or an error.
type Step struct {
	Response *Response
	Err      error
	// Delay is waited before answering; cancelling ctx interrupts it.
	Delay time.Duration
}

// Scripted replays a fixed sequence of turns. It records every conversation
// it was sent so tests can assert on the history.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	next  int
	seen  [][]Message
	tools [][]ToolSchema
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Reply is a text-only step.
func Reply(content string) Step {
	return Step{Response: &Response{Content: content}}
}

// Call is a step requesting one tool call with args encoded as JSON.
func Call(id, name string, args any) Step {
	raw, _ := json.Marshal(args)
	if args == nil {
		raw = []byte("{}")
	}
	return Step{Response: &Response{ToolCalls: []ToolCall{{ID: id, Name: name, Args: string(raw)}}}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	s.mu.Lock()
	cp := make([]Message, len(messages))
	copy(cp, messages)
	s.seen = append(s.seen, cp)
	s.tools = append(s.tools, tools)
	if s.next >= len(s.steps) {
		s.mu.Unlock()
		return nil, &ProviderError{Provider: s.Name(), Code: "script_exhausted", Message: "no scripted response left"}
	}
	step := s.steps[s.next]
	s.next++
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Calls returns how many times Chat was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Seen returns the messages sent on the i-th call.
func (s *Scripted) Seen(i int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.seen) {
		return nil
	}
	return s.seen[i]
}

// Tools returns the tool schemas sent on the i-th call.
func (s *Scripted) Tools(i int) []ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.tools) {
		return nil
	}
	return s.tools[i]
}

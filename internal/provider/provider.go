// Package provider adapts chat LLM backends to the agent's tool-calling loop.
package provider

import (
	"context"
	"encoding/json"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool results
	Name       string     `json:"name,omitempty"`         // tool name of a tool result
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Response represents the output from the model.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ToolCall is a tool invocation requested by the model. Args is the raw
// JSON text the model produced; it is not guaranteed to be valid.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolSchema advertises one tool to the model. Parameters is a JSON Schema
// object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Provider defines the interface for AI model interactions.
type Provider interface {
	// Chat sends the conversation and the available tools to the model.
	Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error)

	// Name returns the provider identifier (e.g. "openai", "scripted").
	Name() string
}

// parameters returns a usable object schema even for tools without one.
func (t ToolSchema) parameters() map[string]any {
	if t.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.Parameters
}

func decodeArgs(args string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(args), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider connects to OLLAMA_HOST, or the local default.
func NewOllamaProvider(model string) (*OllamaProvider, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", baseURL, err)
	}

	return &OllamaProvider{
		client: api.NewClient(uri, http.DefaultClient),
		model:  model,
	}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	apiMsgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msg := api.Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var call api.ToolCall
			call.Function.Name = tc.Name
			if err := json.Unmarshal([]byte(tc.Args), &call.Function.Arguments); err != nil {
				json.Unmarshal([]byte("{}"), &call.Function.Arguments)
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		apiMsgs = append(apiMsgs, msg)
	}

	req := &api.ChatRequest{
		Model:    p.model,
		Messages: apiMsgs,
		Stream:   new(bool), // false
		Tools:    ollamaTools(tools),
	}

	var respContent string
	var usage Usage
	var toolCalls []ToolCall

	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		respContent += resp.Message.Content
		if resp.Done {
			usage = Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			argsBytes, _ := json.Marshal(tc.Function.Arguments)
			toolCalls = append(toolCalls, ToolCall{
				ID:   fmt.Sprintf("call_%d", len(toolCalls)),
				Name: tc.Function.Name,
				Args: string(argsBytes),
			})
		}
		return nil
	})
	if err != nil {
		status := 0
		var se api.StatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return nil, newError(p.Name(), status, err)
	}

	return &Response{
		Content:   respContent,
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

// ollamaTools converts the flat top-level properties of each schema. Nested
// schemas are advertised by type only.
func ollamaTools(tools []ToolSchema) []api.Tool {
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.parameters()
		propSchemas, _ := params["properties"].(map[string]any)

		names := make([]string, 0, len(propSchemas))
		for name := range propSchemas {
			names = append(names, name)
		}
		sort.Strings(names)

		props := api.NewToolPropertiesMap()
		for _, name := range names {
			ps, _ := propSchemas[name].(map[string]any)
			typ, _ := ps["type"].(string)
			if typ == "" {
				typ = "string"
			}
			desc, _ := ps["description"].(string)
			props.Set(name, api.ToolProperty{
				Type:        api.PropertyType{typ},
				Description: desc,
			})
		}

		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: props,
					Required:   requiredOf(params),
				},
			},
		})
	}
	return out
}

func requiredOf(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

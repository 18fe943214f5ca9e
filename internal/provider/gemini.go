package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}

	return &GeminiProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	if len(messages) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Code: "bad_request", Message: "no messages"}
	}

	geminiModel := p.client.GenerativeModel(p.model)
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  genaiSchema(t.parameters()),
			})
		}
		geminiModel.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	system, contents := geminiContents(messages)
	if system != nil {
		geminiModel.SystemInstruction = system
	}
	if len(contents) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Code: "bad_request", Message: "no user content"}
	}

	cs := geminiModel.StartChat()
	cs.History = contents[:len(contents)-1]
	resp, err := cs.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		status := 0
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			status = gerr.Code
		}
		return nil, newError(p.Name(), status, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &ProviderError{Provider: p.Name(), Code: "empty_response", Message: "no candidates returned", Retryable: true}
	}

	var result Response
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			result.Content += string(v)
		case genai.FunctionCall:
			argsBytes, _ := json.Marshal(v.Args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:   fmt.Sprintf("%s_%d", v.Name, len(result.ToolCalls)),
				Name: v.Name,
				Args: string(argsBytes),
			})
		}
	}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return &result, nil
}

// geminiContents maps the history onto Gemini's user/model turns. Tool
// results travel as function responses in a user turn; consecutive turns of
// the same role are merged.
func geminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var out []*genai.Content

	push := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.Text(m.Content))
		case RoleTool:
			push("user", genai.FunctionResponse{
				Name:     m.Name,
				Response: map[string]any{"result": m.Content},
			})
		case RoleAssistant:
			var parts []genai.Part
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: decodeArgs(tc.Args)})
			}
			push("model", parts...)
		default:
			if m.Content != "" {
				push("user", genai.Text(m.Content))
			}
		}
	}
	return system, out
}

func genaiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	typ, _ := s["type"].(string)
	switch typ {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	out.Description, _ = s["description"].(string)

	if props, ok := s["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if ps, ok := raw.(map[string]any); ok {
				out.Properties[name] = genaiSchema(ps)
			}
		}
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = genaiSchema(items)
	}
	out.Required = requiredOf(s)
	return out
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientVersion is reported to tool servers during initialization.
const ClientVersion = "0.1.0"

// Remote is a connected tool server.
type Remote struct {
	Name   string
	client *client.Client
	tools  []mcp.Tool
}

// Dial connects to a streamable HTTP tool server at url.
func Dial(ctx context.Context, name, url string) (*Remote, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("tool server %s: %w", name, err)
	}
	r, err := Connect(ctx, name, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return r, nil
}

// Connect initializes c and fetches its tool list.
func Connect(ctx context.Context, name string, c *client.Client) (*Remote, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("tool server %s: start: %w", name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mediamcp",
		Version: ClientVersion,
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		return nil, fmt.Errorf("tool server %s: initialize: %w", name, err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tool server %s: list tools: %w", name, err)
	}
	return &Remote{Name: name, client: c, tools: list.Tools}, nil
}

// Tools returns the names the server advertised.
func (r *Remote) Tools() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Register adds every remote tool to reg. Calls are forwarded to the server
// and error results are decoded back into runtime error kinds.
func (r *Remote) Register(reg *runtime.ToolRegistry) error {
	for _, t := range r.tools {
		params, err := inputSchema(t)
		if err != nil {
			return fmt.Errorf("tool server %s: %w", r.Name, err)
		}
		def := runtime.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			ReadOnly:    t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint,
		}
		if err := reg.Register(def, r.forward(t.Name)); err != nil {
			return fmt.Errorf("tool server %s: %w", r.Name, err)
		}
	}
	return nil
}

func (r *Remote) forward(name string) runtime.ToolHandler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		res, err := r.client.CallTool(ctx, req)
		if err != nil {
			return "", fmt.Errorf("tool server %s: %w", r.Name, err)
		}
		text := resultText(res)
		if res.IsError {
			if decoded := runtime.DecodeError(name, text); decoded != nil {
				return "", decoded
			}
			return "", errors.New(text)
		}
		return text, nil
	}
}

func (r *Remote) Close() error {
	return r.client.Close()
}

func inputSchema(t mcp.Tool) (map[string]any, error) {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(t.InputSchema); err != nil {
			return nil, fmt.Errorf("tool %q: encode schema: %w", t.Name, err)
		}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("tool %q: decode schema: %w", t.Name, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	for k, v := range params {
		if v == nil {
			delete(params, k)
		}
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	return params, nil
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

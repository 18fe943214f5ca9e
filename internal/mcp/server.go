package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// EndpointPath is where tool servers listen for streamable HTTP requests.
const EndpointPath = "/mcp"

const shutdownTimeout = 5 * time.Second

// NewServer exposes every tool in reg as an MCP tool. Calls go through
// reg.Invoke, so validation and timeouts are identical for local and remote
// callers. Failures come back as error results whose text is produced by
// runtime.EncodeError.
func NewServer(name, version string, reg *runtime.ToolRegistry, obs *observe.Observer) (*server.MCPServer, error) {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	for _, def := range reg.List() {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q: encode schema: %w", def.Name, err)
		}
		tool := mcp.NewToolWithRawSchema(def.Name, def.Description, raw)
		readOnly := def.ReadOnly
		destructive := !def.ReadOnly
		tool.Annotations.ReadOnlyHint = &readOnly
		tool.Annotations.DestructiveHint = &destructive
		s.AddTool(tool, handler(reg, def.Name, obs))
	}
	return s, nil
}

func handler(reg *runtime.ToolRegistry, name string, obs *observe.Observer) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := obs.StartSpan(ctx, "mcp "+name)
		defer span.End()

		out, err := reg.Invoke(ctx, name, req.GetArguments())
		if err != nil {
			obs.Log().Debug().Str("tool", name).Err(err).Msg("tool call failed")
			return mcp.NewToolResultError(runtime.EncodeError(err)), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// Handler returns the streamable HTTP handler for s.
func Handler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s, server.WithEndpointPath(EndpointPath))
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, s *server.MCPServer, addr string, obs *observe.Observer) error {
	httpServer := server.NewStreamableHTTPServer(s, server.WithEndpointPath(EndpointPath))

	errCh := make(chan error, 1)
	go func() {
		obs.Log().Info().Str("addr", addr).Str("path", EndpointPath).Msg("tool server listening")
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tool server: %w", err)
		}
		return nil
	}
}

// Package plugin runs embedders as external processes over go-plugin gRPC,
// so heavy models (CLIP, SigLIP) live outside the mediamcp binary.
package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// HandshakeConfig is used to handshake between host and plugin.
var HandshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MEDIAMCP_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "mediamcp-embedder",
}

// EmbedderName is the key the embedder is dispensed under.
const EmbedderName = "embedder"

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	EmbedderName: &EmbedderGRPCPlugin{},
}

// Serve runs impl as a plugin process. It blocks until the host exits.
func Serve(impl embed.Embedder) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]plugin.Plugin{
			EmbedderName: &EmbedderGRPCPlugin{Impl: impl},
		},
		GRPCServer: plugin.DefaultGRPCServer,
	})
}

// Launched is an embedder served by a child process.
type Launched struct {
	*EmbedderGRPCClient
	client *plugin.Client
}

// Close kills the plugin process.
func (l *Launched) Close() error {
	l.client.Kill()
	return nil
}

// Launch starts the plugin command line and returns its embedder.
// verbose forwards the plugin's log lines to stderr.
func Launch(ctx context.Context, command string, verbose bool) (*Launched, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty embedder plugin command")
	}

	var out io.Writer = io.Discard
	if verbose {
		out = os.Stderr
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.CommandContext(ctx, args[0], args[1:]...), // #nosec G204
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolGRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "embedder-plugin",
			Output: out,
			Level:  hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start embedder plugin: %w", err)
	}
	raw, err := rpcClient.Dispense(EmbedderName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense embedder plugin: %w", err)
	}
	e, ok := raw.(*EmbedderGRPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("embedder plugin returned %T", raw)
	}
	return &Launched{EmbedderGRPCClient: e, client: client}, nil
}

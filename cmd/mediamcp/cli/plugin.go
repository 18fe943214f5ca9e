package cli

import (
	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"github.com/felixgeelhaar/mediamcp/internal/plugin"
	"github.com/spf13/cobra"
)

// embedderPluginCmd serves the built-in embedder over the plugin protocol.
// Setting embedder_plugin to "mediamcp embedder-plugin" exercises the
// plugin path end to end without an external model.
var embedderPluginCmd = &cobra.Command{
	Use:    "embedder-plugin",
	Short:  "Serve the built-in embedder as a go-plugin process",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		plugin.Serve(embed.NewHistogramEmbedder())
	},
}

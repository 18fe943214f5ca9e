package cli

import (
	"fmt"

	"github.com/felixgeelhaar/mediamcp/internal/mcp"
	"github.com/spf13/cobra"
)

// Version is reported to MCP clients.
var Version = "0.1.0"

var serveAddr string

var defaultAddrs = map[string]string{
	"files": ":8000",
	"web":   ":8001",
	"media": ":8002",
}

var serveCmd = &cobra.Command{
	Use:       "serve files|web|media",
	Short:     "Run an MCP tool server over streamable HTTP",
	Long:      "Serve exposes one tool group at " + mcp.EndpointPath + ". The files server also carries the media search tools.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: toolGroups,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		group := args[0]

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.registry(group)
		if err != nil {
			return err
		}
		srv, err := mcp.NewServer("mediamcp-"+group, Version, reg, a.obs)
		if err != nil {
			return err
		}

		addr := serveAddr
		if addr == "" {
			addr = defaultAddrs[group]
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "serving %d %s tools on http://%s%s\n", reg.Count(), group, addr, mcp.EndpointPath)
		return mcp.Serve(ctx, srv, addr, a.obs)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8000 files, :8001 web, :8002 media)")
}

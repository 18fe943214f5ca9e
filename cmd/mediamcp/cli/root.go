package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	homeDir      string
	configPath   string
	verbose      bool
	jsonOutput   bool
	providerType string
	modelName    string
	localTools   bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "mediamcp",
	Short: "Chat with your photo and video library",
	Long: `MediaMCP keeps a semantic index of your local photos and videos and lets
a language model browse, search and organise them through MCP tool servers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := RootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&homeDir, "home", "", "State directory (default $MEDIAMCP_HOME or ~/.mediamcp)")
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default <home>/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.BoolVar(&jsonOutput, "json", false, "Log as JSON")
	flags.BoolVar(&jsonOutput, "ci", false, "CI mode: JSON logs, non-interactive")

	for _, cmd := range []*cobra.Command{askCmd, chatCmd} {
		cmd.Flags().StringVarP(&providerType, "provider", "p", envOr("MEDIAMCP_PROVIDER", "ollama"), "LLM provider (openai, groq, ollama, gemini, anthropic)")
		cmd.Flags().StringVarP(&modelName, "model", "m", os.Getenv("MEDIAMCP_MODEL"), "Model name (default depends on provider)")
		cmd.Flags().BoolVar(&localTools, "local-tools", false, "Run the tools in-process instead of dialing tool servers")
	}

	RootCmd.AddCommand(askCmd, chatCmd, scanCmd, searchCmd, serveCmd, listCmd, configCmd, embedderPluginCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

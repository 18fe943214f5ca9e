package cli

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/felixgeelhaar/mediamcp/internal/ui"
	"github.com/felixgeelhaar/mediamcp/internal/ui/tui"
	"github.com/spf13/cobra"
)

var conversationID string

var askCmd = &cobra.Command{
	Use:   "ask [utterance]",
	Short: "Send one request to the agent and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		mgr, err := a.manager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var u ui.UI = ui.SilentUI{}
		if !jsonOutput {
			u = ui.NewLineUI(cmd.ErrOrStderr())
			ui.Attach(mgr.Bus(), u, "")
			ui.Attach(a.bus, u, "")
		}
		r := NewRunner(a.obs, mgr, u, cmd.OutOrStdout())
		r.ConversationID = conversationID
		if err := r.Run(ctx, strings.Join(args, " ")); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", r.ConversationID)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		mgr, err := a.manager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		r := NewRunner(a.obs, mgr, nil, os.Stdout)
		r.ConversationID = conversationID
		model := tui.NewModel("MediaMCP", a.cfg.MaxIterations, func(utterance string) (string, error) {
			return r.Ask(ctx, utterance)
		})
		program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		view := tui.NewTUI(program)
		r.UI = view
		ui.Attach(mgr.Bus(), view, "")
		ui.Attach(a.bus, view, "")

		if _, err := program.Run(); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		if r.ConversationID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", r.ConversationID)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{askCmd, chatCmd} {
		cmd.Flags().StringVarP(&conversationID, "conversation", "C", "", "Continue an existing conversation")
	}
}

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list [conversation-id]",
	Short: "List past conversations, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}
		obs := newObserver(cfg)
		defer obs.Close()

		s, err := openStore(dir)
		if err != nil {
			return fmt.Errorf("failed to init store: %w", err)
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			rows, err := s.ListMessages(ctx, args[0])
			if err != nil {
				return err
			}
			msgs, err := runtime.MessagesFromStore(rows)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, msgs)
			}
			for _, m := range msgs {
				printMessage(out, m)
			}
			return nil
		}

		convs, err := s.ListConversations(ctx, listLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "no conversations yet")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tTITLE")
		for _, c := range convs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Status, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Title)
		}
		return tw.Flush()
	},
}

func printMessage(w io.Writer, m provider.Message) {
	switch m.Role {
	case provider.RoleSystem:
		return
	case provider.RoleTool:
		fmt.Fprintf(w, "  [%s] %s\n", m.ToolCallID, firstLine(m.Content))
	case provider.RoleAssistant:
		for _, c := range m.ToolCalls {
			fmt.Fprintf(w, "  → %s %s\n", c.Name, c.Args)
		}
		if m.Content != "" {
			fmt.Fprintf(w, "mediamcp: %s\n", m.Content)
		}
	default:
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(s, "\n")
	if cut {
		return line + " …"
	}
	return line
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Number of conversations to show")
}

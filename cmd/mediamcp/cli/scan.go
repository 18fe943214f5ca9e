package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/mediamcp/internal/media"
	"github.com/felixgeelhaar/mediamcp/internal/scan"
	"github.com/felixgeelhaar/mediamcp/internal/ui"
	"github.com/spf13/cobra"
)

var (
	rebuildIndex bool
	imagePath    string
	topK         int
)

var scanCmd = &cobra.Command{
	Use:   "scan [path...]",
	Short: "Bring the media index in line with the files on disk",
	Long: `Scan walks the configured media_paths (or the given paths) and embeds new
and changed photos and videos. Unchanged files are not read again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		roots := a.cfg.MediaPaths
		if len(args) > 0 {
			roots = nil
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				roots = append(roots, abs)
			}
		}
		if !jsonOutput {
			ui.Attach(a.bus, ui.NewLineUI(cmd.ErrOrStderr()), "")
		}

		scanRun := a.scanner.Reconcile
		if rebuildIndex {
			scanRun = a.scanner.Rebuild
		}
		res, err := scanRun(ctx, roots)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		printScan(cmd.OutOrStdout(), res, a.index.Stats())
		return nil
	},
}

func printScan(w io.Writer, res *scan.Result, stats media.Stats) {
	fmt.Fprintf(w, "added %d, modified %d, deleted %d, moved %d, unchanged %d, failed %d\n",
		len(res.Added), len(res.Modified), len(res.Deleted), len(res.Moved), len(res.Unchanged), len(res.Failed))
	for _, m := range res.Moved {
		fmt.Fprintf(w, "  moved  %s -> %s\n", m.From, m.To)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  failed %s: %v\n", f.Path, f.Err)
	}
	fmt.Fprintf(w, "index: %d indexed, %d stale (%d embedding calls)\n", stats.Indexed, stats.Stale, res.EmbedCalls)
}

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search the media index by description or by example image",
	Args: func(cmd *cobra.Command, args []string) error {
		if imagePath == "" && len(args) == 0 {
			return fmt.Errorf("give a description or --image")
		}
		if imagePath != "" && len(args) > 0 {
			return fmt.Errorf("a description and --image are exclusive")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		k := topK
		if k <= 0 {
			k = a.cfg.TopK
		}

		var matches []media.Match
		if imagePath != "" {
			abs, err := filepath.Abs(imagePath)
			if err != nil {
				return err
			}
			matches, err = a.searcher.File(ctx, abs, k)
			if err != nil {
				return err
			}
		} else {
			matches, err = a.searcher.Text(ctx, strings.Join(args, " "), k)
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), matches)
		}
		if len(matches) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no matches (run `mediamcp scan` first?)")
			return nil
		}
		for _, m := range matches {
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s\n", m.Score, m.Path)
		}
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	scanCmd.Flags().BoolVar(&rebuildIndex, "rebuild", false, "Discard the index and embed everything again")
	searchCmd.Flags().StringVar(&imagePath, "image", "", "Find media similar to this file")
	searchCmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (default top_k from the config)")
}

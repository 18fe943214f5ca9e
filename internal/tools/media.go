package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/mediamcp/internal/guard"
	"github.com/felixgeelhaar/mediamcp/internal/media"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/felixgeelhaar/mediamcp/internal/scan"
)

const maxTopK = 100

// Media serves semantic search over the index and on-demand rescans.
type Media struct {
	searcher *media.Searcher
	scanner  *scan.Scanner
	guard    *guard.Guard
	roots    []string
	topK     int
}

func NewMedia(s *media.Searcher, sc *scan.Scanner, g *guard.Guard, roots []string, topK int) *Media {
	if topK <= 0 {
		topK = 5
	}
	return &Media{searcher: s, scanner: sc, guard: g, roots: roots, topK: topK}
}

// Register adds the media tools to reg.
func (m *Media) Register(reg *runtime.ToolRegistry) error {
	topK := integer("Number of results.", m.topK, 1, maxTopK)
	tools := []struct {
		def     runtime.ToolDefinition
		handler runtime.ToolHandler
	}{
		{runtime.ToolDefinition{
			Name:        "search_image_by_text",
			Description: "Find photos and videos whose content matches a description, e.g. \"sunset at the beach\".",
			Parameters: object(map[string]any{
				"query": str("What the media should show."),
				"top_k": topK,
			}, "query"),
			ReadOnly: true,
		}, m.searchByText},
		{runtime.ToolDefinition{
			Name:        "search_by_image",
			Description: "Find indexed media that looks like the given image file. The file does not need to be indexed.",
			Parameters: object(map[string]any{
				"path":  str("Example image."),
				"top_k": topK,
			}, "path"),
			ReadOnly: true,
		}, m.searchByImage},
		{runtime.ToolDefinition{
			Name:        "similar_media",
			Description: "Find media similar to an already indexed file, excluding the file itself.",
			Parameters: object(map[string]any{
				"path":  str("Indexed media file."),
				"top_k": topK,
			}, "path"),
			ReadOnly: true,
		}, m.similar},
		{runtime.ToolDefinition{
			Name:        "rescan_media",
			Description: "Reconcile the media index with the files on disk and report what changed.",
			Parameters:  object(map[string]any{}),
		}, m.rescan},
		{runtime.ToolDefinition{
			Name:        "index_stats",
			Description: "Count indexed, stale and deleted media.",
			Parameters:  object(map[string]any{}),
			ReadOnly:    true,
		}, m.stats},
	}
	for _, t := range tools {
		if err := reg.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (m *Media) matches(ms []media.Match, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if ms == nil {
		ms = []media.Match{}
	}
	return result(map[string]any{"results": ms})
}

func (m *Media) searchByText(ctx context.Context, args map[string]any) (string, error) {
	return m.matches(m.searcher.Text(ctx, stringArg(args, "query"), intArg(args, "top_k", m.topK)))
}

func (m *Media) path(args map[string]any) (string, error) {
	if m.guard == nil {
		return stringArg(args, "path"), nil
	}
	abs, v := m.guard.CheckPath(stringArg(args, "path"))
	if v != nil {
		return "", v
	}
	return abs, nil
}

func (m *Media) searchByImage(ctx context.Context, args map[string]any) (string, error) {
	path, err := m.path(args)
	if err != nil {
		return "", err
	}
	return m.matches(m.searcher.File(ctx, path, intArg(args, "top_k", m.topK)))
}

func (m *Media) similar(ctx context.Context, args map[string]any) (string, error) {
	path, err := m.path(args)
	if err != nil {
		return "", err
	}
	ms, err := m.searcher.Index.Similar(path, intArg(args, "top_k", m.topK))
	if errors.Is(err, media.ErrNotIndexed) {
		return "", fmt.Errorf("%s is not indexed; use search_by_image for files outside the index", path)
	}
	return m.matches(ms, err)
}

type rescanSummary struct {
	Added      int          `json:"added"`
	Modified   int          `json:"modified"`
	Deleted    int          `json:"deleted"`
	Unchanged  int          `json:"unchanged"`
	Moved      []scan.Move  `json:"moved,omitempty"`
	Failed     []failedPath `json:"failed,omitempty"`
	EmbedCalls int          `json:"embed_calls"`
	Index      media.Stats  `json:"index"`
}

type failedPath struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func (m *Media) rescan(ctx context.Context, args map[string]any) (string, error) {
	if m.scanner == nil {
		return "", errors.New("this server has no scanner attached")
	}
	res, err := m.scanner.Reconcile(ctx, m.roots)
	if err != nil {
		return "", err
	}
	out := rescanSummary{
		Added:      len(res.Added),
		Modified:   len(res.Modified),
		Deleted:    len(res.Deleted),
		Unchanged:  len(res.Unchanged),
		Moved:      res.Moved,
		EmbedCalls: res.EmbedCalls,
		Index:      m.searcher.Index.Stats(),
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, failedPath{Path: f.Path, Error: f.Err.Error()})
	}
	return result(out)
}

func (m *Media) stats(ctx context.Context, args map[string]any) (string, error) {
	return result(m.searcher.Index.Stats())
}

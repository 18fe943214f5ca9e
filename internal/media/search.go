package media

import (
	"context"
	"fmt"
	"os"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
)

// Searcher answers text and example-file queries against an Index.
type Searcher struct {
	Index     *Index
	Embedder  embed.Embedder
	ImageExts []string
	VideoExts []string
}

// Text embeds query into the media vector space and ranks the index.
func (s *Searcher) Text(ctx context.Context, query string, k int) ([]Match, error) {
	vec, err := embed.Text(ctx, s.Embedder, query)
	if err != nil {
		return nil, err
	}
	return s.Index.Query(vec, k)
}

// File ranks the index against the content of path. Indexed files reuse
// their stored vector and are excluded from their own results; other files
// are embedded on the fly.
func (s *Searcher) File(ctx context.Context, path string, k int) ([]Match, error) {
	if it, ok := s.Index.Get(path); ok && it.State == StateIndexed {
		return s.Index.Similar(path, k)
	}

	m, ok := embed.ModalityFor(path, s.ImageExts, s.VideoExts)
	if !ok {
		return nil, &embed.Failure{Modality: m, Err: fmt.Errorf("%s is not a supported media file", path)}
	}
	if !s.Embedder.Supports(m) {
		return nil, &embed.Failure{Modality: m, Err: embed.ErrUnsupportedModality}
	}
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	vec, err := s.Embedder.Embed(ctx, data, m)
	if err != nil {
		return nil, err
	}
	matches, err := s.Index.Query(vec, k+1)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, mt := range matches {
		if mt.Path != path {
			out = append(out, mt)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

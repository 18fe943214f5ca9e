package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/felixgeelhaar/mediamcp/internal/embed"
)

type file struct {
	path string
	size int64
	mod  time.Time
	kind embed.Modality
}

// listing is what one walk of a root found.
type listing struct {
	files []file
	// skipped holds directories and files that could not be read. Indexed
	// items at or below them are still on disk as far as the pass knows.
	skipped []string
}

// keeps reports whether p lies at or below a skipped path.
func (l listing) keeps(p string) bool {
	for _, s := range l.skipped {
		if p == s || strings.HasPrefix(p, s+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// discover walks root in lexical order and returns the media files the
// embedder can handle. It reports false when root itself is unreadable, in
// which case none of its indexed items may be treated as deleted.
func (s *Scanner) discover(ctx context.Context, root string, res *Result) (listing, bool) {
	var l listing
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory")
		}
		res.fail(root, &IOError{Path: root, Err: err})
		return l, false
	}

	walkErr := s.walk(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			res.fail(path, &IOError{Path: path, Err: err})
			l.skipped = append(l.skipped, path)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || s.excluded(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.excluded(rel) {
			return nil
		}

		kind, ok := embed.ModalityFor(path, s.opts.ImageExts, s.opts.VideoExts)
		if !ok || !s.embedder.Supports(kind) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			res.fail(path, &IOError{Path: path, Err: err})
			l.skipped = append(l.skipped, path)
			return nil
		}
		l.files = append(l.files, file{path: path, size: fi.Size(), mod: fi.ModTime(), kind: kind})
		return nil
	})
	if walkErr != nil {
		return l, false
	}
	return l, true
}

func (s *Scanner) excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range s.opts.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// hashFile computes the sha256 content hash used as the strong fingerprint.
func hashFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package scan keeps the media index synchronised with the filesystem.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"github.com/felixgeelhaar/mediamcp/internal/media"
	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"golang.org/x/sync/errgroup"
)

// IOError is a ScanIOError: a file or directory could not be read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("scan %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Failure records one path the pass had to skip.
type Failure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// Move records a file whose content reappeared under a new path.
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Result classifies every media path seen by one reconciliation pass.
type Result struct {
	Added      []string  `json:"added"`
	Modified   []string  `json:"modified"`
	Deleted    []string  `json:"deleted"`
	Unchanged  []string  `json:"unchanged"`
	Moved      []Move    `json:"moved,omitempty"`
	Failed     []Failure `json:"failed,omitempty"`
	EmbedCalls int       `json:"embed_calls"`
}

func (r *Result) fail(path string, err error) {
	r.Failed = append(r.Failed, Failure{Path: path, Err: err})
}

// Changed reports whether the pass altered the index.
func (r *Result) Changed() bool {
	return len(r.Added)+len(r.Modified)+len(r.Deleted)+len(r.Moved) > 0
}

// Options configures a Scanner.
type Options struct {
	ImageExts []string
	VideoExts []string
	// Exclude holds doublestar patterns matched against paths relative to a root.
	Exclude   []string
	Workers   int
	BatchSize int
	// Progress, when set, is called after every merged embedding batch.
	Progress func(done, total int)
}

// Scanner reconciles directories against a media index.
type Scanner struct {
	index    *media.Index
	embedder embed.Embedder
	lock     *media.Lock
	snap     media.Snapshotter
	opts     Options
	obs      *observe.Observer

	walk func(root string, fn fs.WalkDirFunc) error
}

func New(ix *media.Index, e embed.Embedder, lock *media.Lock, snap media.Snapshotter, opts Options, obs *observe.Observer) *Scanner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 32
	}
	return &Scanner{index: ix, embedder: e, lock: lock, snap: snap, opts: opts, obs: obs, walk: filepath.WalkDir}
}

// Reconcile walks roots and brings the index in line with what is on disk.
// It holds the index lock for the whole pass. Per-file problems end up in
// Result.Failed; the returned error is reserved for cancellation and
// persistence failures.
func (s *Scanner) Reconcile(ctx context.Context, roots []string) (*Result, error) {
	ctx, span := s.obs.StartSpan(ctx, "scan.Reconcile")
	defer span.End()

	var res *Result
	err := s.lock.Do(ctx, func() error {
		var err error
		res, err = s.reconcile(ctx, roots)
		return err
	})
	if res != nil {
		s.obs.Log().Info().
			Int("added", len(res.Added)).
			Int("modified", len(res.Modified)).
			Int("deleted", len(res.Deleted)).
			Int("unchanged", len(res.Unchanged)).
			Int("moved", len(res.Moved)).
			Int("failed", len(res.Failed)).
			Msg("reconciliation finished")
	}
	return res, err
}

// Rebuild discards the index content and runs a full reconciliation.
func (s *Scanner) Rebuild(ctx context.Context, roots []string) (*Result, error) {
	err := s.lock.Do(ctx, func() error {
		if err := s.index.Load(nil); err != nil {
			return err
		}
		if s.snap != nil {
			return s.snap.SaveSnapshot(ctx, nil)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset index: %w", err)
	}
	return s.Reconcile(ctx, roots)
}

type pending struct {
	file
	hash     string
	prev     media.Item
	modified bool
}

func (s *Scanner) reconcile(ctx context.Context, roots []string) (*Result, error) {
	res := &Result{}
	log := s.obs.Log()

	seen := make(map[string]bool)
	live := make(map[string]media.Item)
	var candidates []file
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			res.fail(root, &IOError{Path: root, Err: err})
			continue
		}
		found, ok := s.discover(ctx, abs, res)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !ok {
			log.Warn().Str("root", abs).Msg("root unreadable, keeping its index entries")
			for _, f := range found.files {
				seen[f.path] = true
			}
			for p := range s.index.Live(abs) {
				seen[p] = true
			}
			continue
		}
		for p, it := range s.index.Live(abs) {
			live[p] = it
			if found.keeps(p) {
				seen[p] = true
			}
		}
		for _, f := range found.files {
			if seen[f.path] {
				continue
			}
			seen[f.path] = true
			candidates = append(candidates, f)
		}
	}

	// Cheap fingerprint first: a matching size and mtime costs one stat.
	var toHash []file
	for _, f := range candidates {
		it, known := live[f.path]
		if known && it.Size == f.size && it.ModTime.Equal(f.mod) {
			res.Unchanged = append(res.Unchanged, f.path)
			continue
		}
		toHash = append(toHash, f)
	}

	hashes, hashErrs, err := s.hashAll(ctx, toHash)
	if err != nil {
		return res, err
	}

	gone := make(map[string]bool)
	goneByHash := make(map[string][]string)
	for p, it := range live {
		if !seen[p] {
			gone[p] = true
			goneByHash[it.Hash] = append(goneByHash[it.Hash], p)
		}
	}
	for h := range goneByHash {
		sort.Strings(goneByHash[h])
	}

	var dirty []media.Item
	var work []pending
	for i, f := range toHash {
		if hashErrs[i] != nil {
			res.fail(f.path, &IOError{Path: f.path, Err: hashErrs[i]})
			continue
		}
		h := hashes[i]
		it, known := live[f.path]

		switch {
		case known && it.Hash == h:
			// a stale item whose bytes came back to the stored vector
			if it.State == media.StateStale && len(it.Vector) == s.index.Dimension() {
				it.State = media.StateIndexed
			}
			it.ModTime, it.Size = f.mod, f.size
			if err := s.index.Upsert(it); err != nil {
				return res, err
			}
			dirty = append(dirty, it)
			res.Unchanged = append(res.Unchanged, f.path)
		case known:
			work = append(work, pending{file: f, hash: h, prev: it, modified: true})
		default:
			if from := takeFirst(goneByHash, h); from != "" {
				if err := s.index.Rename(from, f.path); err != nil {
					return res, err
				}
				moved, _ := s.index.Get(f.path)
				moved.ModTime, moved.Size = f.mod, f.size
				if err := s.index.Upsert(moved); err != nil {
					return res, err
				}
				tomb, _ := s.index.Get(from)
				dirty = append(dirty, moved, tomb)
				delete(gone, from)
				res.Moved = append(res.Moved, Move{From: from, To: f.path})
				continue
			}
			work = append(work, pending{file: f, hash: h})
		}
	}

	for p := range gone {
		s.index.Remove(p)
		tomb, _ := s.index.Get(p)
		dirty = append(dirty, tomb)
		res.Deleted = append(res.Deleted, p)
	}

	var persistErr error
	persist := func(items []media.Item) {
		if s.snap == nil || len(items) == 0 {
			return
		}
		if err := s.snap.PutItems(ctx, items); err != nil && persistErr == nil {
			persistErr = err
			log.Error().Err(err).Msg("failed to persist index batch")
		}
	}
	persist(dirty)

	if err := s.embedAll(ctx, work, res, persist); err != nil {
		return res, err
	}

	res.sort()
	if persistErr != nil {
		return res, fmt.Errorf("persist index: %w", persistErr)
	}
	return res, nil
}

func (s *Scanner) hashAll(ctx context.Context, files []file) ([]string, []error, error) {
	hashes := make([]string, len(files))
	errs := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, f := range files {
		g.Go(func() error {
			hashes[i], errs[i] = hashFile(gctx, f.path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return hashes, errs, nil
}

type batchResult struct {
	work []pending
	out  []embed.Output
}

// embedAll embeds work in batches on the worker pool. Results are merged into
// the index by the calling goroutine only.
func (s *Scanner) embedAll(ctx context.Context, work []pending, res *Result, persist func([]media.Item)) error {
	if len(work) == 0 {
		return nil
	}

	results := make(chan batchResult)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	var mu sync.Mutex
	go func() {
		for start := 0; start < len(work); start += s.opts.BatchSize {
			batch := work[start:min(start+s.opts.BatchSize, len(work))]
			g.Go(func() error {
				inputs := make([]embed.Input, len(batch))
				readErrs := make([]error, len(batch))
				for i, p := range batch {
					data, err := os.ReadFile(p.path) // #nosec G304
					readErrs[i] = err
					inputs[i] = embed.Input{Data: data, Modality: p.kind}
				}
				out := embed.Batch(gctx, s.embedder, inputs)
				mu.Lock()
				res.EmbedCalls += len(inputs)
				mu.Unlock()
				for i, err := range readErrs {
					if err != nil {
						out[i] = embed.Output{Err: &IOError{Path: batch[i].path, Err: err}}
					}
				}
				select {
				case results <- batchResult{work: batch, out: out}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		g.Wait()
		close(results)
	}()

	done := 0
	for br := range results {
		merged := s.merge(br, res)
		persist(merged)
		done += len(br.work)
		if s.opts.Progress != nil {
			s.opts.Progress(done, len(work))
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scanner) merge(br batchResult, res *Result) []media.Item {
	log := s.obs.Log()
	now := time.Now()
	var merged []media.Item

	for i, p := range br.work {
		out := br.out[i]
		if out.Err != nil {
			log.Warn().Str("path", p.path).Err(out.Err).Msg("skipping file")
			res.fail(p.path, wrapEmbedErr(p.kind, out.Err))
			if stale, ok := staleItem(p, out.Err); ok {
				if err := s.index.Upsert(stale); err == nil {
					merged = append(merged, stale)
				}
			}
			continue
		}

		it := media.Item{
			Path:      p.path,
			Hash:      p.hash,
			Vector:    out.Vector,
			ModTime:   p.mod,
			Size:      p.size,
			Kind:      p.kind,
			State:     media.StateIndexed,
			IndexedAt: now,
		}
		if err := s.index.Upsert(it); err != nil {
			res.fail(p.path, &embed.Failure{Modality: p.kind, Err: err})
			continue
		}
		merged = append(merged, it)
		if p.modified {
			res.Modified = append(res.Modified, p.path)
		} else {
			res.Added = append(res.Added, p.path)
		}
	}
	return merged
}

// staleItem records a file that could not be embedded. Content the embedder
// rejected keeps the current fingerprint and drops the old vector, so
// unchanged bytes are not sent again. A read error keeps the previous hash
// and vector, so the next pass retries.
func staleItem(p pending, err error) (media.Item, bool) {
	var ioErr *IOError
	readFailed := errors.As(err, &ioErr)
	if readFailed && !p.modified {
		return media.Item{}, false
	}

	stale := p.prev
	if !p.modified {
		stale = media.Item{Path: p.path, Kind: p.kind}
	}
	stale.State = media.StateStale
	if !readFailed {
		stale.Hash, stale.ModTime, stale.Size = p.hash, p.mod, p.size
		stale.Vector = nil
	}
	return stale, true
}

func wrapEmbedErr(kind embed.Modality, err error) error {
	switch err.(type) {
	case *embed.Failure, *IOError:
		return err
	}
	return &embed.Failure{Modality: kind, Err: err}
}

func takeFirst(m map[string][]string, hash string) string {
	paths := m[hash]
	if len(paths) == 0 {
		return ""
	}
	m[hash] = paths[1:]
	return paths[0]
}

func (r *Result) sort() {
	sort.Strings(r.Added)
	sort.Strings(r.Modified)
	sort.Strings(r.Deleted)
	sort.Strings(r.Unchanged)
	sort.Slice(r.Moved, func(i, j int) bool { return r.Moved[i].To < r.Moved[j].To })
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
}

package media

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
)

// Snapshotter persists the index.
type Snapshotter interface {
	LoadSnapshot(ctx context.Context) ([]Item, error)
	// SaveSnapshot replaces the persisted content with items.
	SaveSnapshot(ctx context.Context, items []Item) error
	// PutItems upserts items without touching the rest of the snapshot.
	PutItems(ctx context.Context, items []Item) error
}

// Index maps absolute paths to items and keeps the vectors of INDEXED items
// in a separate table that every query reads. Both maps change together
// under one lock.
type Index struct {
	mu      sync.RWMutex
	dim     int
	items   map[string]*Item
	vectors map[string][]float32
}

func NewIndex(dim int) *Index {
	return &Index{
		dim:     dim,
		items:   make(map[string]*Item),
		vectors: make(map[string][]float32),
	}
}

// Open creates an index of dimension dim from the persisted snapshot. When
// the snapshot cannot be read it returns an empty index together with an
// error wrapping ErrIndexCorruption; callers keep the index and rescan.
func Open(ctx context.Context, s Snapshotter, dim int) (*Index, error) {
	ix := NewIndex(dim)
	if s == nil {
		return ix, nil
	}
	items, err := s.LoadSnapshot(ctx)
	if err != nil {
		return ix, fmt.Errorf("%w: %v", ErrIndexCorruption, err)
	}
	if err := ix.Load(items); err != nil {
		return NewIndex(dim), err
	}
	return ix, nil
}

func (ix *Index) Dimension() int { return ix.dim }

// Load replaces the index content.
func (ix *Index) Load(items []Item) error {
	nextItems := make(map[string]*Item, len(items))
	nextVectors := make(map[string][]float32, len(items))
	for _, it := range items {
		if it.State == StateIndexed && len(it.Vector) != ix.dim {
			return fmt.Errorf("%w: %s has %d dimensions, index has %d", ErrIndexCorruption, it.Path, len(it.Vector), ix.dim)
		}
		c := it.clone()
		nextItems[c.Path] = &c
		if c.State == StateIndexed {
			nextVectors[c.Path] = normalized(c.Vector)
		}
	}

	ix.mu.Lock()
	ix.items = nextItems
	ix.vectors = nextVectors
	ix.mu.Unlock()
	return nil
}

// Upsert inserts or replaces an item. Only INDEXED items are searchable.
func (ix *Index) Upsert(it Item) error {
	if !filepath.IsAbs(it.Path) {
		return fmt.Errorf("index paths must be absolute: %q", it.Path)
	}
	if it.State == "" {
		it.State = StateIndexed
	}
	if it.State == StateIndexed && len(it.Vector) != ix.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(it.Vector), ix.dim)
	}
	c := it.clone()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.items[c.Path] = &c
	if c.State == StateIndexed {
		ix.vectors[c.Path] = normalized(c.Vector)
	} else {
		delete(ix.vectors, c.Path)
	}
	return nil
}

// Remove marks path DELETED and drops it from the similarity table.
// It reports whether the path was known and not already deleted.
func (ix *Index) Remove(path string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.vectors, path)
	it, ok := ix.items[path]
	if !ok || it.State == StateDeleted {
		return false
	}
	it.State = StateDeleted
	it.Vector = nil
	return true
}

// Rename moves an item to a new path, keeping its hash and vector.
func (ix *Index) Rename(from, to string) error {
	if !filepath.IsAbs(to) {
		return fmt.Errorf("index paths must be absolute: %q", to)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	it, ok := ix.items[from]
	if !ok || it.State == StateDeleted {
		return fmt.Errorf("%w: %s", ErrNotIndexed, from)
	}
	moved := it.clone()
	moved.Path = to
	it.State = StateDeleted
	it.Vector = nil

	ix.items[to] = &moved
	if v, ok := ix.vectors[from]; ok {
		delete(ix.vectors, from)
		if moved.State == StateIndexed {
			ix.vectors[to] = v
		}
	}
	return nil
}

// Get returns a copy of the item stored at path.
func (ix *Index) Get(path string) (Item, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	it, ok := ix.items[path]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// Snapshot returns copies of all items, tombstones included, sorted by path.
func (ix *Index) Snapshot() []Item {
	ix.mu.RLock()
	out := make([]Item, 0, len(ix.items))
	for _, it := range ix.items {
		out = append(out, it.clone())
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Live returns the items under root that are not deleted, keyed by path.
func (ix *Index) Live(root string) map[string]Item {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[string]Item)
	for p, it := range ix.items {
		if it.State == StateDeleted || !under(root, p) {
			continue
		}
		out[p] = it.clone()
	}
	return out
}

// Stats counts items per state and kind.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := Stats{Dimension: ix.dim}
	for _, it := range ix.items {
		switch it.State {
		case StateIndexed:
			s.Indexed++
		case StateStale:
			s.Stale++
		case StateDeleted:
			s.Deleted++
			continue
		}
		if it.Kind == embed.ModalityVideo {
			s.Videos++
		} else {
			s.Images++
		}
	}
	return s
}

// Query returns up to k INDEXED items ordered by descending cosine similarity.
// Ties are broken by path so results are reproducible.
func (ix *Index) Query(vec []float32, k int) ([]Match, error) {
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	q := normalized(vec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.rank(q, k, ""), nil
}

// Similar returns up to k items closest to the item at path, excluding it.
func (ix *Index) Similar(path string, k int) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	v, ok := ix.vectors[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, path)
	}
	return ix.rank(v, k, path), nil
}

// rank must be called with the read lock held.
func (ix *Index) rank(q []float32, k int, exclude string) []Match {
	if k <= 0 {
		return nil
	}
	matches := make([]Match, 0, len(ix.vectors))
	for p, v := range ix.vectors {
		if p == exclude {
			continue
		}
		matches = append(matches, Match{Path: p, Score: dot(q, v), Kind: ix.items[p].Kind})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func normalized(v []float32) []float32 {
	c := make([]float32, len(v))
	copy(c, v)
	return embed.Normalize(c)
}

func under(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && (len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator))
}

package media

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
)

func item(path string, vec ...float32) Item {
	return Item{Path: path, Hash: "h-" + path, Vector: vec, Kind: embed.ModalityImage, State: StateIndexed, ModTime: time.Unix(100, 0)}
}

func paths(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Path
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestIndex_QueryOrdering(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert(item("/lib/a.jpg", 1, 0))
	ix.Upsert(item("/lib/b.jpg", 0, 1))
	ix.Upsert(item("/lib/c.jpg", 1, 1))
	ix.Upsert(item("/lib/d.jpg", 2, 0)) // same direction as a

	got, err := ix.Query([]float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	want := []string{"/lib/a.jpg", "/lib/d.jpg", "/lib/c.jpg"}
	if !equal(paths(got), want) {
		t.Errorf("expected %v, got %v", want, paths(got))
	}
	if got[0].Score < got[2].Score {
		t.Errorf("scores must descend: %+v", got)
	}

	if _, err := ix.Query([]float32{1, 0, 0}, 3); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if got, _ := ix.Query([]float32{1, 0}, 0); len(got) != 0 {
		t.Errorf("k=0 should return nothing, got %v", got)
	}
}

func TestIndex_SimilarExcludesSelf(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert(item("/lib/a.jpg", 1, 0))
	ix.Upsert(item("/lib/b.jpg", 1, 0.1))
	ix.Upsert(item("/lib/c.jpg", 0, 1))

	got, err := ix.Similar("/lib/a.jpg", 5)
	if err != nil {
		t.Fatalf("Similar failed: %v", err)
	}
	if !equal(paths(got), []string{"/lib/b.jpg", "/lib/c.jpg"}) {
		t.Errorf("unexpected similar result %v", paths(got))
	}

	if _, err := ix.Similar("/lib/missing.jpg", 5); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("expected ErrNotIndexed, got %v", err)
	}
}

func TestIndex_RemovedNeverReturned(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert(item("/lib/a.jpg", 1, 0))
	ix.Upsert(item("/lib/b.jpg", 1, 0))

	if !ix.Remove("/lib/a.jpg") {
		t.Fatal("expected Remove to report a live item")
	}
	if ix.Remove("/lib/a.jpg") {
		t.Error("second Remove should report nothing to do")
	}

	got, _ := ix.Query([]float32{1, 0}, 10)
	for _, m := range got {
		if m.Path == "/lib/a.jpg" {
			t.Fatal("removed path returned by Query")
		}
	}
	sim, _ := ix.Similar("/lib/b.jpg", 10)
	if len(sim) != 0 {
		t.Errorf("removed path returned by Similar: %v", paths(sim))
	}
	if _, err := ix.Similar("/lib/a.jpg", 10); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("Similar on deleted path should fail, got %v", err)
	}

	it, ok := ix.Get("/lib/a.jpg")
	if !ok || it.State != StateDeleted {
		t.Errorf("expected tombstone, got %+v", it)
	}
}

func TestIndex_StaleItemsAreNotSearchable(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert(item("/lib/a.jpg", 1, 0))

	stale, _ := ix.Get("/lib/a.jpg")
	stale.State = StateStale
	if err := ix.Upsert(stale); err != nil {
		t.Fatalf("Upsert stale failed: %v", err)
	}

	if got, _ := ix.Query([]float32{1, 0}, 10); len(got) != 0 {
		t.Errorf("stale item returned: %v", paths(got))
	}
	if s := ix.Stats(); s.Stale != 1 || s.Indexed != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestIndex_UpsertValidation(t *testing.T) {
	ix := NewIndex(3)
	if err := ix.Upsert(item("relative.jpg", 1, 2, 3)); err == nil {
		t.Error("expected error for relative path")
	}
	if err := ix.Upsert(item("/lib/a.jpg", 1, 2)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestIndex_Rename(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert(item("/lib/a.jpg", 1, 0))

	if err := ix.Rename("/lib/a.jpg", "/lib/sub/a.jpg"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	got, _ := ix.Query([]float32{1, 0}, 5)
	if !equal(paths(got), []string{"/lib/sub/a.jpg"}) {
		t.Errorf("expected renamed path only, got %v", paths(got))
	}
	moved, _ := ix.Get("/lib/sub/a.jpg")
	if moved.Hash != "h-/lib/a.jpg" {
		t.Errorf("rename must keep the hash, got %q", moved.Hash)
	}
	if err := ix.Rename("/lib/nope.jpg", "/lib/x.jpg"); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("expected ErrNotIndexed, got %v", err)
	}
}

func TestIndex_LiveAndSnapshot(t *testing.T) {
	ix := NewIndex(2)
	ix.Upsert(item("/lib/a.jpg", 1, 0))
	ix.Upsert(item("/lib/sub/b.jpg", 1, 0))
	ix.Upsert(item("/other/c.jpg", 1, 0))
	ix.Remove("/lib/a.jpg")

	live := ix.Live("/lib")
	if len(live) != 1 {
		t.Fatalf("expected 1 live item under /lib, got %v", live)
	}
	if _, ok := live["/lib/sub/b.jpg"]; !ok {
		t.Errorf("missing /lib/sub/b.jpg in %v", live)
	}

	snap := ix.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot should keep tombstones, got %d items", len(snap))
	}
	if snap[0].Path != "/lib/a.jpg" || snap[0].State != StateDeleted {
		t.Errorf("unexpected first snapshot item %+v", snap[0])
	}

	snap[1].Vector[0] = 42
	again, _ := ix.Get("/lib/sub/b.jpg")
	if again.Vector[0] == 42 {
		t.Error("snapshot must return copies")
	}
}

type fakeSnapshotter struct {
	items []Item
	err   error
}

func (f *fakeSnapshotter) LoadSnapshot(ctx context.Context) ([]Item, error) { return f.items, f.err }
func (f *fakeSnapshotter) SaveSnapshot(ctx context.Context, items []Item) error {
	f.items = items
	return nil
}
func (f *fakeSnapshotter) PutItems(ctx context.Context, items []Item) error { return nil }

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("Loads snapshot", func(t *testing.T) {
		ix, err := Open(ctx, &fakeSnapshotter{items: []Item{item("/lib/a.jpg", 0, 1)}}, 2)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if s := ix.Stats(); s.Indexed != 1 {
			t.Errorf("expected 1 indexed item, got %+v", s)
		}
	})

	t.Run("Unreadable snapshot", func(t *testing.T) {
		ix, err := Open(ctx, &fakeSnapshotter{err: errors.New("disk I/O error")}, 2)
		if !errors.Is(err, ErrIndexCorruption) {
			t.Fatalf("expected ErrIndexCorruption, got %v", err)
		}
		if ix == nil || ix.Stats().Indexed != 0 {
			t.Error("expected usable empty index")
		}
	})

	t.Run("Wrong dimension", func(t *testing.T) {
		ix, err := Open(ctx, &fakeSnapshotter{items: []Item{item("/lib/a.jpg", 0, 1, 2)}}, 2)
		if !errors.Is(err, ErrIndexCorruption) {
			t.Fatalf("expected ErrIndexCorruption, got %v", err)
		}
		if ix.Stats().Indexed != 0 {
			t.Error("expected empty index after corrupt load")
		}
	})

	t.Run("No snapshotter", func(t *testing.T) {
		if _, err := Open(ctx, nil, 2); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}

func TestLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "index.lock")
	l := NewLock(lockPath)

	entered := make(chan struct{})
	release := make(chan struct{})
	go l.Do(context.Background(), func() error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() error {
		t.Error("must not run while the lock is held")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}

	close(release)
	ran := false
	if err := l.Do(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}

	want := errors.New("boom")
	if err := l.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected fn error to propagate, got %v", err)
	}
}

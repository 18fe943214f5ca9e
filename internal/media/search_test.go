package media

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
)

func writeScene(t *testing.T, path string, colors ...color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	band := 24 / len(colors)
	for y := 0; y < 24; y++ {
		c := colors[min(y/band, len(colors)-1)]
		for x := 0; x < 24; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

var (
	skyBlue  = color.RGBA{120, 180, 230, 255}
	seaBlue  = color.RGBA{30, 100, 180, 255}
	sandTone = color.RGBA{220, 200, 150, 255}
	rockGrey = color.RGBA{110, 110, 110, 255}
	snowTone = color.RGBA{240, 240, 245, 255}
	pineTone = color.RGBA{40, 90, 50, 255}
	concrete = color.RGBA{128, 128, 128, 255}
	asphalt  = color.RGBA{50, 50, 60, 255}
)

// fixture indexes three synthetic scenes with the histogram embedder.
func fixture(t *testing.T) (*Searcher, map[string]string) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"beach":    filepath.Join(dir, "beach.png"),
		"mountain": filepath.Join(dir, "mountain.png"),
		"city":     filepath.Join(dir, "city.png"),
	}
	writeScene(t, files["beach"], skyBlue, seaBlue, sandTone)
	writeScene(t, files["mountain"], rockGrey, snowTone, pineTone)
	writeScene(t, files["city"], concrete, asphalt)

	h := embed.NewHistogramEmbedder()
	ix := NewIndex(h.Dimension())
	for _, p := range files {
		data, _ := os.ReadFile(p)
		vec, err := h.Embed(context.Background(), data, embed.ModalityImage)
		if err != nil {
			t.Fatalf("embed %s: %v", p, err)
		}
		if err := ix.Upsert(Item{Path: p, Hash: p, Vector: vec, Kind: embed.ModalityImage, State: StateIndexed}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	return &Searcher{Index: ix, Embedder: h, ImageExts: []string{".png", ".jpg"}}, files
}

func TestSearcher_TextFindsLabelledScene(t *testing.T) {
	s, files := fixture(t)

	for _, label := range []string{"beach", "mountain", "city"} {
		t.Run(label, func(t *testing.T) {
			got, err := s.Text(context.Background(), label, 3)
			if err != nil {
				t.Fatalf("Text failed: %v", err)
			}
			if len(got) == 0 || got[0].Path != files[label] {
				t.Errorf("query %q: expected %s first, got %v", label, files[label], paths(got))
			}
		})
	}
}

func TestSearcher_FileIndexedAndUnindexed(t *testing.T) {
	s, files := fixture(t)
	ctx := context.Background()

	got, err := s.File(ctx, files["beach"], 5)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	for _, m := range got {
		if m.Path == files["beach"] {
			t.Error("query file must not match itself")
		}
	}
	if len(got) != 2 {
		t.Errorf("expected 2 neighbours, got %v", paths(got))
	}

	sample := filepath.Join(t.TempDir(), "holiday.png")
	writeScene(t, sample, sandTone, seaBlue, skyBlue)
	got, err = s.File(ctx, sample, 1)
	if err != nil {
		t.Fatalf("File on unindexed image failed: %v", err)
	}
	if len(got) != 1 || got[0].Path != files["beach"] {
		t.Errorf("expected beach as nearest neighbour, got %v", paths(got))
	}

	if _, err := s.File(ctx, filepath.Join(t.TempDir(), "notes.txt"), 1); err == nil {
		t.Error("expected failure for unsupported file type")
	}
}

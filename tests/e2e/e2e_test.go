package e2e

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/mcp"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
)

var palette = map[string][]color.RGBA{
	"beach":    {{120, 180, 230, 255}, {30, 100, 180, 255}, {220, 200, 150, 255}},
	"mountain": {{110, 110, 110, 255}, {240, 240, 245, 255}, {40, 90, 50, 255}},
	"city":     {{128, 128, 128, 255}, {50, 50, 60, 255}},
}

func writeScene(t *testing.T, path string, colors []color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	band := 24 / len(colors)
	for y := 0; y < 24; y++ {
		c := colors[min(y/band, len(colors)-1)]
		for x := 0; x < 24; x++ {
			img.Set(x, y, c)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping binary build in short mode")
	}
	rootDir, _ := filepath.Abs("../../")
	binPath := filepath.Join(t.TempDir(), "mediamcp")

	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/mediamcp")
	buildCmd.Dir = rootDir
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build mediamcp: %v\n%s", err, out)
	}
	return binPath
}

// sandbox is a fresh HOME holding a photo library and a config file.
type sandbox struct {
	bin     string
	home    string
	library string
}

func newSandbox(t *testing.T) sandbox {
	t.Helper()
	s := sandbox{bin: buildBinary(t), home: t.TempDir()}
	s.library = filepath.Join(s.home, "Pictures")
	for name, colors := range palette {
		writeScene(t, filepath.Join(s.library, name+".png"), colors)
	}

	cfg := fmt.Sprintf("allowed_paths: [%s]\nmedia_paths: [%s]\n", s.home, s.library)
	if err := os.MkdirAll(filepath.Join(s.home, ".mediamcp"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.home, ".mediamcp", "config.yaml"), []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return s
}

func (s sandbox) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Dir = s.home
	cmd.Env = append(os.Environ(), "HOME="+s.home, "MEDIAMCP_HOME=")
	return cmd
}

func (s sandbox) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := s.command(context.Background(), args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			t.Fatalf("mediamcp %v failed: %v\n%s", args, err, ee.Stderr)
		}
		t.Fatalf("mediamcp %v failed: %v", args, err)
	}
	return string(out)
}

func TestE2E_ScanAndSearch(t *testing.T) {
	s := newSandbox(t)

	out := s.run(t, "scan")
	t.Logf("Output:\n%s", out)
	if !strings.Contains(out, "added 3,") {
		t.Error("Expected three added files")
	}

	out = s.run(t, "scan")
	if !strings.Contains(out, "unchanged 3,") || !strings.Contains(out, "(0 embedding calls)") {
		t.Errorf("Expected an idle second scan, got:\n%s", out)
	}

	out = s.run(t, "search", "snow", "-k", "1")
	if !strings.Contains(out, filepath.Join(s.library, "mountain.png")) {
		t.Errorf("Expected the mountain scene for snow, got:\n%s", out)
	}

	if err := os.Remove(filepath.Join(s.library, "city.png")); err != nil {
		t.Fatal(err)
	}
	out = s.run(t, "scan")
	if !strings.Contains(out, "deleted 1,") {
		t.Errorf("Expected one deleted file, got:\n%s", out)
	}
	out = s.run(t, "search", "--image", filepath.Join(s.library, "beach.png"))
	if strings.Contains(out, "city.png") {
		t.Errorf("Deleted file returned by search:\n%s", out)
	}

	state := filepath.Join(s.home, ".mediamcp")
	if _, err := os.Stat(filepath.Join(state, "mediamcp.db")); os.IsNotExist(err) {
		t.Error("mediamcp.db not created")
	}
	if _, err := os.Stat(filepath.Join(state, "artifacts")); os.IsNotExist(err) {
		t.Error("artifacts dir not created")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestE2E_ServeFiles(t *testing.T) {
	s := newSandbox(t)
	s.run(t, "scan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := freeAddr(t)
	server := s.command(ctx, "serve", "files", "--addr", addr)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() {
		cancel()
		_ = server.Wait()
	}()

	var remote *mcp.Remote
	deadline := time.Now().Add(10 * time.Second)
	for {
		dialCtx, stop := context.WithTimeout(ctx, time.Second)
		r, err := mcp.Dial(dialCtx, "files", "http://"+addr+mcp.EndpointPath)
		stop()
		if err == nil {
			remote = r
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	defer remote.Close()

	reg := runtime.NewToolRegistry()
	if err := remote.Register(reg); err != nil {
		t.Fatal(err)
	}

	out, err := reg.Invoke(ctx, "search_image_by_text", map[string]any{"query": "beach", "top_k": 1})
	if err != nil {
		t.Fatalf("search_image_by_text failed: %v", err)
	}
	if !strings.Contains(out, "beach.png") {
		t.Errorf("Expected the beach scene, got %s", out)
	}

	_, err = reg.Invoke(ctx, "read_file", map[string]any{"path": "/etc/passwd"})
	if err == nil || !strings.Contains(err.Error(), "outside") {
		t.Errorf("Expected a sandbox violation, got %v", err)
	}
}

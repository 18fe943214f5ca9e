package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/mediamcp/internal/guard"
	"github.com/felixgeelhaar/mediamcp/internal/media"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
)

const defaultSearchDepth = 3

// Files serves the sandboxed file tools. When an index is attached, every
// tool that changes media on disk updates it under the index lock.
type Files struct {
	guard      *guard.Guard
	index      *media.Index
	lock       *media.Lock
	snap       media.Snapshotter
	mediaRoots []string
}

// NewFiles returns the file tools. ix, lock and snap may be nil when no
// media index is shared with the tool server.
func NewFiles(g *guard.Guard, ix *media.Index, lock *media.Lock, snap media.Snapshotter, mediaRoots []string) *Files {
	if lock == nil {
		lock = media.NewLock("")
	}
	return &Files{guard: g, index: ix, lock: lock, snap: snap, mediaRoots: mediaRoots}
}

// Register adds the file tools to reg.
func (f *Files) Register(reg *runtime.ToolRegistry) error {
	pathArg := func(desc string) map[string]any {
		return object(map[string]any{"path": str(desc)}, "path")
	}
	srcDst := object(map[string]any{
		"source":      str("Existing file to copy or move."),
		"destination": str("Target path, inside the allowed directories."),
	}, "source", "destination")

	tools := []struct {
		def     runtime.ToolDefinition
		handler runtime.ToolHandler
	}{
		{runtime.ToolDefinition{
			Name:        "allowed_paths",
			Description: "List the directories you may access. Call this before any other file operation.",
			Parameters:  object(map[string]any{}),
			ReadOnly:    true,
		}, f.allowedPaths},
		{runtime.ToolDefinition{
			Name:        "current_directory",
			Description: "Return the working directory, or the first allowed directory when the working directory is outside the sandbox.",
			Parameters:  object(map[string]any{}),
			ReadOnly:    true,
		}, f.currentDirectory},
		{runtime.ToolDefinition{
			Name:        "list_directory",
			Description: "List the immediate contents of a directory.",
			Parameters:  pathArg("Directory to list."),
			ReadOnly:    true,
		}, f.listDirectory},
		{runtime.ToolDefinition{
			Name:        "read_file",
			Description: "Read a text file.",
			Parameters:  pathArg("File to read."),
			ReadOnly:    true,
		}, f.readFile},
		{runtime.ToolDefinition{
			Name:        "write_file",
			Description: "Write text to a file. Fails if the file exists unless overwrite or append is set.",
			Parameters: object(map[string]any{
				"path":      str("File to write."),
				"content":   str("Text content."),
				"append":    boolean("Append instead of replacing.", false),
				"overwrite": boolean("Replace an existing file.", false),
			}, "path", "content"),
		}, f.writeFile},
		{runtime.ToolDefinition{
			Name:        "delete_file",
			Description: "Delete a file. Indexed media is removed from the index.",
			Parameters:  pathArg("File to delete."),
		}, f.deleteFile},
		{runtime.ToolDefinition{
			Name:        "create_directory",
			Description: "Create a directory and any missing parents.",
			Parameters:  pathArg("Directory to create."),
		}, f.createDirectory},
		{runtime.ToolDefinition{
			Name:        "delete_directory",
			Description: "Delete a directory. Without recursive the directory must be empty.",
			Parameters: object(map[string]any{
				"path":      str("Directory to delete."),
				"recursive": boolean("Delete the directory and everything in it. Irreversible.", false),
			}, "path"),
		}, f.deleteDirectory},
		{runtime.ToolDefinition{
			Name:        "copy_file",
			Description: "Copy a file, keeping its permissions and modification time.",
			Parameters:  srcDst,
		}, f.copyFile},
		{runtime.ToolDefinition{
			Name:        "move_file",
			Description: "Move or rename a file or directory. Indexed media keeps its index entry.",
			Parameters:  srcDst,
		}, f.moveFile},
		{runtime.ToolDefinition{
			Name:        "get_file_info",
			Description: "Return size, type, modification time and index state of a path.",
			Parameters:  pathArg("File or directory."),
			ReadOnly:    true,
		}, f.fileInfo},
		{runtime.ToolDefinition{
			Name:        "search_files",
			Description: "Find files under a directory by name substring and/or extension.",
			Parameters: object(map[string]any{
				"directory": str("Directory to search from."),
				"name":      str("Case-insensitive substring of the file name."),
				"extension": str("File extension such as .jpg or txt."),
				"recursive": boolean("Descend into subdirectories.", true),
				"max_depth": integer("Deepest directory level searched when recursive.", defaultSearchDepth, 1, 32),
			}, "directory"),
			ReadOnly: true,
		}, f.searchFiles},
	}

	for _, t := range tools {
		if err := reg.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (f *Files) check(path string) (string, error) {
	abs, v := f.guard.CheckPath(path)
	if v != nil {
		return "", v
	}
	return abs, nil
}

func (f *Files) allowedPaths(ctx context.Context, args map[string]any) (string, error) {
	mediaPaths := f.mediaRoots
	if mediaPaths == nil {
		mediaPaths = []string{}
	}
	return result(map[string]any{
		"allowed_paths": f.guard.Roots(),
		"media_paths":   mediaPaths,
	})
}

func (f *Files) currentDirectory(ctx context.Context, args map[string]any) (string, error) {
	if cwd, err := os.Getwd(); err == nil {
		if abs, err := f.check(cwd); err == nil {
			return result(map[string]string{"path": abs})
		}
	}
	roots := f.guard.Roots()
	if len(roots) == 0 {
		return "", errors.New("no allowed directories configured")
	}
	return result(map[string]string{"path": roots[0]})
}

type entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func (f *Files) listDirectory(ctx context.Context, args map[string]any) (string, error) {
	dir, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	items := make([]entry, 0, len(entries))
	for _, e := range entries {
		it := entry{Name: e.Name(), Type: "file"}
		if e.IsDir() {
			it.Type = "directory"
		} else if info, err := e.Info(); err == nil {
			it.Size = info.Size()
		}
		items = append(items, it)
	}
	return result(map[string]any{"path": dir, "items": items})
}

func (f *Files) readFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not a text file; use get_file_info or the media search tools", path)
	}
	return result(map[string]string{"path": path, "content": string(data)})
}

func (f *Files) writeFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	appendMode := boolArg(args, "append", false)
	overwrite := boolArg(args, "overwrite", false)

	if _, err := os.Stat(path); err == nil && !appendMode && !overwrite {
		return "", fmt.Errorf("file already exists at %s; set overwrite or append", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	err = f.mutate(ctx, func() ([]media.Item, error) {
		fh, err := os.OpenFile(path, flags, 0640) // #nosec G304
		if err != nil {
			return nil, err
		}
		_, werr := io.WriteString(fh, stringArg(args, "content"))
		if cerr := fh.Close(); werr == nil {
			werr = cerr
		}
		changed, err := f.overwritten(path)
		if werr != nil {
			return changed, werr
		}
		return changed, err
	})
	if err != nil {
		return "", err
	}
	return result(map[string]any{"success": true, "path": path})
}

func (f *Files) deleteFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory; use delete_directory", path)
	}
	err = f.mutate(ctx, func() ([]media.Item, error) {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		return f.forget(path), nil
	})
	if err != nil {
		return "", err
	}
	return result(map[string]any{"success": true, "path": path})
}

func (f *Files) createDirectory(ctx context.Context, args map[string]any) (string, error) {
	dir, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return result(map[string]any{"success": true, "path": dir})
}

func (f *Files) deleteDirectory(ctx context.Context, args map[string]any) (string, error) {
	dir, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	for _, root := range f.guard.Roots() {
		if dir == root {
			return "", fmt.Errorf("refusing to delete the allowed directory %s itself", dir)
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory; use delete_file", dir)
	}
	recursive := boolArg(args, "recursive", false)
	err = f.mutate(ctx, func() ([]media.Item, error) {
		remove := os.Remove
		if recursive {
			remove = os.RemoveAll
		}
		if err := remove(dir); err != nil {
			return nil, err
		}
		return f.forget(dir), nil
	})
	if err != nil {
		return "", err
	}
	return result(map[string]any{"success": true, "path": dir})
}

func (f *Files) copyFile(ctx context.Context, args map[string]any) (string, error) {
	src, err := f.check(stringArg(args, "source"))
	if err != nil {
		return "", err
	}
	dst, err := f.check(stringArg(args, "destination"))
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}
	if src == dst {
		return "", fmt.Errorf("source and destination are the same file: %s", src)
	}
	err = f.mutate(ctx, func() ([]media.Item, error) {
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		return f.copied(src, dst)
	})
	if err != nil {
		return "", err
	}
	return result(map[string]any{"success": true, "destination": dst})
}

func (f *Files) moveFile(ctx context.Context, args map[string]any) (string, error) {
	src, err := f.check(stringArg(args, "source"))
	if err != nil {
		return "", err
	}
	dst, err := f.check(stringArg(args, "destination"))
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	err = f.mutate(ctx, func() ([]media.Item, error) {
		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return nil, err
		}
		if err := move(src, dst); err != nil {
			return nil, err
		}
		replaced, err := f.overwritten(dst)
		if err != nil {
			return replaced, err
		}
		changed, err := f.relocate(src, dst)
		return append(replaced, changed...), err
	})
	if err != nil {
		return "", err
	}
	return result(map[string]any{"success": true, "destination": dst})
}

type fileInfo struct {
	Path       string `json:"path"`
	IsFile     bool   `json:"is_file"`
	IsDir      bool   `json:"is_dir"`
	SizeBytes  int64  `json:"size_bytes"`
	Modified   string `json:"modified"`
	IndexState string `json:"index_state,omitempty"`
}

func (f *Files) fileInfo(ctx context.Context, args map[string]any) (string, error) {
	path, err := f.check(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	out := fileInfo{
		Path:      path,
		IsFile:    info.Mode().IsRegular(),
		IsDir:     info.IsDir(),
		SizeBytes: info.Size(),
		Modified:  info.ModTime().Format(time.RFC3339),
	}
	if f.index != nil {
		if it, ok := f.index.Get(path); ok {
			out.IndexState = string(it.State)
		}
	}
	return result(out)
}

func (f *Files) searchFiles(ctx context.Context, args map[string]any) (string, error) {
	base, err := f.check(stringArg(args, "directory"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(base)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", base)
	}

	name := strings.ToLower(stringArg(args, "name"))
	ext := strings.ToLower(stringArg(args, "extension"))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	maxDepth := intArg(args, "max_depth", defaultSearchDepth)
	if !boolArg(args, "recursive", true) {
		maxDepth = 1
	}

	var results []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(base, path)
		depth := len(strings.Split(rel, string(filepath.Separator)))
		if d.IsDir() {
			if path != base && depth >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if depth > maxDepth {
			return nil
		}
		lower := strings.ToLower(d.Name())
		if name != "" && !strings.Contains(lower, name) {
			return nil
		}
		if ext != "" && !strings.HasSuffix(lower, ext) {
			return nil
		}
		results = append(results, path)
		return nil
	})
	if err != nil {
		return "", err
	}
	if results == nil {
		results = []string{}
	}
	sort.Strings(results)
	return result(map[string]any{"directory": base, "results": results})
}

// mutate runs fn under the index lock and persists the items it returns.
func (f *Files) mutate(ctx context.Context, fn func() ([]media.Item, error)) error {
	return f.lock.Do(ctx, func() error {
		changed, err := fn()
		if err != nil {
			return err
		}
		if len(changed) == 0 || f.snap == nil {
			return nil
		}
		if err := f.snap.PutItems(ctx, changed); err != nil {
			return fmt.Errorf("persist index update: %w", err)
		}
		return nil
	})
}

// forget tombstones every indexed item at or under path.
func (f *Files) forget(path string) []media.Item {
	if f.index == nil {
		return nil
	}
	var changed []media.Item
	for p := range f.index.Live(path) {
		if f.index.Remove(p) {
			if it, ok := f.index.Get(p); ok {
				changed = append(changed, it)
			}
		}
	}
	return changed
}

// overwritten marks indexed items at path STALE once their bytes were
// replaced. Hash and vector stay paired, so the next scan restores identical
// content and re-embeds anything else.
func (f *Files) overwritten(path string) ([]media.Item, error) {
	if f.index == nil {
		return nil, nil
	}
	var changed []media.Item
	for _, it := range f.index.Live(path) {
		it.State = media.StateStale
		it.ModTime = time.Time{}
		if err := f.index.Upsert(it); err != nil {
			return changed, err
		}
		changed = append(changed, it)
	}
	return changed, nil
}

// copied indexes dst with the vector of src when src is indexed and
// unchanged on disk; otherwise dst is left for the next scan.
func (f *Files) copied(src, dst string) ([]media.Item, error) {
	changed, err := f.overwritten(dst)
	if err != nil || f.index == nil || !f.inMedia(dst) {
		return changed, err
	}
	it, ok := f.index.Get(src)
	if !ok || it.State != media.StateIndexed {
		return changed, nil
	}
	srcInfo, err := os.Stat(src)
	if err != nil || srcInfo.Size() != it.Size || !srcInfo.ModTime().Equal(it.ModTime) {
		return changed, nil
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return changed, nil
	}

	it.Path = dst
	it.ModTime, it.Size = dstInfo.ModTime(), dstInfo.Size()
	it.IndexedAt = time.Now()
	if err := f.index.Upsert(it); err != nil {
		return changed, err
	}
	return append(changed, it), nil
}

// relocate carries index entries from src to dst. Items that leave the
// media roots are dropped instead, since no scan would ever see them again.
func (f *Files) relocate(src, dst string) ([]media.Item, error) {
	if f.index == nil {
		return nil, nil
	}
	if !f.inMedia(dst) {
		return f.forget(src), nil
	}
	live := f.index.Live(src)
	paths := make([]string, 0, len(live))
	for p := range live {
		paths = append(paths, p)
	}
	var changed []media.Item
	for _, from := range sorted(paths) {
		rel, err := filepath.Rel(src, from)
		if err != nil {
			return changed, err
		}
		to := filepath.Join(dst, rel)
		if err := f.index.Rename(from, to); err != nil {
			return changed, err
		}
		for _, p := range []string{from, to} {
			if it, ok := f.index.Get(p); ok {
				changed = append(changed, it)
			}
		}
	}
	return changed, nil
}

func (f *Files) inMedia(path string) bool {
	for _, root := range f.mediaRoots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	// Renames across file systems fail; fall back to copy and delete for
	// plain files.
	info, statErr := os.Stat(src)
	if statErr != nil || info.IsDir() {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

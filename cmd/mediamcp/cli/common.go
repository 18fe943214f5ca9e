package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/config"
	"github.com/felixgeelhaar/mediamcp/internal/credential"
	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"github.com/felixgeelhaar/mediamcp/internal/guard"
	"github.com/felixgeelhaar/mediamcp/internal/mcp"
	"github.com/felixgeelhaar/mediamcp/internal/media"
	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"github.com/felixgeelhaar/mediamcp/internal/orchestrate"
	"github.com/felixgeelhaar/mediamcp/internal/plugin"
	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/felixgeelhaar/mediamcp/internal/scan"
	"github.com/felixgeelhaar/mediamcp/internal/store"
	"github.com/felixgeelhaar/mediamcp/internal/tools"
)

const (
	textCacheSize = 256
	dialTimeout   = 5 * time.Second
)

// stateDir resolves --home, then $MEDIAMCP_HOME, then ~/.mediamcp.
func stateDir() (string, error) {
	if homeDir != "" {
		return homeDir, nil
	}
	if v := os.Getenv("MEDIAMCP_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".mediamcp"), nil
}

func loadConfig() (*config.Config, string, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, "", err
	}
	if err := config.LoadEnv(".env"); err != nil {
		return nil, "", err
	}
	path := configPath
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

func newObserver(cfg *config.Config) *observe.Observer {
	return observe.NewWithOptions(os.Stderr, observe.Options{
		JSON:    jsonOutput,
		Verbose: verbose,
		LogFile: cfg.LogFile,
	})
}

func openStore(dir string) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(
		filepath.Join(dir, "mediamcp.db"),
		filepath.Join(dir, "artifacts"),
	)
}

// app holds everything one command invocation needs.
type app struct {
	cfg      *config.Config
	dir      string
	obs      *observe.Observer
	store    *store.SQLiteStore
	vault    *credential.Vault
	guard    *guard.Guard
	index    *media.Index
	lock     *media.Lock
	embedder embed.Embedder
	scanner  *scan.Scanner
	searcher *media.Searcher
	bus      *runtime.EventBus

	closers []io.Closer
}

// openApp loads configuration and opens the store, the embedder and the
// media index. An unreadable index is reported and rebuilt from disk.
func openApp(ctx context.Context) (*app, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, dir: dir, obs: newObserver(cfg), bus: runtime.NewEventBus()}

	res := cfg.Validate()
	for _, w := range res.Warnings {
		a.obs.Log().Warn().Str("config", w).Msg("configuration warning")
	}
	if !res.Valid {
		a.obs.Close()
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(res.Errors, "; "))
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.store, err = openStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	a.closers = append(a.closers, a.store)
	rebuild := a.store.Recovered
	if rebuild {
		fmt.Fprintf(os.Stderr, "The index database was unreadable and has been moved to %s; rebuilding.\n", a.store.RecoveredFrom)
	}

	keys, err := credential.NewManager(filepath.Join(dir, ".salt"))
	if err != nil {
		return nil, err
	}
	a.vault = credential.NewVault(a.store, keys)

	var base embed.Embedder = embed.NewHistogramEmbedder()
	if cfg.EmbedderPlugin != "" {
		launched, err := plugin.Launch(ctx, cfg.EmbedderPlugin, verbose)
		if err != nil {
			return nil, fmt.Errorf("start embedder plugin: %w", err)
		}
		a.closers = append(a.closers, launched)
		base = launched
	}
	a.embedder, err = embed.NewCached(base, textCacheSize)
	if err != nil {
		return nil, err
	}

	a.index, err = media.Open(ctx, a.store, a.embedder.Dimension())
	if err != nil {
		fmt.Fprintf(os.Stderr, "The media index could not be loaded (%v); rebuilding.\n", err)
		rebuild = true
	}

	a.lock = media.NewLock(filepath.Join(dir, "index.lock"))
	a.guard = guard.New(guard.Policy{
		MaxIterations: cfg.MaxIterations,
		ToolTimeout:   cfg.ToolTimeout.Std(),
		AllowedRoots:  cfg.AllowedPaths,
		DeniedGlobs:   guard.DefaultPolicy.DeniedGlobs,
	})
	a.scanner = scan.New(a.index, a.embedder, a.lock, a.store, scan.Options{
		ImageExts: cfg.ImageExtensions,
		VideoExts: cfg.VideoExtensions,
		Exclude:   cfg.ExcludeGlobs,
		Workers:   cfg.ScanWorkers,
		BatchSize: cfg.EmbedBatchSize,
		Progress: func(done, total int) {
			a.bus.PublishWithData(runtime.EventScanProgress, "", map[string]any{"done": done, "total": total})
		},
	}, a.obs)
	a.searcher = &media.Searcher{
		Index:     a.index,
		Embedder:  a.embedder,
		ImageExts: cfg.ImageExtensions,
		VideoExts: cfg.VideoExtensions,
	}

	if rebuild {
		if _, err := a.scanner.Rebuild(ctx, cfg.MediaPaths); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("rebuild index: %w", err)
			}
			// The empty index stays usable; the next scan reconciles everything.
			a.obs.Log().Warn().Err(err).Msg("index rebuild failed")
			fmt.Fprintf(os.Stderr, "Rebuilding the media index failed (%v); run `mediamcp scan` to retry.\n", err)
		}
	}

	ok = true
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.obs.Log().Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
	a.obs.Close()
}

// toolGroups are the tool sets a tool server can expose.
var toolGroups = []string{"files", "web", "media"}

// registry builds a local registry holding the named tool groups.
func (a *app) registry(groups ...string) (*runtime.ToolRegistry, error) {
	reg := runtime.NewToolRegistry()
	reg.SetTimeout(a.cfg.ToolTimeout.Std())
	for _, g := range groups {
		if err := a.register(reg, g); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *app) register(reg *runtime.ToolRegistry, group string) error {
	switch group {
	case "files":
		if err := tools.NewFiles(a.guard, a.index, a.lock, a.store, a.cfg.MediaPaths).Register(reg); err != nil {
			return err
		}
		return a.register(reg, "media")
	case "media":
		// files already carries the media tools
		if reg.HasTool("search_image_by_text") {
			return nil
		}
		return tools.NewMedia(a.searcher, a.scanner, a.guard, a.cfg.MediaPaths, a.cfg.TopK).Register(reg)
	case "web":
		return tools.NewWeb(tools.WebOptions{}).Register(reg)
	}
	return fmt.Errorf("unknown tool group %q (want one of %v)", group, toolGroups)
}

// agentTools connects the configured tool servers. A server that cannot be
// reached, or every server with --local-tools, is replaced by the same
// tools run in-process.
func (a *app) agentTools(ctx context.Context) (runtime.Invoker, error) {
	reg := runtime.NewToolRegistry()
	reg.SetTimeout(a.cfg.ToolTimeout.Std())

	names := make([]string, 0, len(a.cfg.ToolServers))
	for name := range a.cfg.ToolServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		url := a.cfg.ToolServers[name]
		if !localTools {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			remote, err := mcp.Dial(dialCtx, name, url)
			cancel()
			if err == nil {
				a.closers = append(a.closers, remote)
				if err := remote.Register(reg); err != nil {
					return nil, err
				}
				a.obs.Log().Info().Str("server", name).Int("tools", len(remote.Tools())).Msg("connected tool server")
				continue
			}
			a.obs.Log().Warn().Str("server", name).Str("url", url).Err(err).Msg("tool server unreachable, running its tools in-process")
		}
		if err := a.register(reg, name); err != nil {
			return nil, err
		}
	}
	return mcp.NewProxy(reg, a.store, a.cfg.MaxObservation), nil
}

// secretLookup maps provider environment keys such as OPENAI_API_KEY to
// vault keys such as openai.api_key, falling back to the environment.
func (a *app) secretLookup(env string) string {
	prefix, rest, found := strings.Cut(strings.ToLower(env), "_")
	if !found {
		return os.Getenv(env)
	}
	return a.vault.Lookup(prefix+"."+rest, env)
}

// manager wires provider, tools and agent into a conversation manager.
func (a *app) manager(ctx context.Context) (*orchestrate.Manager, error) {
	p, err := provider.New(providerType, modelName, a.secretLookup)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}
	invoker, err := a.agentTools(ctx)
	if err != nil {
		return nil, err
	}
	agent := runtime.NewAgent(provider.WithRetry(p, a.cfg.ProviderRetries), invoker, a.obs, runtime.AgentOptions{
		MaxIterations: a.cfg.MaxIterations,
	})
	return orchestrate.New(agent, a.store, a.obs), nil
}

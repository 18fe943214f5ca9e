// Package config loads the media library and agent settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a mediamcp installation.
type Config struct {
	AllowedPaths    []string          `json:"allowed_paths" yaml:"allowed_paths"`
	MediaPaths      []string          `json:"media_paths" yaml:"media_paths"`
	ImageExtensions []string          `json:"image_extensions" yaml:"image_extensions"`
	VideoExtensions []string          `json:"video_extensions" yaml:"video_extensions"`
	ExcludeGlobs    []string          `json:"exclude_globs" yaml:"exclude_globs"`
	MaxIterations   int               `json:"max_iterations" yaml:"max_iterations"`
	ToolTimeout     Duration          `json:"tool_timeout" yaml:"tool_timeout"`
	ProviderRetries int               `json:"provider_retries" yaml:"provider_retries"`
	ScanWorkers     int               `json:"scan_workers" yaml:"scan_workers"`
	EmbedBatchSize  int               `json:"embed_batch_size" yaml:"embed_batch_size"`
	TopK            int               `json:"top_k" yaml:"top_k"`
	MaxObservation  int               `json:"max_observation_chars" yaml:"max_observation_chars"`
	ToolServers     map[string]string `json:"tool_servers" yaml:"tool_servers"`
	EmbedderPlugin  string            `json:"embedder_plugin" yaml:"embedder_plugin"`
	LogFile         string            `json:"log_file" yaml:"log_file"`
}

// Duration accepts "30s" style strings in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Defaults returns a configuration rooted at the current working directory.
func Defaults() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return Config{
		AllowedPaths:    []string{cwd},
		MediaPaths:      []string{cwd},
		ImageExtensions: []string{".jpg", ".jpeg", ".png", ".gif"},
		VideoExtensions: []string{".mp4", ".mov", ".mkv", ".webm"},
		ExcludeGlobs:    []string{"**/node_modules/**", "**/.*/**"},
		MaxIterations:   10,
		ToolTimeout:     Duration(30 * time.Second),
		ProviderRetries: 3,
		ScanWorkers:     workers,
		EmbedBatchSize:  32,
		TopK:            5,
		MaxObservation:  4000,
		ToolServers: map[string]string{
			"files": "http://localhost:8000/mcp",
			"web":   "http://localhost:8001/mcp",
		},
	}
}

// Load reads a configuration file (JSON or YAML) on top of Defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	cfg.normalize()
	return &cfg, nil
}

// Save writes the configuration as YAML or JSON depending on the extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) normalize() {
	for i, p := range c.AllowedPaths {
		c.AllowedPaths[i] = expandHome(p)
	}
	for i, p := range c.MediaPaths {
		c.MediaPaths[i] = expandHome(p)
	}
	for i, ext := range c.ImageExtensions {
		c.ImageExtensions[i] = normalizeExt(ext)
	}
	for i, ext := range c.VideoExtensions {
		c.VideoExtensions[i] = normalizeExt(ext)
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(msg string) {
		res.Valid = false
		res.Errors = append(res.Errors, msg)
	}

	if len(c.AllowedPaths) == 0 {
		fail("allowed_paths must list at least one directory")
	}
	for _, p := range c.AllowedPaths {
		if !filepath.IsAbs(p) {
			fail(fmt.Sprintf("allowed path %q must be absolute", p))
		}
	}
	if len(c.MediaPaths) == 0 {
		res.Warnings = append(res.Warnings, "No media_paths configured; the media index will stay empty")
	}
	for _, p := range c.MediaPaths {
		if _, err := os.Stat(p); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("media path %q is not accessible: %v", p, err))
		}
	}
	if len(c.ImageExtensions) == 0 && len(c.VideoExtensions) == 0 {
		fail("at least one media extension is required")
	}
	if c.MaxIterations < 1 {
		fail("max_iterations must be at least 1")
	} else if c.MaxIterations > 50 {
		res.Warnings = append(res.Warnings, "max_iterations above 50 lets a confused model run for a long time")
	}
	if c.ToolTimeout.Std() <= 0 {
		fail("tool_timeout must be positive")
	}
	if c.ProviderRetries < 0 {
		fail("provider_retries cannot be negative")
	}
	if c.ScanWorkers < 1 {
		fail("scan_workers must be at least 1")
	}
	if c.EmbedBatchSize < 1 {
		fail("embed_batch_size must be at least 1")
	}
	if c.TopK < 1 {
		fail("top_k must be at least 1")
	}
	if c.MaxObservation < 200 {
		res.Warnings = append(res.Warnings, "max_observation_chars below 200 truncates most tool results")
	}
	return res
}

// LoadEnv reads KEY=VALUE pairs from a .env file without overriding
// variables already set in the process environment. A missing file is not an error.
func LoadEnv(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}
	for k, v := range values {
		if _, set := os.LookupEnv(k); !set {
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

package guard

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines the limits and scopes for one conversation.
type Policy struct {
	MaxIterations   int           `json:"max_iterations"`
	MaxPromptTokens int           `json:"max_prompt_tokens"` // 0 disables the check
	MaxOutputTokens int           `json:"max_output_tokens"` // 0 disables the check
	ToolTimeout     time.Duration `json:"tool_timeout"`
	AllowedRoots    []string      `json:"allowed_roots"`
	DeniedGlobs     []string      `json:"denied_globs"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	MaxIterations: 10,
	ToolTimeout:   30 * time.Second,
	DeniedGlobs:   []string{"**/.ssh/**", "**/.gnupg/**", "**/.mediamcp/**"},
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

func (v *Violation) Error() string {
	return v.Rule + ": " + v.Message
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
	roots  []string
}

func New(p Policy) *Guard {
	g := &Guard{policy: p}
	for _, r := range p.AllowedRoots {
		g.roots = append(g.roots, resolve(r))
	}
	return g
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Roots returns the resolved sandbox roots.
func (g *Guard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// CheckBudget verifies if the usage is within limits.
// iterations is the number of the cycle about to start.
func (g *Guard) CheckBudget(iterations, promptTokens, outputTokens int) *Violation {
	if iterations > g.policy.MaxIterations {
		return &Violation{Rule: "max_iterations", Message: "Iteration limit exceeded", Fatal: true}
	}
	if g.policy.MaxPromptTokens > 0 && promptTokens > g.policy.MaxPromptTokens {
		return &Violation{Rule: "max_prompt_tokens", Message: "Prompt token budget exceeded", Fatal: true}
	}
	if g.policy.MaxOutputTokens > 0 && outputTokens > g.policy.MaxOutputTokens {
		return &Violation{Rule: "max_output_tokens", Message: "Output token budget exceeded", Fatal: true}
	}
	return nil
}

// CheckPath resolves path and verifies it stays inside an allowed root.
// Relative paths are resolved against the first root.
func (g *Guard) CheckPath(path string) (string, *Violation) {
	if strings.TrimSpace(path) == "" {
		return "", &Violation{Rule: "allowed_roots", Message: "empty path"}
	}
	if len(g.roots) == 0 {
		return "", &Violation{Rule: "allowed_roots", Message: "no allowed directories configured", Fatal: true}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(g.roots[0], path)
	}
	abs := resolve(path)

	inside := false
	for _, root := range g.roots {
		if within(root, abs) {
			inside = true
			break
		}
	}
	if !inside {
		return "", &Violation{Rule: "allowed_roots", Message: "Access denied: " + path + " is outside the allowed directories"}
	}

	for _, pattern := range g.policy.DeniedGlobs {
		match, err := doublestar.PathMatch(pattern, abs)
		if err == nil && match {
			return "", &Violation{Rule: "denied_globs", Message: "Access denied: " + path + " matches " + pattern}
		}
	}
	return abs, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve cleans p and follows symlinks on the longest existing prefix, so
// links pointing out of a root are judged by their target.
func resolve(p string) string {
	p = filepath.Clean(p)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	rest := ""
	cur := p
	for {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(real, rest)
		}
		if _, err := os.Lstat(cur); err == nil {
			return p
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

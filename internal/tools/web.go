package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"
)

const (
	DefaultSearchURL    = "https://html.duckduckgo.com/html/"
	DefaultUserAgent    = "Mozilla/5.0 (compatible; mediamcp/0.1)"
	DefaultFetchTimeout = 10 * time.Second
	// DefaultDomainDelay is the minimum spacing of requests to one host.
	DefaultDomainDelay = time.Second

	defaultMaxChars = 4000
	maxBodyBytes    = 5 << 20
)

// WebOptions configures Web. Zero values select the defaults above.
type WebOptions struct {
	SearchURL   string
	UserAgent   string
	Timeout     time.Duration
	DomainDelay time.Duration
	Client      *http.Client
	Now         func() time.Time
}

// Web serves web search, page scraping and the clock.
type Web struct {
	opts   WebOptions
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWeb(opts WebOptions) *Web {
	if opts.SearchURL == "" {
		opts.SearchURL = DefaultSearchURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.DomainDelay <= 0 {
		opts.DomainDelay = DefaultDomainDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Web{opts: opts, client: client, limiters: make(map[string]*rate.Limiter)}
}

// Register adds search_web, scrape_site_content and current_datetime to reg.
func (w *Web) Register(reg *runtime.ToolRegistry) error {
	tools := []struct {
		def     runtime.ToolDefinition
		handler runtime.ToolHandler
	}{
		{runtime.ToolDefinition{
			Name:        "search_web",
			Description: "Search the web with DuckDuckGo. Returns titles, links and snippets.",
			Parameters: object(map[string]any{
				"query":       str("Search terms."),
				"max_results": integer("Number of results.", 5, 1, 25),
			}, "query"),
			ReadOnly: true,
		}, w.searchWeb},
		{runtime.ToolDefinition{
			Name:        "scrape_site_content",
			Description: "Fetch a web page and return its visible text without scripts, navigation, headers and footers.",
			Parameters: object(map[string]any{
				"url":       map[string]any{"type": "string", "description": "Absolute http or https URL.", "pattern": "^https?://"},
				"max_chars": integer("Maximum characters of text returned.", defaultMaxChars, 100, 100000),
			}, "url"),
			ReadOnly: true,
		}, w.scrape},
		{runtime.ToolDefinition{
			Name:        "current_datetime",
			Description: "Return the current local date and time.",
			Parameters:  object(map[string]any{}),
			ReadOnly:    true,
		}, w.currentDatetime},
	}
	for _, t := range tools {
		if err := reg.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks until a request to host is allowed.
func (w *Web) wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	w.mu.Lock()
	l, ok := w.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(w.opts.DomainDelay), 1)
		w.limiters[host] = l
	}
	w.mu.Unlock()
	return l.Wait(ctx)
}

func (w *Web) get(ctx context.Context, target string) (*html.Node, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, &runtime.ToolArgumentError{Tool: "scrape_site_content", Reason: fmt.Sprintf("invalid url %q", target)}
	}
	if err := w.wait(ctx, u.Host); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", w.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error while fetching %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", target, resp.StatusCode)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", target, err)
	}
	return doc, nil
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Href    string `json:"href"`
	Snippet string `json:"snippet"`
}

func (w *Web) searchWeb(ctx context.Context, args map[string]any) (string, error) {
	q := url.Values{"q": {stringArg(args, "query")}}
	doc, err := w.get(ctx, w.opts.SearchURL+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("search_web failed: %w", err)
	}
	results := parseResults(doc, intArg(args, "max_results", 5))
	if results == nil {
		results = []SearchResult{}
	}
	return result(map[string]any{"results": results})
}

// parseResults reads the DuckDuckGo HTML result list.
func parseResults(doc *html.Node, limit int) []SearchResult {
	var out []SearchResult
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(out) > limit {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				out = append(out, SearchResult{
					Title: textOf(n),
					Href:  resolveRedirect(attr(n, "href")),
				})
				return
			case hasClass(n, "result__snippet") && len(out) > 0:
				out[len(out)-1].Snippet = textOf(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func (w *Web) scrape(ctx context.Context, args map[string]any) (string, error) {
	target := stringArg(args, "url")
	doc, err := w.get(ctx, target)
	if err != nil {
		return "", err
	}
	text := visibleText(doc)
	if limit := intArg(args, "max_chars", defaultMaxChars); utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit]) + "..."
	}
	return result(map[string]string{"url": target, "content": text})
}

var hidden = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Nav:      true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Head:     true,
}

// visibleText joins the text of every node outside hidden elements, with
// whitespace collapsed.
func visibleText(doc *html.Node) string {
	var words []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hidden[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			words = append(words, strings.Fields(n.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(words, " ")
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func (w *Web) currentDatetime(ctx context.Context, args map[string]any) (string, error) {
	now := w.opts.Now()
	zone, _ := now.Zone()
	return result(map[string]string{
		"datetime": now.Format(time.RFC3339),
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04:05"),
		"weekday":  now.Weekday().String(),
		"timezone": zone,
	})
}

// Package fetcher renders documentation pages in headless Chrome sessions
// and converts them to Markdown for downstream chunking.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// UserAgent presented by every browser session.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36 Edg/138.0.0.0"

// NotFoundPhrase is the text Apple's documentation site renders on its soft
// 404 page. The server still answers 200, so content is the only signal.
const NotFoundPhrase = "The page you're looking for can't be found."

// stealthHeaders match what a real Edge-on-macOS session sends.
var stealthHeaders = network.Headers{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Cache-Control":             "no-cache",
	"Pragma":                    "no-cache",
	"Sec-CH-UA":                 `"Not)A;Brand";v="8", "Chromium";v="138", "Microsoft Edge";v="138"`,
	"Sec-CH-UA-Mobile":          "?0",
	"Sec-CH-UA-Platform":        `"macOS"`,
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Upgrade-Insecure-Requests": "1",
}

const (
	// DefaultPoolSize is the number of concurrent browser sessions.
	DefaultPoolSize = 5

	// DefaultPageTimeout bounds a single page load.
	DefaultPageTimeout = 5 * time.Second

	// DefaultDelayBeforeReturn lets client-side rendering settle before the
	// DOM is captured.
	DefaultDelayBeforeReturn = 5 * time.Second

	// transientRetries is how many extra attempts a fetch gets after
	// timeouts or network errors.
	transientRetries = 2
)

// Config holds fetch pool settings.
type Config struct {
	// PoolSize is the number of browser sessions kept open.
	PoolSize int

	// PageTimeout bounds navigation plus capture for one page.
	PageTimeout time.Duration

	// DelayBeforeReturn is the settle time after the DOM is ready.
	DelayBeforeReturn time.Duration

	// ContentSelector scopes content capture to one element, e.g.
	// "#app-main". Empty means the whole document.
	ContentSelector string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result is the outcome of fetching one page.
type Result struct {
	// Markdown is the cleaned page content.
	Markdown string

	// Links are the anchors found in the captured HTML.
	Links Links

	// NotFound is set when the page rendered the soft-404 message.
	NotFound bool
}

// Pool manages a fixed set of headless browser sessions. Fetch blocks until
// a session is free, so pool size caps site concurrency.
type Pool struct {
	cfg      Config
	conv     *converter.Converter
	sessions chan *session
	logger   *slog.Logger
}

type session struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewPool starts cfg.PoolSize browser sessions.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.DelayBeforeReturn < 0 {
		cfg.DelayBeforeReturn = DefaultDelayBeforeReturn
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		sessions: make(chan *session, cfg.PoolSize),
		logger:   logger,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		s, err := p.newSession(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start browser session %d: %w", i, err)
		}
		p.sessions <- s
	}

	logger.Info("fetch pool started", "sessions", cfg.PoolSize)
	return p, nil
}

func (p *Pool) newSession(ctx context.Context) (*session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(UserAgent),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-features", "TranslateUI"),
		chromedp.Flag("disable-ipc-flooding-protection", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Starting the browser now surfaces launch failures here instead of on
	// the first fetch.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, err
	}

	return &session{allocCancel: allocCancel, ctx: tabCtx, cancel: tabCancel}, nil
}

func (s *session) close() {
	s.cancel()
	s.allocCancel()
}

// Close shuts down all sessions. Pending Fetch calls fail once their session
// is gone.
func (p *Pool) Close() {
	for {
		select {
		case s := <-p.sessions:
			s.close()
		default:
			return
		}
	}
}

// Fetch renders url, captures the configured content selector, converts it
// to Markdown and extracts its links.
func (p *Pool) Fetch(ctx context.Context, url string) (*Result, error) {
	html, err := p.fetchHTML(ctx, url, p.cfg.ContentSelector)
	if err != nil {
		return nil, err
	}
	return p.buildResult(url, html)
}

// FetchLinks renders url without a content selector and returns the links
// found in the full document plus whether the full body carries the
// not-found phrase. Used by dual-fetch mode where the scoped capture hides
// the navigation tree and may hide the phrase as well.
func (p *Pool) FetchLinks(ctx context.Context, url string) (Links, bool, error) {
	html, err := p.fetchHTML(ctx, url, "")
	if err != nil {
		return Links{}, false, err
	}
	links, err := ExtractLinks(html, url)
	if err != nil {
		return Links{}, false, err
	}
	return links, strings.Contains(html, NotFoundPhrase), nil
}

func (p *Pool) buildResult(url, html string) (*Result, error) {
	links, err := ExtractLinks(html, url)
	if err != nil {
		return nil, fmt.Errorf("failed to extract links from %s: %w", url, err)
	}

	markdown, err := p.conv.ConvertString(html, converter.WithDomain(url))
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to markdown: %w", url, err)
	}
	markdown = PostProcess(markdown)

	return &Result{
		Markdown: markdown,
		Links:    links,
		NotFound: strings.Contains(markdown, NotFoundPhrase),
	}, nil
}

// fetchHTML runs the capture on a pooled session. A session whose browser
// died is replaced; timeouts and network errors get bounded retries.
func (p *Pool) fetchHTML(ctx context.Context, url, selector string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		var s *session
		select {
		case s = <-p.sessions:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		html, err := p.capture(ctx, s, url, selector)
		if err == nil {
			p.sessions <- s
			return html, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			p.sessions <- s
			return "", ctx.Err()
		}

		if isSessionDead(s, err) {
			p.logger.Warn("browser session died, replacing", "url", url, "error", err)
			s.close()
			fresh, serr := p.newSession(ctx)
			if serr != nil {
				return "", fmt.Errorf("failed to replace browser session: %w", serr)
			}
			p.sessions <- fresh
			continue
		}

		p.sessions <- s
		p.logger.Warn("fetch attempt failed", "url", url, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("failed to fetch %s: %w", url, lastErr)
}

func (p *Pool) capture(ctx context.Context, s *session, url, selector string) (string, error) {
	// The page context is the session's, bounded by the page timeout. The
	// caller's context only gates retry scheduling; tying it in here would
	// kill the tab on shutdown mid-navigation, which Chrome tolerates.
	tctx, cancel := context.WithTimeout(s.ctx, p.cfg.PageTimeout+p.cfg.DelayBeforeReturn)
	defer cancel()

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		network.SetExtraHTTPHeaders(stealthHeaders),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(p.cfg.DelayBeforeReturn),
	}
	if selector != "" {
		tasks = append(tasks, chromedp.OuterHTML(selector, &html, chromedp.ByQuery))
	} else {
		tasks = append(tasks, chromedp.OuterHTML("html", &html))
	}

	if err := chromedp.Run(tctx, tasks); err != nil {
		return "", err
	}
	return html, nil
}

// isSessionDead reports whether err means the browser behind the session is
// gone, as opposed to a flaky page load.
func isSessionDead(s *session, err error) bool {
	if s.ctx.Err() != nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "browser closed")
}

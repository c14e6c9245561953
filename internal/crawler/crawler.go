// Package crawler runs the continuous crawl loop: acquire pages from the
// store, render them through the fetch pool, and write content and newly
// discovered links back in batches.
package crawler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/knoguchi/doccorpus/internal/fetcher"
	"github.com/knoguchi/doccorpus/internal/repository"
)

const (
	supplierPollInterval = 1 * time.Second
	supplierIdleSleep    = 5 * time.Second

	// DefaultFlushInterval is how often buffered results are written even
	// when the flush threshold has not been reached.
	DefaultFlushInterval = 30 * time.Second

	// DefaultBatchSize is the acquisition batch and flush threshold.
	DefaultBatchSize = 5
)

// Store is the slice of the page repository the crawler needs.
type Store interface {
	InsertURLIfAbsent(ctx context.Context, url string) (bool, error)
	InsertURLsBatch(ctx context.Context, urls []string) (int, error)
	AcquireCrawlBatch(ctx context.Context, n int) ([]repository.PageContent, error)
	UpdatePagesBatch(ctx context.Context, pairs []repository.PageContent) error
	DeletePagesBatch(ctx context.Context, urls []string) error
}

// Fetcher renders pages. Implemented by *fetcher.Pool.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
	FetchLinks(ctx context.Context, url string) (fetcher.Links, bool, error)
}

// Config holds crawler settings.
type Config struct {
	// Workers is the number of concurrent fetch workers.
	Workers int

	// BatchSize is the acquisition batch size and the buffer flush
	// threshold.
	BatchSize int

	// SeedURL is inserted at startup so an empty corpus has somewhere to
	// begin.
	SeedURL string

	// AllowedPrefix confines discovered links to one documentation tree.
	AllowedPrefix string

	// DualFetch adds a second, unscoped fetch per page to harvest links
	// hidden outside the content selector and to run the not-found test
	// on the full body.
	DualFetch bool

	// FlushInterval is the storage manager's periodic flush cadence.
	FlushInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type pageResult struct {
	url      string
	markdown string
	notFound bool
	links    []string
}

// Crawler wires the supplier, the worker pool and the storage manager over
// a shared queue and result buffer.
type Crawler struct {
	cfg    Config
	store  Store
	fetch  Fetcher
	logger *slog.Logger

	queue chan string

	mu      sync.Mutex
	results []pageResult
}

// New creates a Crawler.
func New(store Store, fetch Fetcher, cfg Config) *Crawler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBatchSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Crawler{
		cfg:    cfg,
		store:  store,
		fetch:  fetch,
		logger: cfg.Logger,
		queue:  make(chan string, cfg.Workers),
	}
}

// Run crawls until ctx is cancelled, then drains buffered results with one
// final flush.
func (c *Crawler) Run(ctx context.Context) error {
	if c.cfg.SeedURL != "" {
		seed, err := Canonicalize(c.cfg.SeedURL)
		if err != nil {
			return err
		}
		inserted, err := c.store.InsertURLIfAbsent(ctx, seed)
		if err != nil {
			return err
		}
		if inserted {
			c.logger.Info("seed url inserted", "url", seed)
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.supply(ctx)
	}()

	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.manageStorage(ctx)
	}()

	c.logger.Info("crawler started", "workers", c.cfg.Workers, "dual_fetch", c.cfg.DualFetch)
	wg.Wait()

	// Shutdown context is already cancelled; the final flush gets its own.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.flush(flushCtx)

	c.logger.Info("crawler stopped")
	return nil
}

// supply keeps the queue topped up. When the queue runs low it acquires a
// batch; urls that no longer fit are dropped and will be re-acquired later.
func (c *Crawler) supply(ctx context.Context) {
	for {
		if len(c.queue) < c.cfg.Workers {
			batch, err := c.store.AcquireCrawlBatch(ctx, c.cfg.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("failed to acquire crawl batch", "error", err)
			}

			if len(batch) == 0 {
				if !sleepCtx(ctx, supplierIdleSleep) {
					return
				}
				continue
			}

			for _, page := range batch {
				select {
				case c.queue <- page.URL:
				case <-ctx.Done():
					return
				default:
					// Queue filled up mid-batch; the row lock is
					// released, so the url comes back next round.
				}
			}
		}

		if !sleepCtx(ctx, supplierPollInterval) {
			return
		}
	}
}

func (c *Crawler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case url := <-c.queue:
			c.crawlOne(ctx, url)
		}
	}
}

func (c *Crawler) crawlOne(ctx context.Context, url string) {
	res, err := c.fetch.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("fetch failed", "url", url, "error", err)
		}
		return
	}

	links := res.Links.Internal
	notFound := res.NotFound
	if c.cfg.DualFetch && !notFound {
		full, fullNotFound, err := c.fetch.FetchLinks(ctx, url)
		switch {
		case err != nil:
			c.logger.Warn("dual fetch failed", "url", url, "error", err)
		case fullNotFound:
			// The phrase can sit outside the content selector; the full
			// body is authoritative in dual mode.
			notFound = true
			links = nil
		default:
			links = append(links, full.Internal...)
		}
	}

	result := pageResult{
		url:      url,
		markdown: res.Markdown,
		notFound: notFound,
		links:    links,
	}

	c.mu.Lock()
	c.results = append(c.results, result)
	full := len(c.results) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
}

// manageStorage flushes on a timer so a quiet crawl still persists promptly.
func (c *Crawler) manageStorage(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

// flush writes buffered results: soft-404 pages are deleted, the rest get
// their content updated, and discovered links inside the allowed prefix are
// registered as new pages. The buffer is detached under the lock; all I/O
// happens outside it.
func (c *Crawler) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.results
	c.results = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var (
		updates []repository.PageContent
		deletes []string
	)
	seen := make(map[string]bool)
	var discovered []string

	for _, r := range batch {
		if r.notFound {
			deletes = append(deletes, r.url)
		} else {
			updates = append(updates, repository.PageContent{URL: r.url, Content: r.markdown})
		}
		for _, link := range r.links {
			canonical, err := Canonicalize(link)
			if err != nil {
				continue
			}
			if !InPrefix(canonical, c.cfg.AllowedPrefix) || seen[canonical] {
				continue
			}
			seen[canonical] = true
			discovered = append(discovered, canonical)
		}
	}

	if len(deletes) > 0 {
		if err := c.store.DeletePagesBatch(ctx, deletes); err != nil {
			c.logger.Error("failed to delete missing pages", "count", len(deletes), "error", err)
		} else {
			c.logger.Info("deleted missing pages", "count", len(deletes))
		}
	}

	if len(updates) > 0 {
		if err := c.store.UpdatePagesBatch(ctx, updates); err != nil {
			c.logger.Error("failed to update pages", "count", len(updates), "error", err)
		}
	}

	if len(discovered) > 0 {
		added, err := c.store.InsertURLsBatch(ctx, discovered)
		if err != nil {
			c.logger.Error("failed to insert discovered urls", "count", len(discovered), "error", err)
		} else if added > 0 {
			c.logger.Info("discovered new pages", "count", added)
		}
	}

	c.logger.Debug("flush complete", "updated", len(updates), "deleted", len(deletes), "links", len(discovered))
}

// sleepCtx waits d or until ctx is done. Returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

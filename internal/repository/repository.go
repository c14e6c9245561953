// Package repository defines domain models and data access interfaces for
// pages and chunks in the documentation corpus.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Page represents a discovered URL with its latest extracted text and
// accumulated crawl/process statistics.
type Page struct {
	ID            uuid.UUID
	URL           string
	Content       string
	CrawlCount    int
	ProcessCount  int
	CreatedAt     time.Time
	LastCrawledAt *time.Time
	ProcessedAt   *time.Time
}

// Chunk represents one segment of a page's text, optionally embedded.
type Chunk struct {
	ID        uuid.UUID
	URL       string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// PageContent is the (url, content) pair moved through the pipelines.
type PageContent struct {
	URL     string
	Content string
}

// ChunkRow is one chunk ready for insertion. Embedding length must match the
// configured dimension.
type ChunkRow struct {
	Content   string
	Embedding []float32
}

// Stats holds corpus counters for the ops endpoint.
type Stats struct {
	Pages          int64
	Chunks         int64
	PendingCrawl   int64
	PendingProcess int64
}

// PageRepository defines operations for page persistence and distributed-safe
// URL acquisition.
type PageRepository interface {
	// InsertURLIfAbsent inserts a page with empty content and zero counters.
	// Returns true if a row was inserted. Idempotent.
	InsertURLIfAbsent(ctx context.Context, url string) (bool, error)

	// InsertURLsBatch inserts any urls not already present and returns the
	// number of newly inserted rows.
	InsertURLsBatch(ctx context.Context, urls []string) (int, error)

	// AcquireCrawlBatch returns up to n pages ordered oldest-first
	// (crawl_count ascending, then last_crawled_at ascending, NULLs first).
	// Concurrent callers never receive overlapping urls: selection runs with
	// FOR UPDATE SKIP LOCKED inside a single transaction.
	AcquireCrawlBatch(ctx context.Context, n int) ([]PageContent, error)

	// AcquireProcessBatch returns up to n pages with non-empty content and
	// no processed_at, freshest first. Same skip-locked discipline as
	// AcquireCrawlBatch.
	AcquireProcessBatch(ctx context.Context, n int) ([]PageContent, error)

	// UpdatePagesBatch replaces content, increments crawl_count and stamps
	// last_crawled_at for each pair, as one batched operation.
	UpdatePagesBatch(ctx context.Context, pairs []PageContent) error

	// DeletePagesBatch deletes the named pages and their chunks.
	DeletePagesBatch(ctx context.Context, urls []string) error

	// MarkProcessed stamps processed_at and increments process_count for each
	// url in a single batch.
	MarkProcessed(ctx context.Context, urls []string) error

	CountPages(ctx context.Context) (int64, error)
	PendingCounts(ctx context.Context) (pendingCrawl, pendingProcess int64, err error)
}

// ChunkRepository defines operations for chunk persistence and retrieval.
type ChunkRepository interface {
	// ReplaceChunks atomically deletes all chunks for url and inserts rows,
	// preserving row order.
	ReplaceChunks(ctx context.Context, url string, rows []ChunkRow) error

	// SearchChunks returns the chunks nearest to embedding by cosine
	// distance.
	SearchChunks(ctx context.Context, embedding []float32, limit int) ([]*Chunk, error)

	CountChunks(ctx context.Context) (int64, error)
}

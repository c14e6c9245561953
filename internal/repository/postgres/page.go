package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/doccorpus/internal/repository"
)

// PageRepo implements repository.PageRepository
type PageRepo struct {
	db *DB
}

// NewPageRepo creates a new page repository
func NewPageRepo(db *DB) *PageRepo {
	return &PageRepo{db: db}
}

// InsertURLIfAbsent inserts a page with empty content and zero counters.
func (r *PageRepo) InsertURLIfAbsent(ctx context.Context, url string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO pages (url, content)
		VALUES ($1, '')
		ON CONFLICT (url) DO NOTHING
	`, url)
	if err != nil {
		return false, fmt.Errorf("failed to insert url: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertURLsBatch inserts any urls not already present. Returns the number of
// newly inserted rows. Input order is irrelevant.
func (r *PageRepo) InsertURLsBatch(ctx context.Context, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO pages (url, content)
		SELECT unnest($1::text[]), ''
		ON CONFLICT (url) DO NOTHING
	`, urls)
	if err != nil {
		return 0, fmt.Errorf("failed to insert url batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AcquireCrawlBatch selects up to n pages oldest-first. Row locks taken with
// SKIP LOCKED make concurrent batches pairwise disjoint without global locks:
// rows locked by another acquisition transaction are simply skipped, so
// contention shows up as a shorter batch, never as an error.
func (r *PageRepo) AcquireCrawlBatch(ctx context.Context, n int) ([]repository.PageContent, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin crawl acquisition: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT url, content FROM pages
		ORDER BY crawl_count ASC, last_crawled_at ASC NULLS FIRST
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire crawl batch: %w", err)
	}

	batch, err := scanPageContents(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit crawl acquisition: %w", err)
	}
	return batch, nil
}

// AcquireProcessBatch selects up to n pages with non-empty content and no
// processed_at stamp, freshest first. Same skip-locked discipline as
// AcquireCrawlBatch.
func (r *PageRepo) AcquireProcessBatch(ctx context.Context, n int) ([]repository.PageContent, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin process acquisition: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT url, content FROM pages
		WHERE content <> '' AND processed_at IS NULL
		ORDER BY last_crawled_at DESC NULLS LAST
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire process batch: %w", err)
	}

	batch, err := scanPageContents(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit process acquisition: %w", err)
	}
	return batch, nil
}

// UpdatePagesBatch sets content, increments crawl_count and stamps
// last_crawled_at for each pair inside one transaction.
func (r *PageRepo) UpdatePagesBatch(ctx context.Context, pairs []repository.PageContent) error {
	if len(pairs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range pairs {
		batch.Queue(`
			UPDATE pages
			SET content = $2,
			    crawl_count = crawl_count + 1,
			    last_crawled_at = NOW()
			WHERE url = $1
		`, p.URL, p.Content)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range pairs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to update page: %w", err)
		}
	}
	return nil
}

func scanPageContents(rows pgx.Rows) ([]repository.PageContent, error) {
	defer rows.Close()

	var batch []repository.PageContent
	for rows.Next() {
		var pc repository.PageContent
		if err := rows.Scan(&pc.URL, &pc.Content); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		batch = append(batch, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pages: %w", err)
	}
	return batch, nil
}

// DeletePagesBatch deletes the named pages and cascades chunk deletion for
// those urls in one transaction.
func (r *PageRepo) DeletePagesBatch(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin page deletion: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE url = ANY($1)`, urls); err != nil {
		return fmt.Errorf("failed to delete chunks for pages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pages WHERE url = ANY($1)`, urls); err != nil {
		return fmt.Errorf("failed to delete pages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit page deletion: %w", err)
	}
	return nil
}

// MarkProcessed stamps processed_at and increments process_count for each url.
func (r *PageRepo) MarkProcessed(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE pages
		SET processed_at = NOW(),
		    process_count = process_count + 1
		WHERE url = ANY($1)
	`, urls)
	if err != nil {
		return fmt.Errorf("failed to mark pages processed: %w", err)
	}
	return nil
}

// CountPages returns the total page count.
func (r *PageRepo) CountPages(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM pages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

// PendingCounts returns the number of never-crawled pages and the number of
// pages awaiting processing.
func (r *PageRepo) PendingCounts(ctx context.Context) (int64, int64, error) {
	var pendingCrawl, pendingProcess int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE crawl_count = 0),
			COUNT(*) FILTER (WHERE content <> '' AND processed_at IS NULL)
		FROM pages
	`).Scan(&pendingCrawl, &pendingProcess)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending pages: %w", err)
	}
	return pendingCrawl, pendingProcess, nil
}

// Ensure PageRepo implements the interface
var _ repository.PageRepository = (*PageRepo)(nil)

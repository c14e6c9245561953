package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/knoguchi/doccorpus/internal/repository"
)

// ChunkRepo implements repository.ChunkRepository
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ReplaceChunks deletes all existing chunks for url and inserts rows in
// order, in a single transaction. Re-processing a page therefore never
// leaves stale or duplicated chunks behind.
func (r *ChunkRepo) ReplaceChunks(ctx context.Context, url string, rows []repository.ChunkRow) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk replacement: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE url = $1`, url); err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"chunks"},
			[]string{"url", "content", "embedding"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				return []any{url, rows[i].Content, pgvector.NewHalfVector(rows[i].Embedding)}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}
	return nil
}

// SearchChunks returns the chunks nearest to embedding by cosine distance.
func (r *ChunkRepo) SearchChunks(ctx context.Context, embedding []float32, limit int) ([]*repository.Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, url, content, embedding, created_at
		FROM chunks
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewHalfVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var (
			c   repository.Chunk
			vec pgvector.HalfVector
		)
		if err := rows.Scan(&c.ID, &c.URL, &c.Content, &vec, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}

// CountChunks returns the total chunk count.
func (r *ChunkRepo) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Ensure ChunkRepo implements the interface
var _ repository.ChunkRepository = (*ChunkRepo)(nil)

// Package service composes repository operations into the units the ops
// surface consumes.
package service

import (
	"context"
	"fmt"

	"github.com/knoguchi/doccorpus/internal/repository"
)

// StatsService aggregates corpus counters across the page and chunk
// repositories.
type StatsService struct {
	pages  repository.PageRepository
	chunks repository.ChunkRepository
}

// NewStatsService creates a StatsService.
func NewStatsService(pages repository.PageRepository, chunks repository.ChunkRepository) *StatsService {
	return &StatsService{pages: pages, chunks: chunks}
}

// Stats returns the current corpus counters.
func (s *StatsService) Stats(ctx context.Context) (repository.Stats, error) {
	var stats repository.Stats

	pages, err := s.pages.CountPages(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count pages: %w", err)
	}
	chunks, err := s.chunks.CountChunks(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count chunks: %w", err)
	}
	pendingCrawl, pendingProcess, err := s.pages.PendingCounts(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count pending pages: %w", err)
	}

	stats.Pages = pages
	stats.Chunks = chunks
	stats.PendingCrawl = pendingCrawl
	stats.PendingProcess = pendingProcess
	return stats, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/knoguchi/doccorpus/internal/config"
	"github.com/knoguchi/doccorpus/internal/crawler"
	"github.com/knoguchi/doccorpus/internal/embedder"
	"github.com/knoguchi/doccorpus/internal/fetcher"
	"github.com/knoguchi/doccorpus/internal/processor"
	"github.com/knoguchi/doccorpus/internal/repository/postgres"
	"github.com/knoguchi/doccorpus/internal/server"
	"github.com/knoguchi/doccorpus/internal/service"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run ingestion service", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ingestion service",
		"ops_port", cfg.OpsPort,
		"environment", cfg.Environment,
		"crawler", cfg.EnableCrawler,
		"processor", cfg.EnableProcessor,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	if err := db.Migrate(ctx, cfg.EmbeddingDimension); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize repositories
	pageRepo := postgres.NewPageRepo(db)
	chunkRepo := postgres.NewChunkRepo(db)

	// Pipelines run until this context is cancelled by a signal.
	pipelineCtx, stopPipelines := context.WithCancel(ctx)
	defer stopPipelines()

	var wg sync.WaitGroup

	if cfg.EnableCrawler {
		pool, err := fetcher.NewPool(ctx, fetcher.Config{
			PoolSize:          cfg.CrawlerPoolSize,
			PageTimeout:       cfg.PageTimeout(),
			DelayBeforeReturn: cfg.DelayBeforeReturn(),
			ContentSelector:   cfg.ContentSelector,
			Logger:            slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("failed to start fetch pool: %w", err)
		}
		defer pool.Close()

		crawl := crawler.New(pageRepo, pool, crawler.Config{
			Workers:       cfg.WorkerBatchSize,
			BatchSize:     cfg.WorkerBatchSize,
			SeedURL:       cfg.TargetURL,
			AllowedPrefix: cfg.AllowedPrefix,
			DualFetch:     cfg.DualCrawlEnabled,
			FlushInterval: cfg.StorageInterval,
			Logger:        slog.Default(),
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := crawl.Run(pipelineCtx); err != nil {
				slog.Error("crawler exited", "error", err)
			}
		}()
	}

	if cfg.EnableProcessor {
		embed, err := buildEmbedder(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize embedder: %w", err)
		}
		slog.Info("initialized embedder",
			"provider", cfg.EmbeddingProvider,
			"model", embed.ModelName(),
			"dimension", embed.Dimension(),
		)

		proc := processor.New(procStore{pageRepo, chunkRepo}, embed, processor.Config{
			ContentFetchSize: cfg.ContentFetchSize,
			StorageThreshold: cfg.StorageThreshold,
			MinChunkLength:   cfg.MinChunkLength,
			ChunkTargetSize:  cfg.ChunkTargetSize,
			Logger:           slog.Default(),
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proc.Run(pipelineCtx); err != nil {
				slog.Error("processor exited", "error", err)
			}
		}()
	}

	// Ops HTTP server
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:   cfg.OpsPort,
		DB:     db,
		Stats:  service.NewStatsService(pageRepo, chunkRepo),
		Logger: slog.Default(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown: stop the pipelines first so their final flushes
	// land, then close the ops server.
	slog.Info("shutting down...")
	stopPipelines()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown ops server", "error", err)
	}

	slog.Info("ingestion service stopped")
	return nil
}

// procStore bundles the two repositories into the processor's store
// interface.
type procStore struct {
	*postgres.PageRepo
	*postgres.ChunkRepo
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderLocal:
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.OllamaEmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		}), nil
	case config.ProviderAPI:
		keys, err := embedder.LoadKeyRing(cfg.EmbeddingKeysFile)
		if err != nil {
			return nil, err
		}
		return embedder.NewAPIEmbedder(embedder.APIConfig{
			BaseURL:   cfg.EmbeddingAPIURL,
			Model:     cfg.EmbeddingAPIModel,
			Dimension: cfg.EmbeddingDimension,
			Keys:      keys,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ crawler.Store   = (*postgres.PageRepo)(nil)
	_ crawler.Fetcher = (*fetcher.Pool)(nil)
	_ processor.Store = procStore{}
	_ server.Pinger   = (*postgres.DB)(nil)
)

// Package config loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Embedding provider selectors.
const (
	ProviderLocal = "local"
	ProviderAPI   = "api"
)

// Config holds all configuration for the ingestion service
type Config struct {
	// Server
	OpsPort     int    `env:"OPS_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// PostgreSQL
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Pipelines
	EnableCrawler   bool `env:"ENABLE_CRAWLER" envDefault:"true"`
	EnableProcessor bool `env:"ENABLE_PROCESSOR" envDefault:"true"`

	// Crawler. Delay is in seconds and the page timeout in milliseconds,
	// matching the operational env surface.
	TargetURL            string        `env:"TARGET_URL" envDefault:"https://developer.apple.com/documentation/visionos/"`
	AllowedPrefix        string        `env:"ALLOWED_URL_PREFIX" envDefault:"https://developer.apple.com/documentation/"`
	WorkerBatchSize      int           `env:"WORKER_BATCH_SIZE" envDefault:"5"`
	CrawlerPoolSize      int           `env:"CRAWLER_POOL_SIZE" envDefault:"5"`
	DualCrawlEnabled     bool          `env:"CRAWLER_DUAL_CRAWL_ENABLED" envDefault:"false"`
	DelayBeforeReturnSec int           `env:"CRAWLER_DELAY_BEFORE_RETURN" envDefault:"5"`
	PageTimeoutMS        int           `env:"CRAWLER_PAGE_TIMEOUT" envDefault:"5000"`
	ContentSelector      string        `env:"CRAWLER_CONTENT_SELECTOR" envDefault:"#app-main"`
	StorageInterval      time.Duration `env:"STORAGE_CHECK_INTERVAL" envDefault:"30s"`

	// Processor
	ContentFetchSize int `env:"CONTENT_FETCH_SIZE" envDefault:"50"`
	StorageThreshold int `env:"STORAGE_THRESHOLD" envDefault:"10"`
	MinChunkLength   int `env:"MIN_CHUNK_LENGTH" envDefault:"128"`
	ChunkTargetSize  int `env:"CHUNK_TARGET_SIZE" envDefault:"5000"`

	// Embedding
	EmbeddingProvider  string `env:"EMBEDDING_PROVIDER" envDefault:"local"`
	EmbeddingDimension int    `env:"EMBEDDING_DIMENSION" envDefault:"2560"`

	// Local provider (Ollama)
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"qwen3-embedding:4b"`

	// API provider (OpenAI-compatible)
	EmbeddingAPIURL   string `env:"EMBEDDING_API_URL" envDefault:"https://api.siliconflow.cn/v1"`
	EmbeddingAPIModel string `env:"EMBEDDING_API_MODEL" envDefault:"Qwen/Qwen3-Embedding-4B"`
	EmbeddingKeysFile string `env:"EMBEDDING_KEYS_FILE" envDefault:"keys.txt"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DelayBeforeReturn returns CRAWLER_DELAY_BEFORE_RETURN as a duration.
func (c *Config) DelayBeforeReturn() time.Duration {
	return time.Duration(c.DelayBeforeReturnSec) * time.Second
}

// PageTimeout returns CRAWLER_PAGE_TIMEOUT as a duration.
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutMS) * time.Millisecond
}

func (c *Config) validate() error {
	if c.EmbeddingProvider != ProviderLocal && c.EmbeddingProvider != ProviderAPI {
		return fmt.Errorf("invalid EMBEDDING_PROVIDER %q: want %q or %q",
			c.EmbeddingProvider, ProviderLocal, ProviderAPI)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	return nil
}

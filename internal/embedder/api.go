package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultAPIMaxRetries bounds retries for rate-limit, transport and
	// server errors. Payload and auth errors are never blindly retried.
	DefaultAPIMaxRetries = 5

	defaultAPITimeout = 60 * time.Second
)

// APIConfig holds configuration for an OpenAI-compatible embedding API.
type APIConfig struct {
	// BaseURL is the API root, e.g. https://api.siliconflow.cn/v1.
	BaseURL string

	// Model is the embedding model to use.
	Model string

	// Dimension is the embedding dimension.
	Dimension int

	// Keys supplies and rotates API credentials.
	Keys *KeyRing

	// MaxRetries bounds retries for transient failures.
	MaxRetries int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// APIEmbedder implements the Embedder interface against an OpenAI-compatible
// embeddings endpoint. A whole batch goes out as a single request; oversized
// batches surface as ErrPayloadTooLarge so the caller can split them.
// OpenAI-compatible providers return L2-normalized vectors.
type APIEmbedder struct {
	baseURL    string
	model      string
	dimension  int
	keys       *KeyRing
	maxRetries int
	client     *http.Client
	logger     *slog.Logger
}

type apiRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

type apiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewAPIEmbedder creates an API embedder. The key ring must be non-empty.
func NewAPIEmbedder(cfg APIConfig) (*APIEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api embedder requires a base URL")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("api embedder requires a model name")
	}
	if cfg.Keys == nil || cfg.Keys.Len() == 0 {
		return nil, fmt.Errorf("api embedder requires at least one credential")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultAPIMaxRetries
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultAPITimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &APIEmbedder{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		keys:       cfg.Keys,
		maxRetries: maxRetries,
		client:     client,
		logger:     logger,
	}, nil
}

// Embed generates an embedding vector for a single text input.
func (e *APIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts with one API request. Transient failures are
// retried with exponential backoff; a rejected credential is dropped from the
// ring and the next one is tried. ErrPayloadTooLarge is returned immediately.
func (e *APIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var result [][]float32
	operation := func() error {
		key, err := e.keys.Current()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		}

		vecs, err := e.request(ctx, key, texts)
		switch {
		case err == nil:
			result = vecs
			return nil
		case errors.Is(err, ErrPayloadTooLarge):
			return backoff.Permanent(err)
		case errors.Is(err, ErrAuthFailed):
			e.logger.Warn("embedding credential rejected, rotating", "model", e.model)
			if rerr := e.keys.Invalidate(key); rerr != nil {
				return backoff.Permanent(fmt.Errorf("failed to rotate credential: %w", rerr))
			}
			return err
		default:
			return err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *APIEmbedder) request(ctx context.Context, key string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(apiRequest{
		Model:          e.model,
		Input:          texts,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embeddings", e.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(apiResp.Data))
	}

	// The API may return entries out of order; the index field is
	// authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vecs, nil
}

func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: status %d: %s", ErrPayloadTooLarge, status, body)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthFailed, status, body)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRateLimited, status, body)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, body)
	default:
		return fmt.Errorf("embedding API error (status %d): %s", status, body)
	}
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *APIEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *APIEmbedder) ModelName() string {
	return e.model
}

// Ensure APIEmbedder implements Embedder interface.
var _ Embedder = (*APIEmbedder)(nil)

// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"errors"
)

// Embedding failure classes. Callers branch on these with errors.Is: payload
// overflow drives batch bisection, auth failure drives key rotation, the rest
// drive retry policy.
var (
	// ErrPayloadTooLarge means the provider rejected the request because the
	// combined input exceeds its limit. Retrying with a smaller batch can
	// succeed.
	ErrPayloadTooLarge = errors.New("embedding payload too large")

	// ErrAuthFailed means the credential was rejected.
	ErrAuthFailed = errors.New("embedding auth failed")

	// ErrRateLimited means the provider is throttling requests.
	ErrRateLimited = errors.New("embedding rate limited")

	// ErrUnavailable means the provider returned a server-side error.
	ErrUnavailable = errors.New("embedding service unavailable")

	// ErrTransport means the request never got a response.
	ErrTransport = errors.New("embedding transport error")
)

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

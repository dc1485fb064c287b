// Package embed provides the query/case embedding encoders.
//
// The default encoder calls an Ollama-compatible HTTP endpoint; a
// deterministic hash-based encoder serves offline runs and tests. All
// encoders return L2-normalized vectors.
package embed

import (
	"context"
	"math"
	"time"
)

// Embedding defaults.
const (
	// DefaultBatchSize is the batch size for bulk encoding.
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single embedding request.
	DefaultTimeout = 60 * time.Second

	// DefaultHost is the default Ollama endpoint.
	DefaultHost = "http://localhost:11434"

	// DefaultModel is the default embedding model.
	DefaultModel = "bge-m3"

	// StaticDimensions is the vector size of the hash-based encoder.
	StaticDimensions = 256

	// DefaultCacheSize is the query-embedding LRU capacity.
	DefaultCacheSize = 1024
)

// Embedder encodes text into unit-norm vectors.
type Embedder interface {
	// Embed encodes a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch encodes texts in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size.
	Dimensions() int

	// Close releases resources.
	Close() error
}

// Config configures the embedder factory.
type Config struct {
	// Provider selects the encoder: "ollama" (default) or "static".
	Provider string

	// Host is the Ollama endpoint.
	Host string

	// Model is the embedding model name.
	Model string

	// BatchSize bounds per-request batch size.
	BatchSize int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// CacheSize is the query-embedding LRU capacity (0 disables).
	CacheSize int

	// LockDir guards concurrent first-build across processes. Empty
	// disables cross-process locking.
	LockDir string
}

// normalizeVector returns v scaled to unit length.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// StaticEmbedder generates embeddings with a hash-based bag of character
// bigrams. No network, no model download; deterministic, with reduced
// semantic quality. Used when no embedding endpoint is configured and in
// tests.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates the embedding for a single text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}
	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch encodes texts in order.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector size.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// generateVector hashes character bigrams into a fixed-size vector.
// Bigrams approximate the token granularity of Chinese fault text.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	runes := make([]rune, 0, len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, r)
		}
	}
	if len(runes) == 0 {
		return vector
	}

	add := func(s string, weight float32) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(s))
		idx := h.Sum32() % StaticDimensions
		// Sign from a second bit of the hash decorrelates collisions.
		if h.Sum32()&1 == 0 {
			vector[idx] += weight
		} else {
			vector[idx] -= weight
		}
	}

	for i := range runes {
		add(string(runes[i]), 0.5)
		if i+1 < len(runes) {
			add(string(runes[i:i+2]), 1.0)
		}
	}
	return vector
}

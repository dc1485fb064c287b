// Package rerank scores (query, candidate) pairs with a cross-encoder.
//
// Cross-encoders jointly encode the pair and are markedly more accurate
// than bi-encoder cosine, at higher latency; the orchestrator therefore
// only reranks a bounded head of the merged candidates.
package rerank

import (
	"context"
	"math"
)

// Reranker scores candidate texts against a query.
type Reranker interface {
	// Score returns one raw relevance logit per candidate, in input
	// order. Deterministic for identical inputs modulo float noise.
	Score(ctx context.Context, query string, candidates []string) ([]float64, error)

	// Available reports whether the reranker can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Sigmoid maps a raw logit into (0, 1), numerically stable.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}

// NoOpReranker returns no scores; fusion proceeds without the rerank
// signal. Used when reranking is disabled or unavailable.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

// Score returns a nil slice: no rerank signal.
func (n *NoOpReranker) Score(_ context.Context, _ string, _ []string) ([]float64, error) {
	return nil, nil
}

// Available always returns false for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool {
	return false
}

// Close is a no-op.
func (n *NoOpReranker) Close() error {
	return nil
}

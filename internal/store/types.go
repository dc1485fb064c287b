// Package store provides the local retrieval indexes: a char n-gram
// TF-IDF keyword index (with a bleve BM25 alternative) and an HNSW
// vector index. Each index exclusively owns its persisted cache file and
// rebuilds it when the knowledge base is newer than the cache.
package store

import "context"

// KeywordHit is one keyword-retrieval result. Score is the raw
// source-scale score (TF-IDF cosine ×20, or raw BM25), not normalized.
type KeywordHit struct {
	ID    string
	Score float64
}

// VectorHit is one semantic-retrieval result. Cosine is in [-1, 1].
type VectorHit struct {
	ID     string
	Cosine float64
}

// KeywordIndex retrieves cases by lexical similarity.
type KeywordIndex interface {
	// Search returns at most k hits ordered by descending score.
	Search(ctx context.Context, query string, k int) ([]KeywordHit, error)

	// Count returns the number of indexed cases.
	Count() int

	// Close releases resources.
	Close() error
}

// VectorIndex retrieves cases by embedding similarity.
type VectorIndex interface {
	// Search returns at most k nearest cases to the query vector,
	// ordered by descending cosine similarity.
	Search(ctx context.Context, query []float32, k int) ([]VectorHit, error)

	// Count returns the number of indexed vectors.
	Count() int

	// Close releases resources.
	Close() error
}

package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/autokb/faultmatch/internal/errors"
)

// HNSWConfig configures the vector index.
type HNSWConfig struct {
	Dimensions     int
	M              int
	EfConstruction int
	EfSearch       int
}

// HNSWIndex is the semantic retriever: a coder/hnsw graph over unit-norm
// case embeddings with cosine similarity.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	closed  bool
}

var _ VectorIndex = (*HNSWIndex)(nil)

// hnswMetadata is the gob sidecar persisted next to the graph export.
type hnswMetadata struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Config     HNSWConfig
	DataModSec int64
}

// NewHNSWIndex creates an empty index.
func NewHNSWIndex(cfg HNSWConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.ErrCodeInternal, "hnsw dimensions must be positive", nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts vectors with their IDs. Vectors are normalized in place so
// the cosine distance is well-defined.
func (s *HNSWIndex) Add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("hnsw index is closed")
	}

	for i, id := range ids {
		if len(vectors[i]) != s.config.Dimensions {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", s.config.Dimensions, len(vectors[i]))
		}

		// Lazy deletion for replaced ids: orphan the old key instead of
		// removing the node (deleting the last graph node is unsafe in
		// coder/hnsw).
		if oldKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, oldKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	return nil
}

// Search finds the k nearest cases to the query vector.
func (s *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("hnsw index is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", s.config.Dimensions, len(query))
	}
	if s.graph.Len() == 0 || k <= 0 {
		return []VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	nodes := s.graph.Search(q, k)
	hits := make([]VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			// Orphaned by lazy deletion.
			continue
		}
		// CosineDistance is 1 - cos(q, v).
		dist := s.graph.Distance(q, node.Value)
		hits = append(hits, VectorHit{ID: id, Cosine: 1 - float64(dist)})
	}
	return hits, nil
}

// Count returns the number of live vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Close releases the graph.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.graph = nil
	return nil
}

// Save persists the graph and the id-mapping sidecar atomically.
func (s *HNSWIndex) Save(path string, dataMod time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("hnsw index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := s.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("export hnsw graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	meta := hnswMetadata{
		IDMap:      s.idMap,
		NextKey:    s.nextKey,
		Config:     s.config,
		DataModSec: dataMod.Unix(),
	}
	mf, err := os.Create(path + ".meta")
	if err != nil {
		return err
	}
	defer mf.Close()
	return gob.NewEncoder(mf).Encode(&meta)
}

// LoadHNSWIndex restores a persisted index. Returns os.ErrNotExist-style
// errors when files are missing and a descriptive error when the cache is
// stale or corrupt; callers rebuild in either case.
func LoadHNSWIndex(path string, dataMod time.Time) (*HNSWIndex, error) {
	mf, err := os.Open(path + ".meta")
	if err != nil {
		return nil, err
	}
	defer mf.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	if meta.DataModSec < dataMod.Unix() {
		return nil, fmt.Errorf("hnsw cache is stale (built %d, data %d)", meta.DataModSec, dataMod.Unix())
	}

	s, err := NewHNSWIndex(meta.Config)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("import hnsw graph: %w", err)
	}

	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return s, nil
}

// normalizeVectorInPlace scales v to unit length. Zero vectors are left
// untouched.
func normalizeVectorInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

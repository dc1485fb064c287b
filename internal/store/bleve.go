package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/autokb/faultmatch/internal/kb"
)

// faultAnalyzerName is the custom analyzer for mixed Chinese/latin fault
// descriptions: unicode tokenizer, CJK width folding, lowercase, CJK
// bigrams.
const faultAnalyzerName = "fault_analyzer"

// BleveIndex is the alternate keyword backend: bleve BM25 over case
// texts. Unlike the TF-IDF backend it keeps no raw matrix, so scores are
// bleve's native BM25 scale.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
	count  int
}

var _ KeywordIndex = (*BleveIndex)(nil)

// bleveDocument is the indexed document shape.
type bleveDocument struct {
	Text string `json:"text"`
}

func createFaultIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(faultAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			cjk.WidthName,
			lowercase.Name,
			cjk.BigramName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = faultAnalyzerName
	return indexMapping, nil
}

// NewBleveIndex builds an index over cases. If path is empty the index is
// in-memory; otherwise an existing index at path is reused.
func NewBleveIndex(cases []*kb.FaultCase, path string) (*BleveIndex, error) {
	indexMapping, err := createFaultIndexMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}

	b := &BleveIndex{index: idx}
	if err := b.indexCases(cases); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return b, nil
}

func (b *BleveIndex) indexCases(cases []*kb.FaultCase) error {
	batch := b.index.NewBatch()
	for _, c := range cases {
		if err := batch.Index(c.ID, bleveDocument{Text: c.Text}); err != nil {
			return fmt.Errorf("failed to batch case %s: %w", c.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index cases: %w", err)
	}
	b.count = len(cases)
	return nil
}

// Search returns at most k hits by descending BM25 score.
func (b *BleveIndex) Search(ctx context.Context, queryStr string, k int) ([]KeywordHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("bleve index is closed")
	}
	if queryStr == "" || k <= 0 {
		return []KeywordHit{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("text")
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search failed: %w", err)
	}

	hits := make([]KeywordHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, KeywordHit{ID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Count returns the number of indexed cases.
func (b *BleveIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Close releases the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

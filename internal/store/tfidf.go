package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
)

// TF-IDF model parameters. Character n-grams handle the Chinese/latin
// mix without a segmenter.
const (
	tfidfMinNGram    = 2
	tfidfMaxNGram    = 4
	tfidfMaxFeatures = 200_000

	// tfidfScoreScale lifts cosine similarities (≤1) onto the raw scale
	// the calibration layer expects from a keyword source.
	tfidfScoreScale = 20.0
)

type tfidfPosting struct {
	Doc    int32
	Weight float32
}

// tfidfModel is the persisted vectorizer + matrix.
type tfidfModel struct {
	Vocab      map[string]int32
	IDF        []float64
	Postings   [][]tfidfPosting // term -> postings, doc weights L2-normalized per row
	DocIDs     []string
	DataModSec int64 // data file mtime at build, unix seconds
}

// TFIDFIndex is the default keyword retriever: char n-gram TF-IDF with
// cosine scoring over L2-normalized rows.
type TFIDFIndex struct {
	mu    sync.RWMutex
	model *tfidfModel
}

var _ KeywordIndex = (*TFIDFIndex)(nil)

// NewTFIDFIndex loads the cached model at cachePath, rebuilding from
// cases when the cache is absent, corrupt, or older than dataMod.
func NewTFIDFIndex(cases []*kb.FaultCase, cachePath string, dataMod time.Time) (*TFIDFIndex, error) {
	if model, err := loadTFIDFCache(cachePath, dataMod); err == nil {
		return &TFIDFIndex{model: model}, nil
	} else if !os.IsNotExist(err) {
		slog.Warn("tfidf cache unusable, rebuilding", slog.String("path", cachePath), slog.String("reason", err.Error()))
	}

	model, err := buildTFIDF(cases, dataMod)
	if err != nil {
		return nil, err
	}
	if cachePath != "" {
		if err := saveTFIDFCache(model, cachePath); err != nil {
			// Cache write failures degrade startup time, not correctness.
			slog.Warn("failed to persist tfidf cache", slog.String("path", cachePath), slog.String("error", err.Error()))
		}
	}
	return &TFIDFIndex{model: model}, nil
}

// Search returns at most k hits ordered by descending TF-IDF cosine.
func (t *TFIDFIndex) Search(ctx context.Context, query string, k int) ([]KeywordHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	model := t.model
	t.mu.RUnlock()
	if model == nil {
		return nil, errors.New(errors.ErrCodeCorruptCache, "tfidf index is closed", nil)
	}
	if k <= 0 {
		return []KeywordHit{}, nil
	}

	qw := queryWeights(query, model)
	if len(qw) == 0 {
		return []KeywordHit{}, nil
	}

	scores := make(map[int32]float64)
	for term, w := range qw {
		for _, p := range model.Postings[term] {
			scores[p.Doc] += w * float64(p.Weight)
		}
	}

	hits := make([]KeywordHit, 0, len(scores))
	for doc, score := range scores {
		hits = append(hits, KeywordHit{ID: model.DocIDs[doc], Score: score * tfidfScoreScale})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (t *TFIDFIndex) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.model == nil {
		return 0
	}
	return len(t.model.DocIDs)
}

// Close releases the model.
func (t *TFIDFIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.model = nil
	return nil
}

// charNGrams extracts rune n-grams of length min..max. Whitespace runs
// collapse to a single space so n-grams spanning word gaps stay stable.
func charNGrams(text string, minN, maxN int) []string {
	runes := []rune(text)
	// Collapse whitespace in place.
	out := runes[:0]
	space := false
	for _, r := range runes {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !space && len(out) > 0 {
				out = append(out, ' ')
			}
			space = true
			continue
		}
		space = false
		out = append(out, r)
	}
	runes = out

	var grams []string
	for n := minN; n <= maxN; n++ {
		for i := 0; i+n <= len(runes); i++ {
			grams = append(grams, string(runes[i:i+n]))
		}
	}
	return grams
}

func buildTFIDF(cases []*kb.FaultCase, dataMod time.Time) (*tfidfModel, error) {
	if len(cases) == 0 {
		return nil, errors.New(errors.ErrCodeDataCorrupt, "no cases to index", nil)
	}

	// Pass 1: collection term frequencies for the feature cap.
	collectionTF := make(map[string]int64)
	docGrams := make([]map[string]int, len(cases))
	for i, c := range cases {
		counts := make(map[string]int)
		for _, g := range charNGrams(c.Text, tfidfMinNGram, tfidfMaxNGram) {
			counts[g]++
		}
		docGrams[i] = counts
		for g, n := range counts {
			collectionTF[g] += int64(n)
		}
	}

	vocab := buildVocab(collectionTF, tfidfMaxFeatures)

	// Pass 2: document frequencies.
	df := make([]int, len(vocab))
	for _, counts := range docGrams {
		for g := range counts {
			if id, ok := vocab[g]; ok {
				df[id]++
			}
		}
	}

	// Smoothed idf, sklearn-style: ln((1+n)/(1+df)) + 1.
	n := float64(len(cases))
	idf := make([]float64, len(vocab))
	for i, d := range df {
		idf[i] = math.Log((1+n)/(1+float64(d))) + 1
	}

	// Pass 3: L2-normalized rows into postings.
	postings := make([][]tfidfPosting, len(vocab))
	docIDs := make([]string, len(cases))
	for i, c := range cases {
		docIDs[i] = c.ID
		row := make(map[int32]float64, len(docGrams[i]))
		var norm float64
		for g, tf := range docGrams[i] {
			id, ok := vocab[g]
			if !ok {
				continue
			}
			w := float64(tf) * idf[id]
			row[id] = w
			norm += w * w
		}
		if norm == 0 {
			continue
		}
		norm = math.Sqrt(norm)
		for id, w := range row {
			postings[id] = append(postings[id], tfidfPosting{Doc: int32(i), Weight: float32(w / norm)})
		}
	}

	return &tfidfModel{
		Vocab:      vocab,
		IDF:        idf,
		Postings:   postings,
		DocIDs:     docIDs,
		DataModSec: dataMod.Unix(),
	}, nil
}

// buildVocab assigns term ids, keeping the maxFeatures most frequent
// n-grams when the vocabulary overflows.
func buildVocab(collectionTF map[string]int64, maxFeatures int) map[string]int32 {
	terms := make([]string, 0, len(collectionTF))
	for g := range collectionTF {
		terms = append(terms, g)
	}
	if len(terms) > maxFeatures {
		sort.Slice(terms, func(i, j int) bool {
			if collectionTF[terms[i]] != collectionTF[terms[j]] {
				return collectionTF[terms[i]] > collectionTF[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:maxFeatures]
	}
	sort.Strings(terms)
	vocab := make(map[string]int32, len(terms))
	for i, g := range terms {
		vocab[g] = int32(i)
	}
	return vocab
}

// queryWeights maps a query onto the model's term space, L2-normalized.
func queryWeights(query string, model *tfidfModel) map[int32]float64 {
	counts := make(map[string]int)
	for _, g := range charNGrams(query, tfidfMinNGram, tfidfMaxNGram) {
		counts[g]++
	}
	weights := make(map[int32]float64)
	var norm float64
	for g, tf := range counts {
		id, ok := model.Vocab[g]
		if !ok {
			continue
		}
		w := float64(tf) * model.IDF[id]
		weights[id] = w
		norm += w * w
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for id := range weights {
		weights[id] /= norm
	}
	return weights
}

func loadTFIDFCache(path string, dataMod time.Time) (*tfidfModel, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var model tfidfModel
	if err := gob.NewDecoder(f).Decode(&model); err != nil {
		return nil, fmt.Errorf("decode tfidf cache: %w", err)
	}
	if model.DataModSec < dataMod.Unix() {
		return nil, fmt.Errorf("tfidf cache is stale (built %d, data %d)", model.DataModSec, dataMod.Unix())
	}
	return &model, nil
}

// saveTFIDFCache writes the model atomically (temp file + rename).
func saveTFIDFCache(model *tfidfModel, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(model); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

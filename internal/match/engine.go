// Package match drives a request end to end: normalize, concurrent
// retrieval fan-out, fusion, gray-zone routing, optional closed-set
// adjudication, response assembly.
package match

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/remote"
	"github.com/autokb/faultmatch/internal/rerank"
	"github.com/autokb/faultmatch/internal/router"
	"github.com/autokb/faultmatch/internal/store"
	"github.com/autokb/faultmatch/internal/telemetry"
)

// indexSet bundles the artifacts rebuilt together when the knowledge
// base changes. Swapped atomically under the engine lock; in-flight
// requests keep using the generation they started with.
type indexSet struct {
	cases   map[string]*kb.FaultCase
	keyword store.KeywordIndex
	vector  store.VectorIndex
	dataMod time.Time
}

// Engine holds the process-wide retrieval state.
type Engine struct {
	settings config.Settings
	logger   *slog.Logger

	embedder embed.Embedder
	reranker rerank.Reranker
	picker   *llm.Picker
	remote   *remote.Matcher
	metrics  *telemetry.Store

	mu      sync.RWMutex
	indexes *indexSet

	watcher *kb.Watcher
}

// Options overrides the engine's collaborators, mainly for tests.
type Options struct {
	Embedder embed.Embedder
	Reranker rerank.Reranker
	Picker   *llm.Picker
	Remote   *remote.Matcher
	Metrics  *telemetry.Store
	Logger   *slog.Logger
}

// NewEngine builds the engine: loads the knowledge base, builds or
// restores the local indexes, and wires the optional collaborators.
func NewEngine(ctx context.Context, settings config.Settings, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	embedder := opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = embed.Default(embed.Config{
			Host:      settings.EmbeddingHost,
			Model:     settings.EmbeddingModel,
			CacheSize: embed.DefaultCacheSize,
		})
		if err != nil {
			return nil, err
		}
	}

	reranker := opts.Reranker
	if reranker == nil {
		if settings.RerankerHost != "" {
			reranker = rerank.NewHTTPReranker(rerank.Config{
				Host:    settings.RerankerHost,
				Model:   settings.RerankerModel,
				Timeout: settings.RerankerTimeout,
			})
		} else {
			reranker = &rerank.NoOpReranker{}
		}
	}

	picker := opts.Picker
	if picker == nil && settings.LLMConfigured() {
		picker = llm.NewPicker(llm.Config{
			BaseURL: settings.OpenAIAPIBase,
			APIKey:  settings.OpenAIAPIKey,
			Model:   settings.OpenAIModel,
			Timeout: settings.LLMTimeout,
		})
	}

	remoteMatcher := opts.Remote
	if remoteMatcher == nil && settings.RemoteURL != "" {
		remoteMatcher = remote.NewMatcher(remote.MatcherConfig{
			Client: remote.NewClient(remote.ClientConfig{
				URL:      settings.RemoteURL,
				Index:    settings.RemoteIndex,
				Username: settings.RemoteUsername,
				Password: settings.RemotePassword,
				Timeout:  settings.RetrieverTimeout,
			}),
			Embedder: embedder,
			Picker:   picker,
			Thresholds: router.Thresholds{
				Pass:    settings.PassThreshold,
				GrayLow: settings.GrayLowThreshold,
			},
			Logger: logger,
		})
	}

	e := &Engine{
		settings: settings,
		logger:   logger,
		embedder: embedder,
		reranker: reranker,
		picker:   picker,
		remote:   remoteMatcher,
		metrics:  opts.Metrics,
	}

	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload loads the knowledge base and rebuilds (or restores) the local
// indexes. Safe to call concurrently with requests; the new generation
// is swapped in atomically. Concurrent rebuilds across processes sharing
// the cache directory serialize on a file lock.
func (e *Engine) Reload(ctx context.Context) error {
	cases, err := kb.Load(e.settings.DataFile)
	if err != nil {
		return err
	}

	info, err := os.Stat(e.settings.DataFile)
	if err != nil {
		return errors.New(errors.ErrCodeDataNotFound, "cannot stat data file", err)
	}
	dataMod := info.ModTime()

	lock := embed.NewBuildLock(filepath.Dir(e.settings.HNSWIndexPath))
	if err := lock.Lock(); err != nil {
		return errors.New(errors.ErrCodeInternal, "acquire build lock", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("failed to release build lock", "error", err)
		}
	}()

	keyword, err := store.NewKeywordIndex(e.settings.KeywordBackend, cases, e.settings.TFIDFCachePath, dataMod)
	if err != nil {
		return err
	}

	vector, err := e.loadOrBuildVector(ctx, cases, dataMod)
	if err != nil {
		keyword.Close()
		return err
	}

	byID := make(map[string]*kb.FaultCase, len(cases))
	for _, c := range cases {
		byID[c.ID] = c
	}

	next := &indexSet{cases: byID, keyword: keyword, vector: vector, dataMod: dataMod}

	e.mu.Lock()
	old := e.indexes
	e.indexes = next
	e.mu.Unlock()

	if old != nil {
		old.keyword.Close()
		old.vector.Close()
	}

	e.logger.Info("indexes ready",
		"cases", len(cases),
		"keyword_backend", e.settings.KeywordBackend,
		"vectors", vector.Count())
	return nil
}

func (e *Engine) loadOrBuildVector(ctx context.Context, cases []*kb.FaultCase, dataMod time.Time) (store.VectorIndex, error) {
	if idx, err := store.LoadHNSWIndex(e.settings.HNSWIndexPath, dataMod); err == nil {
		return idx, nil
	} else if !os.IsNotExist(err) {
		e.logger.Warn("hnsw cache unusable, rebuilding", "error", err)
	}

	ids := make([]string, len(cases))
	texts := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
		texts[i] = c.Text
	}
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEmbedFailed, "embed knowledge base", err)
	}

	// Remote encoders report their width only after the first call, so
	// the index is sized from the embeddings themselves.
	dims := e.embedder.Dimensions()
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}

	idx, err := store.NewHNSWIndex(store.HNSWConfig{
		Dimensions:     dims,
		M:              e.settings.HNSWM,
		EfConstruction: e.settings.HNSWEfConstruction,
		EfSearch:       e.settings.HNSWEfSearch,
	})
	if err != nil {
		return nil, err
	}
	if err := idx.Add(ids, vectors); err != nil {
		return nil, err
	}

	if e.settings.HNSWIndexPath != "" {
		if err := idx.Save(e.settings.HNSWIndexPath, dataMod); err != nil {
			e.logger.Warn("failed to persist hnsw index", "error", err)
		}
	}
	return idx, nil
}

// Watch starts watching the data file and reloads indexes on change.
func (e *Engine) Watch(ctx context.Context) error {
	e.watcher = kb.NewWatcher(e.settings.DataFile, kb.DefaultDebounceWindow, func() {
		e.logger.Info("data file changed, reloading indexes")
		if err := e.Reload(context.Background()); err != nil {
			e.logger.Error("index reload failed", "error", err)
		}
	})
	return e.watcher.Start(ctx)
}

// current returns the live index generation.
func (e *Engine) current() *indexSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.indexes
}

// Remote returns the remote matcher, or nil when not configured.
func (e *Engine) Remote() *remote.Matcher {
	return e.remote
}

// Thresholds returns the configured routing thresholds.
func (e *Engine) Thresholds() router.Thresholds {
	return router.Thresholds{
		Pass:    e.settings.PassThreshold,
		GrayLow: e.settings.GrayLowThreshold,
	}
}

// Weights returns the normalized fusion weights.
func (e *Engine) Weights() calib.Weights {
	return e.settings.FusionWeights
}

// Health describes the engine's available data sources.
type Health struct {
	Status          string   `json:"status"`
	DataSources     []string `json:"data_sources"`
	CaseCount       int      `json:"case_count"`
	RemoteAvailable bool     `json:"opensearch_available"`
}

// HealthCheck reports liveness and the available sources.
func (e *Engine) HealthCheck() Health {
	idx := e.current()
	sources := []string{"local_hnsw", "local_" + keywordBackendName(e.settings.KeywordBackend)}
	remoteOK := e.remote.Available()
	if remoteOK {
		sources = append(sources, "opensearch")
	}
	return Health{
		Status:          "ok",
		DataSources:     sources,
		CaseCount:       len(idx.cases),
		RemoteAvailable: remoteOK,
	}
}

func keywordBackendName(backend string) string {
	if backend == "" {
		return "tfidf"
	}
	return backend
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	idx := e.current()
	if idx != nil {
		idx.keyword.Close()
		idx.vector.Close()
	}
	e.reranker.Close()
	if e.metrics != nil {
		e.metrics.Close()
	}
	return nil
}

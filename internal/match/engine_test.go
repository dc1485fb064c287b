package match

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/fusion"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/rerank"
	"github.com/autokb/faultmatch/internal/router"
)

const testCases = `
{"id":"P001","text":"刹车踏板变软，制动距离明显变长","system":"制动","part":"制动踏板","popularity":120}
{"id":"P002","text":"发动机怠速抖动，冷启动困难","system":"发动机","part":"点火线圈","popularity":80}
{"id":"P003","text":"低速刹车时有金属摩擦异响","system":"制动","part":"刹车片","popularity":95}
{"id":"P004","text":"空调制冷效果差，出风有异味","system":"空调","part":"蒸发器","popularity":40}
{"id":"P005","text":"变速箱换挡顿挫，二三档明显","system":"传动","part":"变速箱","popularity":60}
`

// flakyEmbedder builds indexes normally but can be switched to fail
// per-query embedding afterwards.
type flakyEmbedder struct {
	*embed.StaticEmbedder
	fail atomic.Bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail.Load() {
		return nil, fmt.Errorf("embedding endpoint down")
	}
	return f.StaticEmbedder.Embed(ctx, text)
}

// lazyDimEmbedder reports its width only after it has embedded once,
// like a remote encoder that is probed lazily.
type lazyDimEmbedder struct {
	*embed.StaticEmbedder
	warmed atomic.Bool
}

func (l *lazyDimEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := l.StaticEmbedder.Embed(ctx, text)
	if err == nil {
		l.warmed.Store(true)
	}
	return v, err
}

func (l *lazyDimEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := l.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (l *lazyDimEmbedder) Dimensions() int {
	if !l.warmed.Load() {
		return 0
	}
	return l.StaticEmbedder.Dimensions()
}

func writeCases(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "cases.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestEngine(t *testing.T, embedder embed.Embedder) *Engine {
	t.Helper()
	dir := t.TempDir()

	settings := config.Defaults()
	settings.DataFile = writeCases(t, dir, testCases)
	settings.HNSWIndexPath = filepath.Join(dir, "hnsw_index.bin")
	settings.TFIDFCachePath = filepath.Join(dir, "tfidf_cache.bin")

	engine, err := NewEngine(context.Background(), settings, Options{
		Embedder: embedder,
		Reranker: &rerank.NoOpReranker{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// newAdjudicatingEngine wires a picker against a fake chat endpoint and
// widens the gray band so fused scores land in it.
func newAdjudicatingEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *atomic.Int64) {
	t.Helper()
	dir := t.TempDir()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	settings := config.Defaults()
	settings.DataFile = writeCases(t, dir, testCases)
	settings.HNSWIndexPath = filepath.Join(dir, "hnsw_index.bin")
	settings.TFIDFCachePath = filepath.Join(dir, "tfidf_cache.bin")
	settings.PassThreshold = 0.99
	settings.GrayLowThreshold = 0.01

	engine, err := NewEngine(context.Background(), settings, Options{
		Embedder: embed.NewStaticEmbedder(),
		Reranker: &rerank.NoOpReranker{},
		Picker: llm.NewPicker(llm.Config{
			BaseURL: srv.URL,
			APIKey:  "test-key",
			Model:   "test-model",
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, &calls
}

func chatVerdict(w http.ResponseWriter, verdict string) {
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": verdict}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func TestMatchEmptyQuery(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	resp, err := engine.Match(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, router.ModeNoMatch, resp.Decision.Mode)
	assert.Equal(t, "empty query after normalization", resp.Decision.Reason)
	assert.Empty(t, resp.Top)
}

func TestMatchRelevantQuery(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	resp, err := engine.Match(context.Background(), Query{
		Text:   "刹车踏板发软，刹车距离变长",
		System: "制动",
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P001", resp.Top[0].ID)
	assert.Contains(t, resp.Top[0].Sources, string(fusion.SourceKeyword))
	assert.GreaterOrEqual(t, resp.Top[0].FinalScore, 0.0)
	assert.LessOrEqual(t, resp.Top[0].FinalScore, 1.0)
	assert.LessOrEqual(t, len(resp.Top), config.DefaultTopNReturn)
	assert.GreaterOrEqual(t, resp.Total, len(resp.Top))

	assert.True(t, resp.Metadata.KeywordUsed)
	assert.True(t, resp.Metadata.SemanticUsed)
	assert.False(t, resp.Metadata.LLMUsed)
	assert.NotEqual(t, router.ModeNoMatch, resp.Decision.Mode)
}

func TestMatchIrrelevantQueryRejected(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	resp, err := engine.Match(context.Background(), Query{Text: "今天做饭洗衣服打扫卫生"})
	require.NoError(t, err)

	// Candidates may surface from the semantic leg, but their fused
	// scores stay far below the gray band.
	if resp.Decision.Mode != router.ModeNoMatch {
		assert.Equal(t, router.ModeReject, resp.Decision.Mode)
		assert.Nil(t, resp.Decision.ChosenID)
		assert.NotEmpty(t, resp.Decision.Suggestions)
	}
}

func TestMatchDegradesToKeywordOnEmbedFailure(t *testing.T) {
	embedder := &flakyEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
	engine := newTestEngine(t, embedder)
	embedder.fail.Store(true)

	resp, err := engine.Match(context.Background(), Query{Text: "刹车踏板变软"})
	require.NoError(t, err)

	assert.True(t, resp.Metadata.KeywordUsed)
	assert.False(t, resp.Metadata.SemanticUsed)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P001", resp.Top[0].ID)
	assert.Equal(t, []string{string(fusion.SourceKeyword)}, resp.Top[0].Sources)
}

func TestMatchTopNReturn(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	resp, err := engine.Match(context.Background(), Query{Text: "刹车异响抖动", TopNReturn: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(resp.Top), 2)
}

func TestMatchNormalizesQuery(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	resp, err := engine.Match(context.Background(), Query{Text: "  刹车　踏板变软  "})
	require.NoError(t, err)
	assert.Equal(t, "刹车 踏板变软", resp.Query)
}

func TestHealthCheck(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	health := engine.HealthCheck()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 5, health.CaseCount)
	assert.Contains(t, health.DataSources, "local_hnsw")
	assert.Contains(t, health.DataSources, "local_tfidf")
	assert.False(t, health.RemoteAvailable)
}

func TestReloadPicksUpNewCases(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	updated := testCases + `{"id":"P006","text":"转向助力沉重，方向盘难打","system":"转向","part":"助力泵","popularity":30}
`
	require.NoError(t, os.WriteFile(engine.settings.DataFile, []byte(updated), 0o644))
	// Push the mtime forward so the persisted index caches read as stale.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(engine.settings.DataFile, future, future))

	require.NoError(t, engine.Reload(context.Background()))
	assert.Equal(t, 6, engine.HealthCheck().CaseCount)

	resp, err := engine.Match(context.Background(), Query{Text: "方向盘很沉难打"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P006", resp.Top[0].ID)
}

func TestNewEngineColdStartWithLazyDimensions(t *testing.T) {
	// Fresh cache dir, no persisted index: the vector index must be
	// built even though the embedder reports width 0 before warming.
	engine := newTestEngine(t, &lazyDimEmbedder{StaticEmbedder: embed.NewStaticEmbedder()})

	resp, err := engine.Match(context.Background(), Query{Text: "刹车踏板变软"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Top)
	assert.Equal(t, "P001", resp.Top[0].ID)
	assert.True(t, resp.Metadata.SemanticUsed)
}

func TestMatchGrayUpgradesWithLLM(t *testing.T) {
	engine, calls := newAdjudicatingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		chatVerdict(w, `{"chosen_id":"P001","confidence":0.9,"reason":"更符合制动踏板描述"}`)
	})

	resp, err := engine.Match(context.Background(), Query{
		Text:   "刹车踏板发软，刹车距离变长",
		System: "制动",
		UseLLM: true,
	})
	require.NoError(t, err)

	assert.Equal(t, router.ModeLLM, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.ChosenID)
	assert.Equal(t, "P001", *resp.Decision.ChosenID)
	assert.InDelta(t, 0.9, resp.Decision.Confidence, 1e-9)
	require.NotNil(t, resp.Decision.LLM)
	assert.Equal(t, "P001", resp.Decision.LLM.ChosenID)
	assert.True(t, resp.Metadata.LLMUsed)
	assert.GreaterOrEqual(t, resp.Metadata.LLMCandidateCount, 1)
	assert.Equal(t, int64(1), calls.Load())
}

func TestMatchGrayKeepsGrayOnUnknown(t *testing.T) {
	engine, calls := newAdjudicatingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		chatVerdict(w, `{"chosen_id":"UNKNOWN","confidence":0.0,"reason":"没有足够匹配的候选"}`)
	})

	resp, err := engine.Match(context.Background(), Query{
		Text:   "刹车踏板发软，刹车距离变长",
		UseLLM: true,
	})
	require.NoError(t, err)

	assert.Equal(t, router.ModeGray, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.LLM)
	assert.Equal(t, llm.Unknown, resp.Decision.LLM.ChosenID)
	assert.Equal(t, "没有足够匹配的候选", resp.Decision.LLM.Reason)
	assert.True(t, resp.Metadata.LLMUsed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestMatchGrayWithoutLLMFlag(t *testing.T) {
	engine, calls := newAdjudicatingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		chatVerdict(w, `{"chosen_id":"P001","confidence":0.9,"reason":"unused"}`)
	})

	resp, err := engine.Match(context.Background(), Query{Text: "刹车踏板发软，刹车距离变长"})
	require.NoError(t, err)

	assert.Equal(t, router.ModeGray, resp.Decision.Mode)
	assert.Nil(t, resp.Decision.LLM)
	assert.False(t, resp.Metadata.LLMUsed)
	assert.Zero(t, calls.Load())
}

func TestMatchGrayKeepsGrayOnLLMTransportFailure(t *testing.T) {
	engine, calls := newAdjudicatingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	})

	resp, err := engine.Match(context.Background(), Query{
		Text:   "刹车踏板发软，刹车距离变长",
		UseLLM: true,
	})
	require.NoError(t, err)

	assert.Equal(t, router.ModeGray, resp.Decision.Mode)
	require.NotNil(t, resp.Decision.LLM)
	assert.Equal(t, llm.Unknown, resp.Decision.LLM.ChosenID)
	assert.Contains(t, resp.Decision.LLM.Reason, "llm call failed")
	assert.Equal(t, int64(1), calls.Load())
}

func TestMatchHybridLocalOnly(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	resp, err := engine.MatchHybrid(context.Background(), Query{Text: "刹车踏板变软"}, true)
	require.NoError(t, err)

	require.NotNil(t, resp.LocalResult)
	assert.Nil(t, resp.RemoteResult)
	assert.False(t, resp.Recommendation.UseRemote)
	assert.Contains(t, resp.Recommendation.ConfidenceComparison, "local")
	assert.Zero(t, resp.Recommendation.ConfidenceComparison["opensearch"])
}

func TestThresholdsAndWeights(t *testing.T) {
	engine := newTestEngine(t, embed.NewStaticEmbedder())

	th := engine.Thresholds()
	assert.Equal(t, config.DefaultPassThreshold, th.Pass)
	assert.Equal(t, config.DefaultGrayLowThreshold, th.GrayLow)
	assert.InDelta(t, 1.0, engine.Weights().Sum(), 1e-9)
}

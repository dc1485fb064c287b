package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/embed"
	"github.com/autokb/faultmatch/internal/fusion"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/router"
)

// Remote fusion tunables. The remote path mixes two normalized signals
// plus small popularity and search-frequency boosts, capped at 1.
const (
	DefaultSemanticWeight = 0.6
	DefaultVectorField    = "text_vector"
	defaultNumCandidates  = 200

	popularityBoost = 0.05
	searchNumBoost  = 0.05
	searchNumScale  = 50.0
)

// MatcherConfig wires the matcher's collaborators.
type MatcherConfig struct {
	Client         *Client
	Embedder       embed.Embedder
	Picker         *llm.Picker
	VectorField    string
	SemanticWeight float64
	Thresholds     router.Thresholds
	Logger         *slog.Logger
}

// Matcher runs remote-only retrieval with its own two-signal fusion and
// gray-zone routing.
type Matcher struct {
	client         *Client
	embedder       embed.Embedder
	picker         *llm.Picker
	vectorField    string
	semanticWeight float64
	thresholds     router.Thresholds
	logger         *slog.Logger

	// Older servers reject the top-level kNN clause; once detected the
	// nested style sticks for the process lifetime.
	mu    sync.Mutex
	style knnStyle
}

// NewMatcher creates a remote matcher.
func NewMatcher(cfg MatcherConfig) *Matcher {
	if cfg.VectorField == "" {
		cfg.VectorField = DefaultVectorField
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = DefaultSemanticWeight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Matcher{
		client:         cfg.Client,
		embedder:       cfg.Embedder,
		picker:         cfg.Picker,
		vectorField:    cfg.VectorField,
		semanticWeight: cfg.SemanticWeight,
		thresholds:     cfg.Thresholds,
		logger:         cfg.Logger,
	}
}

// Available reports whether the remote backend is configured.
func (m *Matcher) Available() bool {
	return m != nil && m.client.Configured()
}

// Request is one remote match request.
type Request struct {
	Query          string
	Filters        Filters
	Size           int
	UseSemantic    bool
	SemanticWeight *float64
	VectorK        int
	UseLLM         bool
	LLMTopN        int
}

// Item is one remote hit after fusion.
type Item struct {
	ID          string              `json:"id"`
	Text        string              `json:"text"`
	System      string              `json:"system,omitempty"`
	Part        string              `json:"part,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	VehicleType string              `json:"vehicletype,omitempty"`
	FaultCode   string              `json:"faultcode,omitempty"`
	Popularity  float64             `json:"popularity"`
	SearchNum   int                 `json:"searchNum"`
	Highlight   map[string][]string `json:"highlight,omitempty"`
	Sources     []string            `json:"sources"`

	bm25Raw     float64
	semanticRaw float64
	hasBM25     bool
	hasSemantic bool

	BM25Score     float64  `json:"bm25_score"`
	SemanticScore float64  `json:"semantic_score"`
	Cosine        float64  `json:"cosine"`
	RerankScore   float64  `json:"rerank_score"`
	FinalScore    float64  `json:"final_score"`
	Why           []string `json:"why"`
}

// Metadata describes how a remote result was produced.
type Metadata struct {
	SemanticUsed      bool    `json:"semantic_used"`
	SemanticWeight    float64 `json:"semantic_weight"`
	VectorK           int     `json:"vector_k"`
	KeywordSize       int     `json:"keyword_size"`
	LLMUsed           bool    `json:"llm_used"`
	LLMCandidateCount int     `json:"llm_candidate_count,omitempty"`
}

// Result is the remote match response.
type Result struct {
	Query    string           `json:"query"`
	Total    int              `json:"total"`
	Top      []*Item          `json:"top"`
	Metadata Metadata         `json:"metadata"`
	Decision *router.Decision `json:"decision,omitempty"`
}

// Search runs the remote retrieval and fusion without routing.
func (m *Matcher) Search(ctx context.Context, req Request) (*Result, error) {
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.VectorK <= 0 {
		req.VectorK = 50
	}
	semWeight := m.semanticWeight
	if req.SemanticWeight != nil {
		semWeight = calib.Clamp(*req.SemanticWeight)
	}

	filters := buildFilterClauses(req.Filters)

	lexResp, err := m.client.Search(ctx, buildLexicalBody(req.Query, filters, req.Size))
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*Item)
	var order []string
	for _, hit := range lexResp.Hits.Hits {
		item := itemFromHit(hit)
		item.bm25Raw = hit.Score
		item.hasBM25 = true
		item.Sources = []string{"keyword"}
		merged[item.ID] = item
		order = append(order, item.ID)
	}

	semanticUsed := req.UseSemantic && m.embedder != nil
	if semanticUsed {
		semanticUsed = m.searchSemantic(ctx, req, filters, merged, &order)
	}

	items := make([]*Item, 0, len(order))
	for _, id := range order {
		items = append(items, merged[id])
	}
	m.fuseItems(items, semWeight, semanticUsed, req.Filters)

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].FinalScore > items[j].FinalScore
	})
	if len(items) > req.Size {
		items = items[:req.Size]
	}

	result := &Result{
		Query: req.Query,
		Total: lexResp.Hits.Total.Value,
		Top:   items,
		Metadata: Metadata{
			SemanticUsed:   semanticUsed,
			SemanticWeight: semWeightIf(semanticUsed, semWeight),
			VectorK:        vectorKIf(semanticUsed, req.VectorK),
			KeywordSize:    req.Size,
		},
	}
	return result, nil
}

// searchSemantic runs the kNN leg and merges hits in place. Failures
// disable the semantic signal for this request but never fail it.
func (m *Matcher) searchSemantic(ctx context.Context, req Request, filters []map[string]any, merged map[string]*Item, order *[]string) bool {
	vector, err := m.embedder.Embed(ctx, req.Query)
	if err != nil {
		m.logger.Warn("query embedding failed, skipping semantic leg", "error", err)
		return false
	}

	m.mu.Lock()
	style := m.style
	m.mu.Unlock()

	body := buildKNNBody(style, m.vectorField, vector, req.VectorK, defaultNumCandidates, filters)
	resp, err := m.client.Search(ctx, body)
	if err != nil && style == knnTopLevel && needsNestedKNN(err) {
		m.logger.Warn("top-level knn rejected, retrying with bool.must syntax", "error", err)
		m.mu.Lock()
		m.style = knnNested
		m.mu.Unlock()
		body = buildKNNBody(knnNested, m.vectorField, vector, req.VectorK, defaultNumCandidates, filters)
		resp, err = m.client.Search(ctx, body)
	}
	if err != nil {
		m.logger.Warn("semantic search failed", "error", err)
		return false
	}

	for _, hit := range resp.Hits.Hits {
		item, ok := merged[hit.ID]
		if !ok {
			item = itemFromHit(hit)
			merged[hit.ID] = item
			*order = append(*order, hit.ID)
		}
		if hit.Score > item.semanticRaw || !item.hasSemantic {
			item.semanticRaw = hit.Score
		}
		item.hasSemantic = true
		item.Sources = appendUnique(item.Sources, "semantic")
		if len(item.Highlight) == 0 {
			item.Highlight = hit.Highlight
		}
	}
	return true
}

// fuseItems applies the remote two-signal fusion:
//
//	final = min(1, w·sem + (1−w)·bm25 + 0.05·pop_norm + 0.05·search_norm)
//
// Raw scores go through the per-request logistic; degenerate samples fall
// back to fixed scalings (bm25/10, cosine midpoint).
func (m *Matcher) fuseItems(items []*Item, semWeight float64, semanticUsed bool, filters Filters) {
	var bm25Raw, semRaw []float64
	for _, item := range items {
		if item.hasBM25 {
			bm25Raw = append(bm25Raw, item.bm25Raw)
		}
		if item.hasSemantic {
			semRaw = append(semRaw, item.semanticRaw)
		}
	}
	bm25Stats := calib.ComputeStats(bm25Raw)
	semStats := calib.ComputeStats(semRaw)

	for _, item := range items {
		bm25Norm := normalizeWithFallback(item.bm25Raw, bm25Stats, calib.Clamp(item.bm25Raw/10.0))
		semNorm := 0.0
		if semanticUsed {
			semNorm = normalizeWithFallback(item.semanticRaw, semStats, calib.Clamp((item.semanticRaw+1.0)/2.0))
		}

		popNorm := calib.Clamp(math.Log1p(math.Max(0, item.Popularity)) / 5.0)
		searchNorm := calib.Clamp(float64(item.SearchNum) / searchNumScale)

		base := semWeight*semNorm + (1.0-semWeight)*bm25Norm
		item.FinalScore = math.Min(1.0, base+popularityBoost*popNorm+searchNumBoost*searchNorm)
		item.BM25Score = bm25Norm
		item.SemanticScore = semNorm
		item.Cosine = semNorm
		item.RerankScore = base
		item.Why = remoteWhyTags(item, semNorm, bm25Norm, filters)
	}
}

// normalizeWithFallback maps raw through the request logistic, falling
// back to the supplied fixed scaling when the sample is degenerate.
func normalizeWithFallback(raw float64, stats calib.Stats, fallback float64) float64 {
	if stats.N <= 1 || stats.Std < 1e-6 {
		return fallback
	}
	return calib.Sigmoid((raw - stats.Mean) / stats.Std)
}

func remoteWhyTags(item *Item, semNorm, bm25Norm float64, filters Filters) []string {
	var why []string
	if semNorm >= 0.6 {
		why = append(why, "语义近")
	} else if semNorm >= 0.4 {
		why = append(why, "语义相关")
	}
	if bm25Norm >= 0.2 {
		why = append(why, "关键词命中")
	}
	if filters.System != "" && item.System == filters.System {
		why = append(why, "系统一致")
	}
	if filters.Part != "" && item.Part != "" && strings.Contains(item.Part, filters.Part) {
		why = append(why, "部件相近")
	}
	if item.Popularity > 100 {
		why = append(why, "热门案例")
	} else if item.Popularity > 50 {
		why = append(why, "常见问题")
	}
	if len(why) == 0 {
		why = []string{"文本匹配"}
	}
	return why
}

// MatchWithDecision runs Search and attaches a gray-zone routing
// decision, optionally adjudicated by the closed-set picker.
func (m *Matcher) MatchWithDecision(ctx context.Context, req Request) (*Result, error) {
	result, err := m.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	cands := toCandidates(result.Top)
	decision := router.Decide(cands, m.thresholds)

	if req.UseLLM && m.picker != nil && decision.Mode == router.ModeGray {
		topN := req.LLMTopN
		if topN <= 0 {
			topN = llm.DefaultTopN
		}
		llmCands := make([]llm.Candidate, 0, topN)
		for _, item := range result.Top {
			llmCands = append(llmCands, llm.Candidate{
				ID:     item.ID,
				Text:   item.Text,
				System: item.System,
				Part:   item.Part,
			})
			if len(llmCands) == topN {
				break
			}
		}
		result.Metadata.LLMUsed = true
		result.Metadata.LLMCandidateCount = len(llmCands)

		pick, pickErr := m.picker.PickOne(ctx, req.Query, llmCands)
		if pickErr != nil {
			m.logger.Warn("llm adjudication failed", "error", pickErr)
		}
		verdict := router.LLMVerdict{
			ChosenID:   pick.ChosenID,
			Confidence: pick.Confidence,
			Reason:     pick.Reason,
		}
		decision = router.UpgradeWithLLM(decision, cands, verdict, pick.Unknown())
	}

	result.Decision = &decision
	return result, nil
}

// SystemCount is one bucket of a terms aggregation.
type SystemCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Statistics summarizes the remote index.
type Statistics struct {
	TotalDocuments  int64           `json:"total_documents"`
	IndexSizeMB     float64         `json:"index_size_mb"`
	Systems         []SystemCount   `json:"systems"`
	VehicleTypes    []SystemCount   `json:"vehicletypes"`
	PopularityStats json.RawMessage `json:"popularity_stats,omitempty"`
}

// GetStatistics fetches document counts and facet distributions.
func (m *Matcher) GetStatistics(ctx context.Context) (*Statistics, error) {
	idxStats, err := m.client.Stats(ctx)
	if err != nil {
		return nil, err
	}
	aggResp, err := m.client.Search(ctx, buildAggregationBody())
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalDocuments: idxStats.DocCount,
		IndexSizeMB:    float64(idxStats.SizeInBytes) / (1024 * 1024),
	}
	stats.Systems = parseBuckets(aggResp.Aggregations["systems"])
	stats.VehicleTypes = parseBuckets(aggResp.Aggregations["vehicletypes"])
	stats.PopularityStats = aggResp.Aggregations["popularity_stats"]
	return stats, nil
}

func parseBuckets(raw json.RawMessage) []SystemCount {
	if len(raw) == 0 {
		return nil
	}
	var agg struct {
		Buckets []struct {
			Key      string `json:"key"`
			DocCount int64  `json:"doc_count"`
		} `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil
	}
	out := make([]SystemCount, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		out = append(out, SystemCount{Name: b.Key, Count: b.DocCount})
	}
	return out
}

func itemFromHit(hit Hit) *Item {
	fields := ExtractFields(hit.Source)
	id := hit.ID
	if id == "" {
		id = pickString(hit.Source, []string{"id"})
	}
	return &Item{
		ID:          id,
		Text:        fields.Text,
		System:      fields.System,
		Part:        fields.Part,
		Tags:        fields.Tags,
		VehicleType: fields.VehicleType,
		FaultCode:   fields.FaultCode,
		Popularity:  fields.Popularity,
		SearchNum:   fields.SearchNum,
		Highlight:   hit.Highlight,
	}
}

func toCandidates(items []*Item) []*fusion.Candidate {
	cands := make([]*fusion.Candidate, 0, len(items))
	for _, item := range items {
		cands = append(cands, &fusion.Candidate{
			ID:         item.ID,
			Text:       item.Text,
			System:     item.System,
			Part:       item.Part,
			FinalScore: item.FinalScore,
		})
	}
	return cands
}

func appendUnique(slice []string, value string) []string {
	for _, have := range slice {
		if have == value {
			return slice
		}
	}
	return append(slice, value)
}

func semWeightIf(used bool, w float64) float64 {
	if used {
		return w
	}
	return 0
}

func vectorKIf(used bool, k int) int {
	if used {
		return k
	}
	return 0
}

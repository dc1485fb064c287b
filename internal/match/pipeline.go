package match

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autokb/faultmatch/internal/config"
	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/fusion"
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
	"github.com/autokb/faultmatch/internal/router"
	"github.com/autokb/faultmatch/internal/store"
	"github.com/autokb/faultmatch/internal/telemetry"
)

// Query is one local match request.
type Query struct {
	Text        string
	System      string
	Part        string
	VehicleType string
	FaultCode   string
	Model       string
	Year        string

	TopKVector  int
	TopKKeyword int
	TopNReturn  int

	UseLLM  bool
	LLMTopN int
}

func (q *Query) applyDefaults() {
	if q.TopKVector <= 0 {
		q.TopKVector = config.DefaultTopKVector
	}
	if q.TopKKeyword <= 0 {
		q.TopKKeyword = config.DefaultTopKKeyword
	}
	if q.TopNReturn <= 0 {
		q.TopNReturn = config.DefaultTopNReturn
	}
	if q.LLMTopN <= 0 {
		q.LLMTopN = config.DefaultLLMTopN
	}
}

// Metadata describes how a local result was produced.
type Metadata struct {
	SemanticUsed      bool `json:"semantic_used"`
	KeywordUsed       bool `json:"keyword_used"`
	RerankUsed        bool `json:"rerank_used"`
	LLMUsed           bool `json:"llm_used"`
	LLMCandidateCount int  `json:"llm_candidate_count,omitempty"`
}

// Response is the local match response.
type Response struct {
	Query    string              `json:"query"`
	Total    int                 `json:"total"`
	Top      []*fusion.Candidate `json:"top"`
	Decision router.Decision     `json:"decision"`
	Metadata Metadata            `json:"metadata"`
}

// Match runs the local pipeline for q.
func (e *Engine) Match(ctx context.Context, q Query) (*Response, error) {
	started := time.Now()
	q.applyDefaults()

	normalized := kb.NormalizeQuery(q.Text)
	if normalized == "" {
		return &Response{
			Query: normalized,
			Decision: router.Decision{
				Mode:   router.ModeNoMatch,
				Reason: "empty query after normalization",
			},
		}, nil
	}

	idx := e.current()
	hints := fusion.Hints{
		System:      q.System,
		Part:        q.Part,
		VehicleType: q.VehicleType,
		FaultCode:   q.FaultCode,
		Model:       q.Model,
		Year:        q.Year,
	}

	keywordHits, vectorHits, sourceErrs := e.fanOut(ctx, idx, normalized, q)
	if len(sourceErrs) == 2 {
		err := errors.New(errors.ErrCodeAllSourcesDown, "all retrieval sources failed", sourceErrs[0])
		e.record(ctx, normalized, string(router.ModeNoMatch), 0, 0, false, started)
		return nil, err
	}

	cands := e.union(idx, keywordHits, vectorHits)
	if len(cands) == 0 {
		resp := &Response{
			Query: normalized,
			Decision: router.Decision{
				Mode:   router.ModeNoMatch,
				Reason: "no candidates",
			},
			Metadata: Metadata{
				SemanticUsed: vectorHits != nil,
				KeywordUsed:  keywordHits != nil,
			},
		}
		e.record(ctx, normalized, string(router.ModeNoMatch), 0, 0, false, started)
		return resp, nil
	}

	weights := e.settings.FusionWeights
	fused := fusion.Fuse(cands, weights, hints, e.settings.PopularityP95, 0)

	rerankUsed := e.applyRerank(ctx, normalized, fused)
	if rerankUsed {
		fused = fusion.Fuse(fused, weights, hints, e.settings.PopularityP95, 0)
	}

	total := len(fused)
	top := fused
	if len(top) > q.TopNReturn {
		top = top[:q.TopNReturn]
	}

	decision := router.Decide(fused, e.Thresholds())

	metadata := Metadata{
		SemanticUsed: vectorHits != nil,
		KeywordUsed:  keywordHits != nil,
		RerankUsed:   rerankUsed,
	}

	if q.UseLLM && e.picker != nil && decision.Mode == router.ModeGray {
		decision, metadata.LLMCandidateCount = e.adjudicate(ctx, normalized, fused, decision, q.LLMTopN)
		metadata.LLMUsed = true
	}

	resp := &Response{
		Query:    normalized,
		Total:    total,
		Top:      top,
		Decision: decision,
		Metadata: metadata,
	}
	e.record(ctx, normalized, string(decision.Mode), decision.Confidence, total, metadata.LLMUsed, started)
	return resp, nil
}

// fanOut runs the keyword and semantic retrievers concurrently under the
// per-source deadline. A nil slice means the source failed; an empty
// non-nil slice means it returned nothing.
func (e *Engine) fanOut(ctx context.Context, idx *indexSet, query string, q Query) ([]store.KeywordHit, []store.VectorHit, []error) {
	var (
		keywordHits []store.KeywordHit
		vectorHits  []store.VectorHit
		sourceErrs  []error
	)

	g, gctx := errgroup.WithContext(ctx)
	var keywordErr, vectorErr error

	g.Go(func() error {
		legCtx, cancel := context.WithTimeout(gctx, e.settings.RetrieverTimeout)
		defer cancel()
		hits, err := idx.keyword.Search(legCtx, query, q.TopKKeyword)
		if err != nil {
			keywordErr = err
			e.logger.Warn("keyword retrieval failed", "error", err)
			return nil
		}
		if hits == nil {
			hits = []store.KeywordHit{}
		}
		keywordHits = hits
		return nil
	})

	g.Go(func() error {
		legCtx, cancel := context.WithTimeout(gctx, e.settings.RetrieverTimeout)
		defer cancel()
		vec, err := e.embedder.Embed(legCtx, query)
		if err != nil {
			vectorErr = err
			e.logger.Warn("query embedding failed", "error", err)
			return nil
		}
		hits, err := idx.vector.Search(legCtx, vec, q.TopKVector)
		if err != nil {
			vectorErr = err
			e.logger.Warn("semantic retrieval failed", "error", err)
			return nil
		}
		if hits == nil {
			hits = []store.VectorHit{}
		}
		vectorHits = hits
		return nil
	})

	// Legs record their own failures and never return errors, so Wait
	// only propagates context cancellation.
	_ = g.Wait()

	if keywordErr != nil {
		sourceErrs = append(sourceErrs, keywordErr)
	}
	if vectorErr != nil {
		sourceErrs = append(sourceErrs, vectorErr)
	}
	return keywordHits, vectorHits, sourceErrs
}

// union merges per-source hits into candidates keyed by case id.
func (e *Engine) union(idx *indexSet, keywordHits []store.KeywordHit, vectorHits []store.VectorHit) []*fusion.Candidate {
	byID := make(map[string]*fusion.Candidate)
	var out []*fusion.Candidate

	get := func(id string) *fusion.Candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		fc, ok := idx.cases[id]
		if !ok {
			return nil
		}
		c := fusion.FromCase(fc)
		byID[id] = c
		out = append(out, c)
		return c
	}

	for _, hit := range keywordHits {
		c := get(hit.ID)
		if c == nil {
			continue
		}
		c.BM25Raw = hit.Score
		c.HasBM25 = true
		c.AddSource(fusion.SourceKeyword)
	}
	for _, hit := range vectorHits {
		c := get(hit.ID)
		if c == nil {
			continue
		}
		if !c.HasCosine || hit.Cosine > c.CosineRaw {
			c.CosineRaw = hit.Cosine
		}
		c.HasCosine = true
		c.AddSource(fusion.SourceSemantic)
	}
	return out
}

// applyRerank scores the top candidates with the cross-encoder. Failure
// is a silent skip; fusion proceeds without the rerank signal.
func (e *Engine) applyRerank(ctx context.Context, query string, fused []*fusion.Candidate) bool {
	if e.reranker == nil {
		return false
	}
	head := fused
	if len(head) > config.DefaultRerankTopK {
		head = head[:config.DefaultRerankTopK]
	}
	if len(head) == 0 {
		return false
	}

	texts := make([]string, len(head))
	for i, c := range head {
		texts[i] = c.Text
	}

	legCtx, cancel := context.WithTimeout(ctx, e.settings.RerankerTimeout)
	defer cancel()
	scores, err := e.reranker.Score(legCtx, query, texts)
	if err != nil {
		e.logger.Warn("rerank failed, continuing without rerank signal", "error", err)
		return false
	}
	if len(scores) != len(head) {
		return false
	}
	for i, c := range head {
		c.RerankRaw = scores[i]
		c.HasRerank = true
		c.AddSource(fusion.SourceRerank)
	}
	return true
}

// adjudicate invokes the closed-set picker on the gray decision.
func (e *Engine) adjudicate(ctx context.Context, query string, fused []*fusion.Candidate, base router.Decision, topN int) (router.Decision, int) {
	llmCands := make([]llm.Candidate, 0, topN)
	for _, c := range fused {
		llmCands = append(llmCands, llm.Candidate{
			ID:     c.ID,
			Text:   c.Text,
			System: c.System,
			Part:   c.Part,
		})
		if len(llmCands) == topN {
			break
		}
	}

	pick, err := e.picker.PickOne(ctx, query, llmCands)
	if err != nil {
		e.logger.Warn("llm adjudication failed, keeping gray decision", "error", err)
		// Transport failures are not parse failures; record which one
		// happened so the caller can tell them apart.
		if code := errors.CodeOf(err); code != errors.ErrCodeLLMParseFailure {
			pick = llm.Pick{ChosenID: llm.Unknown, Reason: "llm call failed: " + code}
		}
	}
	verdict := router.LLMVerdict{
		ChosenID:   pick.ChosenID,
		Confidence: pick.Confidence,
		Reason:     pick.Reason,
	}
	return router.UpgradeWithLLM(base, fused, verdict, pick.Unknown()), len(llmCands)
}

func (e *Engine) record(ctx context.Context, query, mode string, confidence float64, count int, llmUsed bool, started time.Time) {
	if e.metrics == nil {
		return
	}
	event := telemetry.Event{
		Query:       query,
		Mode:        mode,
		Confidence:  confidence,
		ResultCount: count,
		LatencyMS:   time.Since(started).Milliseconds(),
		LLMUsed:     llmUsed,
	}
	if err := e.metrics.Record(ctx, event); err != nil {
		e.logger.Warn("telemetry record failed", "error", err)
	}
}

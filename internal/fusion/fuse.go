package fusion

import (
	"math"
	"sort"
	"strings"

	"github.com/autokb/faultmatch/internal/calib"
)

// scoreEpsilon is the tolerance below which two final scores tie.
const scoreEpsilon = 1e-6

// whyThreshold is the component score above which a why tag is emitted.
const whyThreshold = 0.6

// Why tags, in emission order.
const (
	WhySemantic = "语义近"
	WhyKeyword  = "关键词命中"
	WhySystem   = "系统一致"
	WhyPart     = "部件相近"
	WhyPopular  = "高热度"
	WhyRerank   = "精排优"
)

// Fuse normalizes the union's raw scores per source, applies structured
// priors, computes the weighted final score and why tags, and returns the
// candidates ranked by final score. topn <= 0 keeps all candidates.
//
// Weights are normalized internally so callers may pass raw mappings.
func Fuse(cands []*Candidate, weights calib.Weights, hints Hints, popularityP95 float64, topn int) []*Candidate {
	if len(cands) == 0 {
		return nil
	}
	w := weights.Normalize()

	normalizeSource(cands,
		func(c *Candidate) (float64, bool) { return c.BM25Raw, c.HasBM25 },
		func(c *Candidate, v float64) { c.BM25 = v })
	normalizeSource(cands,
		func(c *Candidate) (float64, bool) { return c.CosineRaw, c.HasCosine },
		func(c *Candidate, v float64) { c.Cosine = v })
	normalizeSource(cands,
		func(c *Candidate) (float64, bool) { return c.RerankRaw, c.HasRerank },
		func(c *Candidate, v float64) { c.Rerank = v })

	for _, c := range cands {
		c.KGPrior = KGPrior(c, hints)
		c.PopularityNorm = PopularityNorm(c.Popularity, popularityP95)

		c.FinalScore = calib.Clamp(w.Rerank*c.Rerank +
			w.Cosine*c.Cosine +
			w.BM25*c.BM25 +
			w.KGPrior*c.KGPrior +
			w.Popularity*c.PopularityNorm)

		c.Why = whyTags(c)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return less(cands[i], cands[j])
	})

	if topn > 0 && len(cands) > topn {
		cands = cands[:topn]
	}
	return cands
}

// normalizeSource maps one source's raw scores through the per-request
// logistic. Candidates the source did not contribute keep a normalized
// score of zero.
func normalizeSource(cands []*Candidate, get func(*Candidate) (float64, bool), set func(*Candidate, float64)) {
	var raw []float64
	for _, c := range cands {
		if v, ok := get(c); ok {
			raw = append(raw, v)
		}
	}
	if len(raw) == 0 {
		return
	}
	stats := calib.ComputeStats(raw)
	for _, c := range cands {
		if v, ok := get(c); ok {
			set(c, calib.LogisticFromStats(v, stats, 1.0))
		}
	}
}

// KGPrior scores the agreement between the candidate's structured facets
// and the request hints. Exact system match dominates, then exact part
// match, then loose substring overlap; the maximum wins. No hints, no
// prior.
func KGPrior(c *Candidate, hints Hints) float64 {
	hintSystem := canonFacet(hints.System)
	hintPart := canonFacet(hints.Part)
	if hintSystem == "" && hintPart == "" {
		return 0
	}
	candSystem := canonFacet(c.System)
	candPart := canonFacet(c.Part)

	prior := 0.0
	if hintSystem != "" && candSystem != "" && candSystem == hintSystem {
		prior = math.Max(prior, 1.0)
	}
	if hintPart != "" && candPart != "" && candPart == hintPart {
		prior = math.Max(prior, 0.7)
	}
	if looseMatch(candSystem, hintSystem) || looseMatch(candPart, hintPart) {
		prior = math.Max(prior, 0.5)
	}
	return prior
}

func canonFacet(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func looseMatch(have, want string) bool {
	if have == "" || want == "" {
		return false
	}
	return strings.Contains(have, want) || strings.Contains(want, have)
}

// PopularityNorm maps an unbounded popularity count into [0,1] on a log
// scale anchored at the corpus P95.
func PopularityNorm(popularity, p95 float64) float64 {
	if popularity <= 0 || p95 <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(popularity)/math.Log1p(p95))
}

func whyTags(c *Candidate) []string {
	var why []string
	if c.Cosine > whyThreshold {
		why = append(why, WhySemantic)
	}
	if c.BM25 > whyThreshold {
		why = append(why, WhyKeyword)
	}
	if c.KGPrior > whyThreshold {
		if c.KGPrior >= 1.0 {
			why = append(why, WhySystem)
		} else {
			why = append(why, WhyPart)
		}
	}
	if c.PopularityNorm > whyThreshold {
		why = append(why, WhyPopular)
	}
	if c.Rerank > whyThreshold {
		why = append(why, WhyRerank)
	}
	return why
}

// less orders candidates by descending final score, breaking ties within
// scoreEpsilon by higher rerank, then higher cosine, then smaller id.
func less(a, b *Candidate) bool {
	if math.Abs(a.FinalScore-b.FinalScore) > scoreEpsilon {
		return a.FinalScore > b.FinalScore
	}
	if math.Abs(a.Rerank-b.Rerank) > scoreEpsilon {
		return a.Rerank > b.Rerank
	}
	if math.Abs(a.Cosine-b.Cosine) > scoreEpsilon {
		return a.Cosine > b.Cosine
	}
	return a.ID < b.ID
}

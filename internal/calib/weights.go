package calib

// Weights configures the relative importance of each fused signal.
// Weights are always normalized to sum to 1 before use.
type Weights struct {
	Rerank     float64 `json:"rerank" yaml:"rerank"`
	Cosine     float64 `json:"cosine" yaml:"cosine"`
	BM25       float64 `json:"bm25" yaml:"bm25"`
	KGPrior    float64 `json:"kg_prior" yaml:"kg_prior"`
	Popularity float64 `json:"popularity" yaml:"popularity"`
}

// DefaultWeights returns the default fusion weights.
func DefaultWeights() Weights {
	return Weights{
		Rerank:     0.55,
		Cosine:     0.20,
		BM25:       0.10,
		KGPrior:    0.10,
		Popularity: 0.05,
	}
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Rerank + w.Cosine + w.BM25 + w.KGPrior + w.Popularity
}

// Normalize scales the weights so they sum to 1. Negative components are
// floored at zero first. If the total mass is zero the defaults are
// restored.
func (w Weights) Normalize() Weights {
	n := Weights{
		Rerank:     max0(w.Rerank),
		Cosine:     max0(w.Cosine),
		BM25:       max0(w.BM25),
		KGPrior:    max0(w.KGPrior),
		Popularity: max0(w.Popularity),
	}
	total := n.Sum()
	if total <= 0 {
		return DefaultWeights()
	}
	n.Rerank /= total
	n.Cosine /= total
	n.BM25 /= total
	n.KGPrior /= total
	n.Popularity /= total
	return n
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

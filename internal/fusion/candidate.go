// Package fusion merges per-source candidate lists into one ranked list.
package fusion

import (
	"github.com/autokb/faultmatch/internal/kb"
)

// Source names a retrieval signal contributing to a candidate.
type Source string

const (
	SourceKeyword  Source = "keyword"
	SourceSemantic Source = "semantic"
	SourceRemote   Source = "remote"
	SourceRerank   Source = "rerank"
)

// Candidate is the per-request, per-case scoring record. Created during
// retrieval fan-out, filled in by Fuse, consumed by the router and the
// response assembler.
type Candidate struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	System      string   `json:"system,omitempty"`
	Part        string   `json:"part,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	VehicleType string   `json:"vehicletype,omitempty"`
	FaultCode   string   `json:"faultcode,omitempty"`
	Popularity  float64  `json:"popularity,omitempty"`

	// Raw per-source scores; the Has* flags distinguish a contributed
	// zero from an absent source.
	BM25Raw   float64 `json:"-"`
	CosineRaw float64 `json:"-"`
	RerankRaw float64 `json:"-"`
	HasBM25   bool    `json:"-"`
	HasCosine bool    `json:"-"`
	HasRerank bool    `json:"-"`

	// Normalized scores in [0,1].
	BM25   float64 `json:"bm25_score"`
	Cosine float64 `json:"cosine"`
	Rerank float64 `json:"rerank_score"`

	KGPrior        float64 `json:"kg_prior"`
	PopularityNorm float64 `json:"popularity_norm"`

	FinalScore float64 `json:"final_score"`

	Sources   []string       `json:"sources"`
	Why       []string       `json:"why"`
	Highlight map[string]any `json:"highlight,omitempty"`
}

// FromCase copies the retrievable fields of c into a fresh candidate.
func FromCase(c *kb.FaultCase) *Candidate {
	return &Candidate{
		ID:          c.ID,
		Text:        c.Text,
		System:      c.System,
		Part:        c.Part,
		Tags:        c.Tags,
		VehicleType: c.VehicleType,
		FaultCode:   c.FaultCode,
		Popularity:  c.Popularity,
	}
}

// Hints carries the structured facets supplied alongside the query.
type Hints struct {
	System      string
	Part        string
	VehicleType string
	FaultCode   string
	Model       string
	Year        string
}

// AddSource records a contributing source once.
func (c *Candidate) AddSource(s Source) {
	for _, have := range c.Sources {
		if have == string(s) {
			return
		}
	}
	c.Sources = append(c.Sources, string(s))
}

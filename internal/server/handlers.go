package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/match"
	"github.com/autokb/faultmatch/internal/remote"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.HealthCheck())
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, errors.New(errors.ErrCodeEmptyQuery, "query parameter q is required", nil))
		return
	}

	query := match.Query{
		Text:        q,
		System:      r.URL.Query().Get("system"),
		Part:        r.URL.Query().Get("part"),
		Model:       r.URL.Query().Get("model"),
		Year:        r.URL.Query().Get("year"),
		TopKVector:  intParam(r, "topk_vec", 0),
		TopKKeyword: intParam(r, "topk_kw", 0),
		TopNReturn:  intParam(r, "topn_return", 0),
		UseLLM:      boolParam(r, "use_llm", false),
		LLMTopN:     intParam(r, "llm_topn", 0),
	}

	resp, err := s.engine.Match(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHybrid(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, errors.New(errors.ErrCodeEmptyQuery, "query parameter q is required", nil))
		return
	}

	query := match.Query{
		Text:        q,
		System:      r.URL.Query().Get("system"),
		Part:        r.URL.Query().Get("part"),
		VehicleType: r.URL.Query().Get("vehicletype"),
		TopNReturn:  intParam(r, "topn_return", 0),
	}
	useRemote := boolParam(r, "use_opensearch", true)

	resp, err := s.engine.MatchHybrid(r.Context(), query, useRemote)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// remoteMatchRequest is the /opensearch/match body.
type remoteMatchRequest struct {
	Q              string   `json:"q"`
	System         string   `json:"system"`
	Part           string   `json:"part"`
	VehicleType    string   `json:"vehicletype"`
	FaultCode      string   `json:"fault_code"`
	Size           int      `json:"size"`
	UseDecision    *bool    `json:"use_decision"`
	UseSemantic    *bool    `json:"use_semantic"`
	SemanticWeight *float64 `json:"semantic_weight"`
	VectorK        int      `json:"vector_k"`
	UseLLM         bool     `json:"use_llm"`
	LLMTopN        int      `json:"llm_topn"`
}

func (s *Server) handleRemoteMatch(w http.ResponseWriter, r *http.Request) {
	matcher := s.engine.Remote()
	if !matcher.Available() {
		writeError(w, errors.New(errors.ErrCodeRemoteSearch, "remote search backend is not configured", nil))
		return
	}

	var body remoteMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	if strings.TrimSpace(body.Q) == "" {
		writeError(w, errors.New(errors.ErrCodeEmptyQuery, "field q is required", nil))
		return
	}

	req := remote.Request{
		Query: body.Q,
		Filters: remote.Filters{
			System:      body.System,
			Part:        body.Part,
			VehicleType: body.VehicleType,
			FaultCode:   body.FaultCode,
		},
		Size:           body.Size,
		UseSemantic:    body.UseSemantic == nil || *body.UseSemantic,
		SemanticWeight: body.SemanticWeight,
		VectorK:        body.VectorK,
		UseLLM:         body.UseLLM,
		LLMTopN:        body.LLMTopN,
	}

	useDecision := body.UseDecision == nil || *body.UseDecision
	var (
		result *remote.Result
		err    error
	)
	if useDecision {
		result, err = matcher.MatchWithDecision(r.Context(), req)
	} else {
		result, err = matcher.Search(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// remoteStatsResponse adds the local corpus view to the remote index
// statistics.
type remoteStatsResponse struct {
	*remote.Statistics
	Local struct {
		CaseCount int `json:"case_count"`
	} `json:"local"`
	FusionWeights map[string]float64 `json:"fusion_weights"`
}

func (s *Server) handleRemoteStats(w http.ResponseWriter, r *http.Request) {
	matcher := s.engine.Remote()
	if !matcher.Available() {
		writeError(w, errors.New(errors.ErrCodeRemoteSearch, "remote search backend is not configured", nil))
		return
	}

	stats, err := matcher.GetStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	weights := s.engine.Weights()
	resp := remoteStatsResponse{Statistics: stats}
	resp.Local.CaseCount = s.engine.HealthCheck().CaseCount
	resp.FusionWeights = map[string]float64{
		"rerank":     weights.Rerank,
		"cosine":     weights.Cosine,
		"bm25":       weights.BM25,
		"kg_prior":   weights.KGPrior,
		"popularity": weights.Popularity,
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolParam(r *http.Request, name string, fallback bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

package match

import (
	"context"

	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/remote"
	"github.com/autokb/faultmatch/internal/router"
)

// Recommendation compares the local and remote decisions so callers can
// pick the stronger corpus.
type Recommendation struct {
	UseLocal             bool               `json:"use_local"`
	UseRemote            bool               `json:"use_opensearch"`
	ConfidenceComparison map[string]float64 `json:"confidence_comparison"`
}

// HybridResponse reports local and remote results side by side. Results
// are never merged by id: the corpora are distinct and an id collision
// across them does not imply the same case.
type HybridResponse struct {
	Query          string         `json:"query"`
	LocalResult    *Response      `json:"local_result"`
	RemoteResult   *remote.Result `json:"opensearch_result"`
	Recommendation Recommendation `json:"recommendation"`
}

// MatchHybrid runs the local pipeline and, when available, the remote
// matcher. Remote failure degrades to a local-only response.
func (e *Engine) MatchHybrid(ctx context.Context, q Query, useRemote bool) (*HybridResponse, error) {
	local, err := e.Match(ctx, q)
	if err != nil {
		return nil, err
	}

	var remoteResult *remote.Result
	if useRemote && e.remote.Available() {
		remoteResult, err = e.remote.MatchWithDecision(ctx, remote.Request{
			Query: q.Text,
			Filters: remote.Filters{
				System:      q.System,
				Part:        q.Part,
				VehicleType: q.VehicleType,
				FaultCode:   q.FaultCode,
			},
			UseSemantic: true,
		})
		if err != nil {
			e.logger.Warn("remote match failed in hybrid mode", "error", err)
			remoteResult = nil
		}
	}

	comparison := map[string]float64{
		"local":      local.Decision.Confidence,
		"opensearch": 0,
	}
	useRemoteRec := false
	if remoteResult != nil && remoteResult.Decision != nil {
		comparison["opensearch"] = remoteResult.Decision.Confidence
		useRemoteRec = remoteResult.Decision.Mode == router.ModeDirect
	}

	return &HybridResponse{
		Query:        kb.NormalizeQuery(q.Text),
		LocalResult:  local,
		RemoteResult: remoteResult,
		Recommendation: Recommendation{
			UseLocal:             local.Decision.Mode == router.ModeDirect,
			UseRemote:            useRemoteRec,
			ConfidenceComparison: comparison,
		},
	}, nil
}

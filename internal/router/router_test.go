package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autokb/faultmatch/internal/fusion"
)

var thresholds = Thresholds{Pass: 0.84, GrayLow: 0.65}

func cand(id string, final float64) *fusion.Candidate {
	return &fusion.Candidate{ID: id, Text: "案例 " + id, FinalScore: final}
}

func TestDecideNoCandidates(t *testing.T) {
	d := Decide(nil, thresholds)
	assert.Equal(t, ModeNoMatch, d.Mode)
	assert.Nil(t, d.ChosenID)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, "no candidates", d.Reason)
}

func TestDecideDirect(t *testing.T) {
	d := Decide([]*fusion.Candidate{cand("P001", 0.91)}, thresholds)
	assert.Equal(t, ModeDirect, d.Mode)
	require.NotNil(t, d.ChosenID)
	assert.Equal(t, "P001", *d.ChosenID)
	assert.Equal(t, 0.91, d.Confidence)
	assert.Contains(t, d.Reason, "0.910")
}

func TestDecideGray(t *testing.T) {
	cands := []*fusion.Candidate{cand("P006", 0.72), cand("P007", 0.55), cand("P008", 0.40)}
	d := Decide(cands, thresholds)
	assert.Equal(t, ModeGray, d.Mode)
	require.NotNil(t, d.ChosenID)
	assert.Equal(t, "P006", *d.ChosenID)
	require.Len(t, d.Alternatives, 2)
	assert.Equal(t, "P007", d.Alternatives[0].ID)
}

func TestDecideReject(t *testing.T) {
	d := Decide([]*fusion.Candidate{cand("P009", 0.21)}, thresholds)
	assert.Equal(t, ModeReject, d.Mode)
	assert.Nil(t, d.ChosenID)
	assert.Equal(t, 0.21, d.Confidence)
	assert.NotEmpty(t, d.Suggestions)
}

func TestDecideBoundaries(t *testing.T) {
	// Pass threshold is inclusive; gray_low is inclusive for gray.
	assert.Equal(t, ModeDirect, Decide([]*fusion.Candidate{cand("a", 0.84)}, thresholds).Mode)
	assert.Equal(t, ModeGray, Decide([]*fusion.Candidate{cand("a", 0.8399)}, thresholds).Mode)
	assert.Equal(t, ModeGray, Decide([]*fusion.Candidate{cand("a", 0.65)}, thresholds).Mode)
	assert.Equal(t, ModeReject, Decide([]*fusion.Candidate{cand("a", 0.6499)}, thresholds).Mode)
}

func TestDecideMonotonic(t *testing.T) {
	// Increasing the top score only ever moves reject -> gray -> direct.
	rank := map[Mode]int{ModeReject: 0, ModeGray: 1, ModeDirect: 2}
	prev := -1
	for score := 0.0; score <= 1.0; score += 0.01 {
		d := Decide([]*fusion.Candidate{cand("a", score)}, thresholds)
		r, ok := rank[d.Mode]
		require.True(t, ok, "unexpected mode %s at %.2f", d.Mode, score)
		assert.GreaterOrEqual(t, r, prev, "mode regressed at %.2f", score)
		prev = r
	}
}

func TestUpgradeWithLLMChosen(t *testing.T) {
	cands := []*fusion.Candidate{cand("P006", 0.72), cand("P007", 0.60)}
	base := Decide(cands, thresholds)
	require.Equal(t, ModeGray, base.Mode)

	verdict := LLMVerdict{ChosenID: "P006", Confidence: 0.72, Reason: "更符合异响描述"}
	d := UpgradeWithLLM(base, cands, verdict, false)

	assert.Equal(t, ModeLLM, d.Mode)
	require.NotNil(t, d.ChosenID)
	assert.Equal(t, "P006", *d.ChosenID)
	// Confidence is max(base final, picker confidence).
	assert.Equal(t, 0.72, d.Confidence)
	require.NotNil(t, d.LLM)
	assert.Equal(t, "P006", d.LLM.ChosenID)
}

func TestUpgradeWithLLMHigherConfidenceWins(t *testing.T) {
	cands := []*fusion.Candidate{cand("P006", 0.70)}
	base := Decide(cands, thresholds)
	d := UpgradeWithLLM(base, cands, LLMVerdict{ChosenID: "P006", Confidence: 0.9}, false)
	assert.Equal(t, 0.9, d.Confidence)

	d = UpgradeWithLLM(base, cands, LLMVerdict{ChosenID: "P006", Confidence: 0.3}, false)
	assert.Equal(t, 0.70, d.Confidence)
}

func TestUpgradeWithLLMUnknownStaysGray(t *testing.T) {
	cands := []*fusion.Candidate{cand("P006", 0.72), cand("P007", 0.60)}
	base := Decide(cands, thresholds)

	verdict := LLMVerdict{ChosenID: "UNKNOWN", Confidence: 0, Reason: "llm parse failure"}
	d := UpgradeWithLLM(base, cands, verdict, true)

	assert.Equal(t, ModeGray, d.Mode)
	require.NotNil(t, d.ChosenID)
	assert.Equal(t, "P006", *d.ChosenID)
	require.NotNil(t, d.LLM)
	assert.Equal(t, "llm parse failure", d.LLM.Reason)
}

func TestAlternativesSkipChosenAndTruncate(t *testing.T) {
	cands := []*fusion.Candidate{
		cand("a", 0.7), cand("b", 0.6), cand("c", 0.5), cand("d", 0.4), cand("e", 0.3),
	}
	alts := alternatives(cands, "b")
	require.Len(t, alts, 3)
	for _, alt := range alts {
		assert.NotEqual(t, "b", alt.ID)
	}
}

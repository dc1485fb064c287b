// Package router converts the top fused score into a routing decision.
//
// The thresholds carve [0,1] into three bands: at or above pass the match
// is returned directly, between gray_low and pass a secondary adjudication
// is warranted, below gray_low the query is rejected. The band width is
// the operator's cost lever: it bounds how often the language model runs.
package router

import (
	"fmt"

	"github.com/autokb/faultmatch/internal/fusion"
)

// Mode is the routing outcome.
type Mode string

const (
	// ModeDirect returns the top candidate without adjudication.
	ModeDirect Mode = "direct"
	// ModeGray flags the top candidate for secondary adjudication.
	ModeGray Mode = "gray"
	// ModeReject declines the top candidate as too weak.
	ModeReject Mode = "reject"
	// ModeLLM is a gray decision upgraded by the closed-set picker.
	ModeLLM Mode = "llm"
	// ModeNoMatch means no candidates were available at all.
	ModeNoMatch Mode = "no_match"
)

// Thresholds carries the (pass, gray_low) pair. Pass >= GrayLow.
type Thresholds struct {
	Pass    float64
	GrayLow float64
}

// LLMVerdict is the picker's contribution attached to a decision.
type LLMVerdict struct {
	ChosenID   string  `json:"chosen_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Alternative is a runner-up candidate shown with gray and llm decisions.
type Alternative struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Decision is the routing result for one request.
type Decision struct {
	Mode       Mode        `json:"mode"`
	ChosenID   *string     `json:"chosen_id"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason"`
	LLM        *LLMVerdict `json:"llm,omitempty"`

	// Alternatives lists runner-ups for gray and llm decisions so
	// callers can present a disambiguation list.
	Alternatives []Alternative `json:"alternatives,omitempty"`

	// Suggestions carries near-miss snippets for reject decisions.
	Suggestions []string `json:"suggestions,omitempty"`
}

const (
	maxAlternatives  = 3
	alternativeChars = 100
	suggestionChars  = 50
)

// Decide maps the ranked candidates onto a decision. Total: every input
// produces exactly one mode.
func Decide(candidates []*fusion.Candidate, th Thresholds) Decision {
	if len(candidates) == 0 {
		return Decision{
			Mode:       ModeNoMatch,
			Confidence: 0,
			Reason:     "no candidates",
		}
	}

	top := candidates[0]
	final := top.FinalScore

	switch {
	case final >= th.Pass:
		id := top.ID
		return Decision{
			Mode:       ModeDirect,
			ChosenID:   &id,
			Confidence: final,
			Reason:     fmt.Sprintf("高置信度匹配 (score: %.3f)", final),
		}
	case final >= th.GrayLow:
		id := top.ID
		return Decision{
			Mode:         ModeGray,
			ChosenID:     &id,
			Confidence:   final,
			Reason:       fmt.Sprintf("灰区匹配，建议人工确认 (score: %.3f)", final),
			Alternatives: alternatives(candidates[1:], ""),
		}
	default:
		return Decision{
			Mode:        ModeReject,
			Confidence:  final,
			Reason:      fmt.Sprintf("置信度过低 (score: %.3f)", final),
			Suggestions: suggestions(candidates),
		}
	}
}

// UpgradeWithLLM folds the picker's verdict into a gray decision.
//
// A concrete chosen id upgrades the mode to llm with
// confidence = max(base final, picker confidence). UNKNOWN keeps the gray
// decision and only records the picker's reason.
func UpgradeWithLLM(base Decision, candidates []*fusion.Candidate, verdict LLMVerdict, unknown bool) Decision {
	out := base
	out.LLM = &verdict
	if unknown {
		return out
	}
	id := verdict.ChosenID
	out.Mode = ModeLLM
	out.ChosenID = &id
	if verdict.Confidence > out.Confidence {
		out.Confidence = verdict.Confidence
	}
	out.Reason = fmt.Sprintf("模型复核选定 %s: %s", verdict.ChosenID, verdict.Reason)
	out.Alternatives = alternatives(candidates, id)
	return out
}

// alternatives returns up to maxAlternatives runner-ups, skipping the
// chosen id.
func alternatives(candidates []*fusion.Candidate, skipID string) []Alternative {
	var alts []Alternative
	for _, c := range candidates {
		if c.ID == skipID {
			continue
		}
		alts = append(alts, Alternative{
			ID:    c.ID,
			Text:  snippet(c.Text, alternativeChars),
			Score: c.FinalScore,
		})
		if len(alts) == maxAlternatives {
			break
		}
	}
	return alts
}

// suggestions surfaces near-miss snippets so rejected callers can see
// what the corpus came close to.
func suggestions(candidates []*fusion.Candidate) []string {
	var out []string
	for _, c := range candidates {
		out = append(out, snippet(c.Text, suggestionChars))
		if len(out) == maxAlternatives {
			break
		}
	}
	return out
}

func snippet(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

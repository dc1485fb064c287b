// Package llm implements the closed-set candidate picker.
//
// The model is treated as untrusted: it may only choose one of the
// submitted ids or the literal UNKNOWN, its output must be structured
// JSON, and any deviation degrades to UNKNOWN rather than flowing an
// unconstrained string into the decision.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/errors"
)

// Unknown is the literal the model returns when no candidate fits.
const Unknown = "UNKNOWN"

// Input bounds applied before prompting.
const (
	MaxCandidateLen = 300
	MaxQueryLen     = 512
	DefaultTopN     = 5
	DefaultTimeout  = 20 * time.Second
)

// Candidate is one closed-set option shown to the model.
type Candidate struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	System string `json:"system,omitempty"`
	Part   string `json:"part,omitempty"`
}

// Pick is the picker's structured verdict.
type Pick struct {
	ChosenID   string  `json:"chosen_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Unknown reports whether the pick declined to choose.
func (p Pick) Unknown() bool {
	return p.ChosenID == Unknown
}

// Config holds the endpoint credentials and tunables.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	TopN    int
	Timeout time.Duration
}

// Picker submits a bounded candidate list to an OpenAI-compatible chat
// completions endpoint and parses the constrained verdict.
type Picker struct {
	cfg    Config
	client *http.Client
}

const systemPrompt = `你是汽车故障现象归一化器。给定用户描述和候选故障案例列表，` +
	`从候选中选出最匹配的一个案例。只能从给出的候选 id 中选择；` +
	`如果没有足够匹配的候选，chosen_id 填 "UNKNOWN"。` +
	`只输出 JSON，格式为 {"chosen_id": "...", "confidence": 0.0, "reason": "..."}，` +
	`confidence 取值 0 到 1。`

// NewPicker creates a picker for cfg. The HTTP client is shared per
// (base_url, api_key) so concurrent requests reuse connections.
func NewPicker(cfg Config) *Picker {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Picker{cfg: cfg, client: clientFor(cfg.BaseURL, cfg.APIKey)}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// PickOne adjudicates query against candidates. The candidate list is
// capped at the configured TopN and each field is truncated before
// prompting. A malformed or out-of-set response degrades to UNKNOWN with
// confidence 0.
func (p *Picker) PickOne(ctx context.Context, query string, candidates []Candidate) (Pick, error) {
	if p.cfg.BaseURL == "" || p.cfg.APIKey == "" || p.cfg.Model == "" {
		return parseFailure(), errors.New(errors.ErrCodeLLMUnconfigured, "llm endpoint not configured", nil)
	}
	if len(candidates) == 0 {
		return Pick{ChosenID: Unknown, Confidence: 0, Reason: "no candidates"}, nil
	}
	if len(candidates) > p.cfg.TopN {
		candidates = candidates[:p.cfg.TopN]
	}

	allowed := make(map[string]struct{}, len(candidates))
	bounded := make([]Candidate, len(candidates))
	for i, c := range candidates {
		allowed[c.ID] = struct{}{}
		bounded[i] = Candidate{
			ID:     c.ID,
			Text:   truncateRunes(c.Text, MaxCandidateLen),
			System: c.System,
			Part:   c.Part,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	content, err := p.complete(ctx, truncateRunes(query, MaxQueryLen), bounded)
	if err != nil {
		return parseFailure(), err
	}

	pick, ok := parsePick(content, allowed)
	if !ok {
		return parseFailure(), errors.New(errors.ErrCodeLLMParseFailure, "llm parse failure", nil)
	}
	return pick, nil
}

func (p *Picker) complete(ctx context.Context, query string, candidates []Candidate) (string, error) {
	candidateJSON, err := json.Marshal(candidates)
	if err != nil {
		return "", errors.New(errors.ErrCodeLLMFailed, "encode candidates", err)
	}

	userPrompt := fmt.Sprintf("用户描述: %s\n候选案例: %s", query, string(candidateJSON))
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return "", errors.New(errors.ErrCodeLLMFailed, "encode chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.New(errors.ErrCodeLLMFailed, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.New(errors.ErrCodeNetworkTimeout, "llm call timed out", ctx.Err())
		}
		return "", errors.New(errors.ErrCodeLLMFailed, "llm request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.New(errors.ErrCodeLLMFailed,
			fmt.Sprintf("llm returned %d: %s", resp.StatusCode, string(snippet)), nil)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", errors.New(errors.ErrCodeLLMFailed, "decode chat response", err)
	}
	if len(chat.Choices) == 0 {
		return "", errors.New(errors.ErrCodeLLMFailed, "empty chat response", nil)
	}
	return chat.Choices[0].Message.Content, nil
}

// parsePick validates the model output against the submitted id set.
func parsePick(content string, allowed map[string]struct{}) (Pick, bool) {
	content = stripFences(content)

	var pick Pick
	if err := json.Unmarshal([]byte(content), &pick); err != nil {
		return Pick{}, false
	}

	pick.ChosenID = strings.TrimSpace(pick.ChosenID)
	if pick.ChosenID == "" {
		return Pick{}, false
	}
	if !strings.EqualFold(pick.ChosenID, Unknown) {
		if _, ok := allowed[pick.ChosenID]; !ok {
			return Pick{}, false
		}
	} else {
		pick.ChosenID = Unknown
	}
	pick.Confidence = calib.Clamp(pick.Confidence)
	return pick, true
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseFailure() Pick {
	return Pick{ChosenID: Unknown, Confidence: 0, Reason: "llm parse failure"}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

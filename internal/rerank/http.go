package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/autokb/faultmatch/internal/errors"
)

// DefaultTimeout bounds one scoring round trip.
const DefaultTimeout = 500 * time.Millisecond

// Config configures the HTTP reranker client.
type Config struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// HTTPReranker calls a text-embeddings-inference style /rerank endpoint.
type HTTPReranker struct {
	host    string
	model   string
	timeout time.Duration
	client  *http.Client

	mu     sync.Mutex
	closed bool
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewHTTPReranker creates a reranker client against cfg.Host.
func NewHTTPReranker(cfg Config) *HTTPReranker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPReranker{
		host:    strings.TrimRight(cfg.Host, "/"),
		model:   cfg.Model,
		timeout: timeout,
		client:  &http.Client{Transport: transport},
	}
}

// Score sends (query, candidates) to the remote cross-encoder and returns
// raw logits in candidate order.
func (r *HTTPReranker) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("reranker is closed")
	}
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Texts:     candidates,
		RawScores: true,
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeRerankFailed, "encode rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.host+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.ErrCodeRerankFailed, "build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.ErrCodeNetworkTimeout, "rerank timed out", ctx.Err())
		}
		return nil, errors.New(errors.ErrCodeRerankFailed, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.ErrCodeRerankFailed,
			fmt.Sprintf("rerank returned %d: %s", resp.StatusCode, string(snippet)), nil)
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, errors.New(errors.ErrCodeRerankFailed, "decode rerank response", err)
	}

	// The endpoint may reorder by score; restore candidate order.
	scores := make([]float64, len(candidates))
	seen := make([]bool, len(candidates))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, errors.New(errors.ErrCodeRerankFailed,
				fmt.Sprintf("rerank result index %d out of range", res.Index), nil)
		}
		scores[res.Index] = res.Score
		seen[res.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, errors.New(errors.ErrCodeRerankFailed,
				fmt.Sprintf("rerank response missing candidate %d", i), nil)
		}
	}
	return scores, nil
}

// Available probes the endpoint with a short deadline.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	if r.host == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.host+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close shuts down idle connections.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if t, ok := r.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

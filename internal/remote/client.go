// Package remote adapts the external full-text + vector search backend.
//
// The adapter speaks the OpenSearch HTTP API directly: lexical
// multi_match queries with structured filters, an optional kNN clause
// over the stored dense vector field, highlights, and index
// aggregations. Requests carry a bounded timeout and transport errors
// surface as structured network errors.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autokb/faultmatch/internal/errors"
)

// DefaultTimeout bounds one search round trip.
const DefaultTimeout = 1500 * time.Millisecond

// ClientConfig configures the OpenSearch HTTP client.
type ClientConfig struct {
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a thin OpenSearch HTTP client scoped to one index.
type Client struct {
	baseURL  string
	index    string
	username string
	password string
	timeout  time.Duration
	http     *http.Client
}

// NewClient creates a client for cfg. No connection is attempted until
// the first request.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		index:    cfg.Index,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
		http:     &http.Client{Transport: transport},
	}
}

// Configured reports whether a backend URL and index are set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.index != ""
}

// Hit is one raw search hit.
type Hit struct {
	ID        string              `json:"_id"`
	Score     float64             `json:"_score"`
	Source    map[string]any      `json:"_source"`
	Highlight map[string][]string `json:"highlight"`
}

// SearchResponse is the subset of the search reply the matcher consumes.
type SearchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Search executes body against the configured index.
func (c *Client) Search(ctx context.Context, body map[string]any) (*SearchResponse, error) {
	var resp SearchResponse
	path := "/" + url.PathEscape(c.index) + "/_search"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info returns the server version string.
func (c *Client) Info(ctx context.Context) (string, error) {
	var info struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return "", err
	}
	return info.Version.Number, nil
}

// IndexStats holds document count and store size for the index.
type IndexStats struct {
	DocCount    int64
	SizeInBytes int64
}

// Stats fetches index-level document and store statistics.
func (c *Client) Stats(ctx context.Context) (IndexStats, error) {
	var raw struct {
		Indices map[string]struct {
			Total struct {
				Docs struct {
					Count int64 `json:"count"`
				} `json:"docs"`
				Store struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"store"`
			} `json:"total"`
		} `json:"indices"`
	}
	path := "/" + url.PathEscape(c.index) + "/_stats"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return IndexStats{}, err
	}
	idx, ok := raw.Indices[c.index]
	if !ok {
		return IndexStats{}, errors.New(errors.ErrCodeRemoteSearch,
			fmt.Sprintf("index %s missing from stats reply", c.index), nil)
	}
	return IndexStats{
		DocCount:    idx.Total.Docs.Count,
		SizeInBytes: idx.Total.Store.SizeInBytes,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !c.Configured() {
		return errors.New(errors.ErrCodeRemoteSearch, "remote search not configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.New(errors.ErrCodeRemoteSearch, "encode search body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.New(errors.ErrCodeRemoteSearch, "build search request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.ErrCodeNetworkTimeout, "remote search timed out", ctx.Err())
		}
		return errors.New(errors.ErrCodeRemoteSearch, "remote search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.New(errors.ErrCodeRemoteSearch,
			fmt.Sprintf("remote search returned %d: %s", resp.StatusCode, string(snippet)), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.ErrCodeRemoteSearch, "decode search response", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

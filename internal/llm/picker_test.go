package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autokb/faultmatch/internal/errors"
)

func chatServer(t *testing.T, reply string, capture *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": reply}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testPicker(baseURL string) *Picker {
	return NewPicker(Config{BaseURL: baseURL, APIKey: "test-key", Model: "test-model"})
}

func someCandidates() []Candidate {
	return []Candidate{
		{ID: "P006", Text: "低速刹车时有金属摩擦异响"},
		{ID: "P007", Text: "发动机怠速异响"},
	}
}

func TestPickOneChoosesFromSet(t *testing.T) {
	srv := chatServer(t, `{"chosen_id":"P006","confidence":0.72,"reason":"更符合异响描述"}`, nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "车子有异响", someCandidates())
	require.NoError(t, err)
	assert.Equal(t, "P006", pick.ChosenID)
	assert.Equal(t, 0.72, pick.Confidence)
	assert.Equal(t, "更符合异响描述", pick.Reason)
	assert.False(t, pick.Unknown())
}

func TestPickOneUnknown(t *testing.T) {
	srv := chatServer(t, `{"chosen_id":"UNKNOWN","confidence":0.0,"reason":"无法判断"}`, nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "车子有异响", someCandidates())
	require.NoError(t, err)
	assert.True(t, pick.Unknown())
}

func TestPickOneRejectsOutOfSetID(t *testing.T) {
	// The model is untrusted; an id outside the submitted set degrades
	// to UNKNOWN rather than flowing into the decision.
	srv := chatServer(t, `{"chosen_id":"P999","confidence":0.95,"reason":"看起来不错"}`, nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "车子有异响", someCandidates())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeLLMParseFailure, errors.CodeOf(err))
	assert.Equal(t, "UNKNOWN", pick.ChosenID)
	assert.Zero(t, pick.Confidence)
	assert.Equal(t, "llm parse failure", pick.Reason)
}

func TestPickOneMalformedResponse(t *testing.T) {
	srv := chatServer(t, `the best candidate is P006`, nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "车子有异响", someCandidates())
	require.Error(t, err)
	assert.Equal(t, "UNKNOWN", pick.ChosenID)
	assert.Zero(t, pick.Confidence)
	assert.Equal(t, "llm parse failure", pick.Reason)
}

func TestPickOneStripsCodeFence(t *testing.T) {
	srv := chatServer(t, "```json\n{\"chosen_id\":\"P007\",\"confidence\":0.6,\"reason\":\"怠速\"}\n```", nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "怠速异响", someCandidates())
	require.NoError(t, err)
	assert.Equal(t, "P007", pick.ChosenID)
}

func TestPickOneClampsConfidence(t *testing.T) {
	srv := chatServer(t, `{"chosen_id":"P006","confidence":7.5,"reason":"x"}`, nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "q", someCandidates())
	require.NoError(t, err)
	assert.Equal(t, 1.0, pick.Confidence)
}

func TestPickOneCapsAndTruncatesCandidates(t *testing.T) {
	var captured chatRequest
	srv := chatServer(t, `{"chosen_id":"c0","confidence":0.7,"reason":"x"}`, &captured)
	defer srv.Close()

	long := strings.Repeat("异", MaxCandidateLen+50)
	var cands []Candidate
	for _, id := range []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6"} {
		cands = append(cands, Candidate{ID: id, Text: long})
	}

	_, err := testPicker(srv.URL).PickOne(context.Background(), strings.Repeat("q", MaxQueryLen+10), cands)
	require.NoError(t, err)

	require.Len(t, captured.Messages, 2)
	user := captured.Messages[1].Content
	// Cap at DefaultTopN candidates.
	assert.Contains(t, user, `"id":"c4"`)
	assert.NotContains(t, user, `"id":"c5"`)
	// Candidate and query text are truncated.
	assert.NotContains(t, user, strings.Repeat("异", MaxCandidateLen+1))
	assert.NotContains(t, user, strings.Repeat("q", MaxQueryLen+1))
	assert.Zero(t, captured.Temperature)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestPickOneUnconfigured(t *testing.T) {
	pick, err := NewPicker(Config{}).PickOne(context.Background(), "q", someCandidates())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeLLMUnconfigured, errors.CodeOf(err))
	assert.Equal(t, "UNKNOWN", pick.ChosenID)
}

func TestPickOneNoCandidates(t *testing.T) {
	srv := chatServer(t, `{}`, nil)
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.True(t, pick.Unknown())
}

func TestPickOneServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pick, err := testPicker(srv.URL).PickOne(context.Background(), "q", someCandidates())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeLLMFailed, errors.CodeOf(err))
	assert.True(t, pick.Unknown())
}

func TestClientPoolReusesClients(t *testing.T) {
	a := clientFor("http://x", "k1")
	b := clientFor("http://x", "k1")
	c := clientFor("http://x", "k2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "metrics", "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndSummarize(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	events := []Event{
		{Query: "刹车发软", Mode: "direct", Confidence: 0.91, ResultCount: 3, LatencyMS: 40},
		{Query: "车子异响", Mode: "gray", Confidence: 0.72, ResultCount: 3, LatencyMS: 60, LLMUsed: true},
		{Query: "做饭洗衣服", Mode: "reject", Confidence: 0.21, ResultCount: 3, LatencyMS: 20},
		{Query: "", Mode: "no_match", Confidence: 0, ResultCount: 0, LatencyMS: 1},
		{Query: "怠速抖动", Mode: "direct", Confidence: 0.88, ResultCount: 3, LatencyMS: 35},
	}
	for _, e := range events {
		require.NoError(t, store.Record(ctx, e))
	}

	summary, err := store.Summarize(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.TotalQueries)
	assert.Equal(t, int64(1), summary.ZeroResults)
	assert.Equal(t, int64(1), summary.LLMInvoked)
	assert.InDelta(t, (40+60+20+1+35)/5.0, summary.AvgLatencyMS, 1e-9)
	assert.Greater(t, summary.P95LatencyMS, int64(0))

	counts := make(map[string]int64, len(summary.ModeCounts))
	for _, mc := range summary.ModeCounts {
		counts[mc.Mode] = mc.Count
	}
	assert.Equal(t, int64(2), counts["direct"])
	assert.Equal(t, int64(1), counts["gray"])
	assert.Equal(t, int64(1), counts["reject"])
	assert.Equal(t, int64(1), counts["no_match"])
}

func TestSummarizeEmptyStore(t *testing.T) {
	store := openTestStore(t)

	summary, err := store.Summarize(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalQueries)
	assert.Zero(t, summary.AvgLatencyMS)
	assert.Empty(t, summary.ModeCounts)
}

func TestSummarizeWindowExcludesNothingRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, Event{Query: "q", Mode: "direct", Confidence: 0.9, ResultCount: 1, LatencyMS: 10}))

	// A generous window still covers the just-written event.
	summary, err := store.Summarize(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalQueries)
}

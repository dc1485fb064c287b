// Package telemetry persists per-query metrics in SQLite.
//
// The store answers operator questions the logs cannot: how the decision
// modes distribute over time, where latency concentrates, and which
// queries return nothing.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS query_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	query       TEXT NOT NULL,
	mode        TEXT NOT NULL,
	confidence  REAL NOT NULL,
	result_count INTEGER NOT NULL,
	latency_ms  INTEGER NOT NULL,
	llm_used    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_query_events_ts ON query_events(ts);
CREATE INDEX IF NOT EXISTS idx_query_events_mode ON query_events(mode);
`

// Event is one recorded query.
type Event struct {
	Query       string
	Mode        string
	Confidence  float64
	ResultCount int
	LatencyMS   int64
	LLMUsed     bool
}

// Store writes query events to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the telemetry database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize telemetry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one event.
func (s *Store) Record(ctx context.Context, e Event) error {
	llmUsed := 0
	if e.LLMUsed {
		llmUsed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_events (ts, query, mode, confidence, result_count, latency_ms, llm_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), e.Query, e.Mode, e.Confidence, e.ResultCount, e.LatencyMS, llmUsed)
	return err
}

// ModeCount is one decision-mode bucket.
type ModeCount struct {
	Mode  string `json:"mode"`
	Count int64  `json:"count"`
}

// Summary aggregates the recorded events.
type Summary struct {
	TotalQueries  int64       `json:"total_queries"`
	ModeCounts    []ModeCount `json:"mode_counts"`
	AvgLatencyMS  float64     `json:"avg_latency_ms"`
	P95LatencyMS  int64       `json:"p95_latency_ms"`
	ZeroResults   int64       `json:"zero_results"`
	LLMInvoked    int64       `json:"llm_invoked"`
	AvgConfidence float64     `json:"avg_confidence"`
}

// Summarize aggregates events recorded in the last `window`. A zero
// window covers everything.
func (s *Store) Summarize(ctx context.Context, window time.Duration) (*Summary, error) {
	since := int64(0)
	if window > 0 {
		since = time.Now().Add(-window).Unix()
	}

	summary := &Summary{}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(latency_ms), 0),
		        COALESCE(AVG(confidence), 0),
		        COALESCE(SUM(CASE WHEN result_count = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(llm_used), 0)
		 FROM query_events WHERE ts >= ?`, since)
	if err := row.Scan(&summary.TotalQueries, &summary.AvgLatencyMS,
		&summary.AvgConfidence, &summary.ZeroResults, &summary.LLMInvoked); err != nil {
		return nil, err
	}

	if summary.TotalQueries > 0 {
		offset := (summary.TotalQueries*95)/100 - 1
		if offset < 0 {
			offset = 0
		}
		row = s.db.QueryRowContext(ctx,
			`SELECT latency_ms FROM query_events WHERE ts >= ?
			 ORDER BY latency_ms LIMIT 1 OFFSET ?`, since, offset)
		if err := row.Scan(&summary.P95LatencyMS); err != nil && err != sql.ErrNoRows {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT mode, COUNT(*) FROM query_events WHERE ts >= ?
		 GROUP BY mode ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mc ModeCount
		if err := rows.Scan(&mc.Mode, &mc.Count); err != nil {
			return nil, err
		}
		summary.ModeCounts = append(summary.ModeCounts, mc)
	}
	return summary, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

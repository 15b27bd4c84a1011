// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"modelgate/platform/shared/logger"
)

func newMockStore(t *testing.T, opts ...func(*sqlmock.Sqlmock)) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	for _, opt := range opts {
		opt(&mock)
	}
	return NewStoreWithDB(db, nil), mock
}

func TestRecordFillsDefaults(t *testing.T) {
	s := NewStore("", nil)
	defer s.Close()

	entry := &Entry{RequestID: "req-1", Decision: "allowed"}
	s.Record(entry)

	if entry.ID == "" {
		t.Error("ID should be generated")
	}
	if entry.Timestamp.IsZero() {
		t.Error("Timestamp should be stamped")
	}
}

func TestRecordBatchInsertOnClose(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO usage_records")
	for i := 0; i < 2; i++ {
		prep.ExpectExec().WithArgs(
			sqlmock.AnyArg(), // id
			"req-1",
			sqlmock.AnyArg(), // timestamp
			"alice",
			"ml",
			"allowed",
			[]byte(`["budget warning"]`),
			"anthropic",
			"claude-3-haiku",
			100,
			50,
			0.0125,
			int64(840),
			1,
			"low",
			8.5,
			"",
			"",
		).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	mock.ExpectClose()

	for i := 0; i < 2; i++ {
		s.Record(&Entry{
			RequestID:    "req-1",
			Principal:    "alice",
			Team:         "ml",
			Decision:     "allowed",
			Violations:   []string{"budget warning"},
			Provider:     "anthropic",
			Model:        "claude-3-haiku",
			PromptTokens: 100,
			OutputTokens: 50,
			CostUSD:      0.0125,
			LatencyMs:    840,
			Attempts:     1,
			RiskLevel:    "low",
			QualityScore: 8.5,
		})
	}
	s.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStopEndsPeriodicFlush(t *testing.T) {
	before := runtime.NumGoroutine()
	w := newBatchWriter(nil, 10, logger.New("audit"))
	w.stop()

	// The flush goroutine should wind down once stop closes the done
	// channel, not hang on the stopped ticker.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before {
		t.Errorf("goroutines after stop = %d, want at most %d", got, before)
	}
}

func TestSearchBuildsFilteredQuery(t *testing.T) {
	s, mock := newMockStore(t)

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "request_id", "timestamp", "principal", "team", "decision",
		"violations", "provider", "model", "prompt_tokens", "output_tokens",
		"cost_usd", "latency_ms", "attempts", "risk_level", "quality_score",
		"threat_severity", "error_message",
	}).AddRow(
		"id-1", "req-1", ts, "alice", "ml", "blocked",
		[]byte(`["content violation"]`), "anthropic", "claude-3-haiku", 100, 0,
		0.0, int64(12), 0, "high", 0.0, "high", "",
	)

	mock.ExpectQuery(`(?s)SELECT.+FROM usage_records.+principal = \$1.+decision = \$2.+ORDER BY timestamp DESC.+LIMIT 10`).
		WithArgs("alice", "blocked").
		WillReturnRows(rows)

	got, err := s.Search(context.Background(), SearchCriteria{
		Principal: "alice",
		Decision:  "blocked",
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}
	if got[0].Principal != "alice" || got[0].Decision != "blocked" {
		t.Errorf("entry = %+v", got[0])
	}
	if len(got[0].Violations) != 1 || got[0].Violations[0] != "content violation" {
		t.Errorf("violations = %v, want JSONB decoded", got[0].Violations)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSearchTimeRangeArgs(t *testing.T) {
	s, mock := newMockStore(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT.+timestamp >= \$1.+timestamp <= \$2`).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "request_id", "timestamp", "principal", "team", "decision",
			"violations", "provider", "model", "prompt_tokens", "output_tokens",
			"cost_usd", "latency_ms", "attempts", "risk_level", "quality_score",
			"threat_severity", "error_message",
		}))

	got, err := s.Search(context.Background(), SearchCriteria{StartTime: start, EndTime: end})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results = %d, want 0", len(got))
	}
}

func TestSearchNoDatabase(t *testing.T) {
	s := NewStore("", nil)
	defer s.Close()

	got, err := s.Search(context.Background(), SearchCriteria{Principal: "alice"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results = %d, want empty for a no-op store", len(got))
	}
}

func TestIsHealthy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing()

	if !s.IsHealthy() {
		t.Error("store with a reachable database should be healthy")
	}

	noop := NewStore("", nil)
	defer noop.Close()
	if !noop.IsHealthy() {
		t.Error("no-op store should always be healthy")
	}
}

// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit persists a usage record for every gateway request to
// PostgreSQL. Writes are batched off the request path; if the database
// is unavailable the store degrades to a no-op so the gateway keeps
// serving traffic.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"modelgate/platform/shared/logger"
)

const (
	defaultBatchSize  = 100
	defaultQueueDepth = 10000
	flushInterval     = 5 * time.Second
)

// Entry is a single usage record.
type Entry struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Principal      string    `json:"principal"`
	Team           string    `json:"team"`
	Decision       string    `json:"decision"` // "allowed", "warned", "blocked", "error"
	Violations     []string  `json:"violations"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	PromptTokens   int       `json:"prompt_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int64     `json:"latency_ms"`
	Attempts       int       `json:"attempts"`
	RiskLevel      string    `json:"risk_level"`
	QualityScore   float64   `json:"quality_score"`
	ThreatSeverity string    `json:"threat_severity"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// SearchCriteria filters Search results. Zero-value fields are ignored.
type SearchCriteria struct {
	Principal string
	Team      string
	Provider  string
	Decision  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Store writes usage records in batches.
type Store struct {
	db           *sql.DB
	writer       *batchWriter
	queue        chan *Entry
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	closeOnce    sync.Once
	log          *logger.Logger
}

// NewStore opens the usage database and starts the background writer.
// A connection failure yields a no-op store, never an error.
func NewStore(databaseURL string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.New("audit")
	}

	s := &Store{
		queue:        make(chan *Entry, defaultQueueDepth),
		shutdownChan: make(chan struct{}),
		log:          log,
	}

	if databaseURL == "" {
		log.Warn("", "", "No database URL configured, usage records will not be persisted", nil)
		return s
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Error("", "", fmt.Sprintf("Failed to open usage database: %v", err), nil)
		return s
	}

	if err := createUsageTable(db); err != nil {
		log.Error("", "", fmt.Sprintf("Failed to create usage table: %v", err), nil)
	}

	s.db = db
	s.writer = newBatchWriter(db, defaultBatchSize, log)

	s.wg.Add(1)
	go s.processQueue()

	return s
}

// NewStoreWithDB wraps an existing database handle. The caller owns
// table creation.
func NewStoreWithDB(db *sql.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.New("audit")
	}

	s := &Store{
		db:           db,
		writer:       newBatchWriter(db, defaultBatchSize, log),
		queue:        make(chan *Entry, defaultQueueDepth),
		shutdownChan: make(chan struct{}),
		log:          log,
	}

	s.wg.Add(1)
	go s.processQueue()

	return s
}

// Record enqueues an entry for batched persistence. It never blocks the
// request path: if the queue is full the entry is written synchronously.
func (s *Store) Record(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if s.db == nil {
		return
	}

	select {
	case s.queue <- entry:
	default:
		s.log.Warn("", "", "Usage queue full, writing entry directly", nil)
		_ = s.writer.write([]*Entry{entry})
	}
}

// IsHealthy reports whether the backing database is reachable. A no-op
// store is always healthy.
func (s *Store) IsHealthy() bool {
	if s.db == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return s.db.PingContext(ctx) == nil
}

// Search returns usage records matching the criteria, newest first.
func (s *Store) Search(ctx context.Context, criteria SearchCriteria) ([]*Entry, error) {
	if s.db == nil {
		return []*Entry{}, nil
	}

	query := `
		SELECT id, request_id, timestamp, principal, team, decision,
			   violations, provider, model, prompt_tokens, output_tokens,
			   cost_usd, latency_ms, attempts, risk_level, quality_score,
			   threat_severity, error_message
		FROM usage_records
		WHERE 1=1
	`

	args := []interface{}{}
	argIndex := 1

	addCond := func(cond string, val interface{}) {
		query += fmt.Sprintf(" AND "+cond, argIndex)
		args = append(args, val)
		argIndex++
	}

	if criteria.Principal != "" {
		addCond("principal = $%d", criteria.Principal)
	}
	if criteria.Team != "" {
		addCond("team = $%d", criteria.Team)
	}
	if criteria.Provider != "" {
		addCond("provider = $%d", criteria.Provider)
	}
	if criteria.Decision != "" {
		addCond("decision = $%d", criteria.Decision)
	}
	if !criteria.StartTime.IsZero() {
		addCond("timestamp >= $%d", criteria.StartTime)
	}
	if !criteria.EndTime.IsZero() {
		addCond("timestamp <= $%d", criteria.EndTime)
	}

	query += " ORDER BY timestamp DESC"
	if criteria.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", criteria.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var violationsJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.Timestamp,
			&entry.Principal,
			&entry.Team,
			&entry.Decision,
			&violationsJSON,
			&entry.Provider,
			&entry.Model,
			&entry.PromptTokens,
			&entry.OutputTokens,
			&entry.CostUSD,
			&entry.LatencyMs,
			&entry.Attempts,
			&entry.RiskLevel,
			&entry.QualityScore,
			&entry.ThreatSeverity,
			&entry.ErrorMessage,
		)
		if err != nil {
			s.log.Error("", "", fmt.Sprintf("Error scanning usage record: %v", err), nil)
			continue
		}

		_ = json.Unmarshal(violationsJSON, &entry.Violations)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Close flushes pending entries and closes the database.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdownChan)
		if s.db != nil {
			s.wg.Wait()
			s.writer.stop()
			_ = s.db.Close()
		}
	})
}

func (s *Store) processQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			s.writer.add(entry)
		case <-ticker.C:
			s.writer.flush()
		case <-s.shutdownChan:
			for {
				select {
				case entry := <-s.queue:
					s.writer.add(entry)
				default:
					s.writer.flush()
					return
				}
			}
		}
	}
}

// batchWriter accumulates entries and writes them in a single
// transaction once the batch fills or a flush is requested.
type batchWriter struct {
	db          *sql.DB
	batchSize   int
	flushTicker *time.Ticker
	done        chan struct{}
	entries     []*Entry
	mu          sync.Mutex
	log         *logger.Logger
}

func newBatchWriter(db *sql.DB, batchSize int, log *logger.Logger) *batchWriter {
	w := &batchWriter{
		db:          db,
		batchSize:   batchSize,
		entries:     make([]*Entry, 0, batchSize),
		flushTicker: time.NewTicker(10 * time.Second),
		done:        make(chan struct{}),
		log:         log,
	}

	go w.periodicFlush()

	return w
}

func (w *batchWriter) periodicFlush() {
	for {
		select {
		case <-w.flushTicker.C:
			w.flush()
		case <-w.done:
			return
		}
	}
}

func (w *batchWriter) stop() {
	w.flushTicker.Stop()
	close(w.done)
	w.flush()
}

func (w *batchWriter) add(entry *Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry)

	if len(w.entries) >= w.batchSize {
		w.flushLocked()
	}
}

func (w *batchWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *batchWriter) flushLocked() {
	if len(w.entries) == 0 {
		return
	}

	if err := w.write(w.entries); err != nil {
		w.log.Error("", "", fmt.Sprintf("Failed to write usage batch: %v", err), nil)
	}

	w.entries = w.entries[:0]
}

func (w *batchWriter) write(entries []*Entry) error {
	if w.db == nil {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO usage_records (
			id, request_id, timestamp, principal, team, decision,
			violations, provider, model, prompt_tokens, output_tokens,
			cost_usd, latency_ms, attempts, risk_level, quality_score,
			threat_severity, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		violationsJSON, _ := json.Marshal(entry.Violations)

		_, err = stmt.Exec(
			entry.ID,
			entry.RequestID,
			entry.Timestamp,
			entry.Principal,
			entry.Team,
			entry.Decision,
			violationsJSON,
			entry.Provider,
			entry.Model,
			entry.PromptTokens,
			entry.OutputTokens,
			entry.CostUSD,
			entry.LatencyMs,
			entry.Attempts,
			entry.RiskLevel,
			entry.QualityScore,
			entry.ThreatSeverity,
			entry.ErrorMessage,
		)
		if err != nil {
			w.log.Error("", "", fmt.Sprintf("Failed to insert usage record: %v", err), nil)
		}
	}

	return tx.Commit()
}

func createUsageTable(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			principal TEXT NOT NULL DEFAULT '',
			team TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			violations JSONB,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			prompt_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			risk_level TEXT NOT NULL DEFAULT '',
			quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			threat_severity TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records (timestamp);
		CREATE INDEX IF NOT EXISTS idx_usage_records_principal ON usage_records (principal);
		CREATE INDEX IF NOT EXISTS idx_usage_records_team ON usage_records (team);
	`

	_, err := db.Exec(schema)
	return err
}

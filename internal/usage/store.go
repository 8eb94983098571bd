// Package usage is the append-only ledger of model token usage and
// capability invocations. Records are indexed by timestamp, session, and
// query for aggregation.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the token usage of one model backend call.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	QueryID      string
	Phase        string // "initial", "final"
	Model        string
	InputTokens  int
	OutputTokens int
	DurationMS   int64
}

// Invocation is one dispatched capability request.
type Invocation struct {
	ID         string
	Timestamp  time.Time
	SessionID  string
	QueryID    string
	ToolCallID string
	Tool       string
	Server     string
	DurationMS int64
	IsError    bool
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int   `json:"total_records"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// InvocationCount aggregates invocations of one capability.
type InvocationCount struct {
	Tool   string `json:"tool"`
	Server string `json:"server"`
	Calls  int    `json:"calls"`
	Errors int    `json:"errors"`
}

// Store is an append-only SQLite ledger. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// NewStore opens the ledger at dbPath. The schema is created on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, ownsDB: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// NewStoreDB builds a ledger on an already-open database. Close leaves
// db open.
func NewStoreDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		query_id      TEXT,
		phase         TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_query ON usage_records(query_id);

	CREATE TABLE IF NOT EXISTS invocations (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		session_id   TEXT,
		query_id     TEXT,
		tool_call_id TEXT,
		tool         TEXT NOT NULL,
		server       TEXT NOT NULL,
		duration_ms  INTEGER NOT NULL,
		is_error     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_query ON invocations(query_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, query_id, phase, model,
			 input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.SessionID,
		rec.QueryID,
		rec.Phase,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordInvocation persists one capability invocation.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate invocation ID: %w", err)
		}
		inv.ID = id
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations
			(id, timestamp, session_id, query_id, tool_call_id, tool, server, duration_ms, is_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		formatTime(inv.Timestamp),
		inv.SessionID,
		inv.QueryID,
		inv.ToolCallID,
		inv.Tool,
		inv.Server,
		inv.DurationMS,
		inv.IsError,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(start),
		formatTime(end),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByPhase returns per-phase totals for records within [start, end).
func (s *Store) SummaryByPhase(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("phase", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.Query(query, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// InvocationCounts returns per-capability call and error counts within
// [start, end), busiest first.
func (s *Store) InvocationCounts(start, end time.Time) ([]InvocationCount, error) {
	rows, err := s.db.Query(
		`SELECT tool, server, COUNT(*), COALESCE(SUM(is_error), 0)
		 FROM invocations
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool, server
		 ORDER BY COUNT(*) DESC, tool`,
		formatTime(start),
		formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query invocation counts: %w", err)
	}
	defer rows.Close()

	var out []InvocationCount
	for rows.Next() {
		var c InvocationCount
		if err := rows.Scan(&c.Tool, &c.Server, &c.Calls, &c.Errors); err != nil {
			return nil, fmt.Errorf("scan invocation counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStoreDB(db)
	if err != nil {
		t.Fatalf("NewStoreDB: %v", err)
	}
	return s
}

func TestNewStore_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	defer s.Close()

	if err := s.Record(context.Background(), Record{Phase: "initial", Model: "m", InputTokens: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	sum, err := s.Summary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, SessionID: "sess-1", QueryID: "q1", Phase: "initial", Model: "claude-a", InputTokens: 1000, OutputTokens: 500},
		{Timestamp: now, SessionID: "sess-1", QueryID: "q1", Phase: "final", Model: "claude-a", InputTokens: 2000, OutputTokens: 100},
		{Timestamp: now, SessionID: "sess-1", QueryID: "q2", Phase: "initial", Model: "claude-b", InputTokens: 300, OutputTokens: 40},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3300 || sum.TotalOutputTokens != 640 {
		t.Errorf("tokens = %d/%d, want 3300/640", sum.TotalInputTokens, sum.TotalOutputTokens)
	}

	byModel, err := s.SummaryByModel(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel["claude-a"] == nil || byModel["claude-a"].TotalRecords != 2 {
		t.Errorf("claude-a = %+v", byModel["claude-a"])
	}

	byPhase, err := s.SummaryByPhase(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByPhase: %v", err)
	}
	if byPhase["initial"] == nil || byPhase["initial"].TotalInputTokens != 1300 {
		t.Errorf("initial = %+v", byPhase["initial"])
	}
}

func TestSummary_TimeWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	for _, ts := range []time.Time{old, now} {
		if err := s.Record(ctx, Record{Timestamp: ts, Phase: "initial", Model: "m", InputTokens: 10}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-24*time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (old record excluded)", sum.TotalRecords)
	}
}

func TestSummary_Empty(t *testing.T) {
	s := testStore(t)
	sum, err := s.Summary(time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 || sum.TotalInputTokens != 0 {
		t.Errorf("empty summary = %+v", sum)
	}
}

func TestInvocationCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	invs := []Invocation{
		{Timestamp: now, QueryID: "q1", Tool: "echo", Server: "echo", DurationMS: 3},
		{Timestamp: now, QueryID: "q1", Tool: "echo", Server: "echo", DurationMS: 4, IsError: true},
		{Timestamp: now, QueryID: "q1", Tool: "echo", Server: "echo", DurationMS: 2},
		{Timestamp: now, QueryID: "q2", Tool: "now", Server: "clock", DurationMS: 1},
	}
	for _, inv := range invs {
		if err := s.RecordInvocation(ctx, inv); err != nil {
			t.Fatalf("RecordInvocation: %v", err)
		}
	}

	counts, err := s.InvocationCounts(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("InvocationCounts: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("got %d rows, want 2", len(counts))
	}
	if counts[0] != (InvocationCount{Tool: "echo", Server: "echo", Calls: 3, Errors: 1}) {
		t.Errorf("counts[0] = %+v", counts[0])
	}
	if counts[1] != (InvocationCount{Tool: "now", Server: "clock", Calls: 1}) {
		t.Errorf("counts[1] = %+v", counts[1])
	}
}

func TestRecord_GeneratesIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for range 2 {
		if err := s.Record(ctx, Record{Phase: "initial", Model: "m"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM usage_records`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("distinct ids = %d, want 2", n)
	}
}

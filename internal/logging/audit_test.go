package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tempDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAuditFlushToSQL(t *testing.T) {
	db := tempDB(t)
	sink, err := NewSQLSink(db)
	if err != nil {
		t.Fatalf("NewSQLSink: %v", err)
	}
	a := NewAuditLog(100, 10, quietLogger(), sink)

	a.Record(AuditEntry{
		Decision:  "queue",
		RequestID: "req-1",
		Kind:      "autonomy_adjustment",
		Origin:    "external",
		RiskScore: 0.86,
		Breakdown: map[string]float64{"base": 0.9, "impact": 1},
		Reasons:   []string{"risk 0.86 >= escalation threshold 0.80"},
	})
	a.Record(AuditEntry{Decision: "auto_approve", Kind: "storage_optimization", RiskScore: 0.08, Version: 2})

	if a.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", a.Pending())
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("expected empty buffer after flush")
	}

	got, err := sink.Query(context.Background(), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	queued := got[1]
	if queued.Decision != "queue" || queued.RequestID != "req-1" || queued.Breakdown["base"] != 0.9 || len(queued.Reasons) != 1 {
		t.Fatalf("row not round-tripped: %+v", queued)
	}
	if got[0].Version != 2 {
		t.Fatalf("expected version 2 on newest row, got %d", got[0].Version)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Write(context.Context, []AuditEntry) error {
	f.calls++
	return errors.New("disk full")
}

func TestAuditFlushFailureKeepsEntries(t *testing.T) {
	fs := &failingSink{}
	a := NewAuditLog(100, 10, quietLogger(), fs)
	a.Record(AuditEntry{Decision: "reject"})
	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if a.Pending() != 1 {
		t.Fatalf("failed flush must keep the entry buffered, pending=%d", a.Pending())
	}
}

func TestAuditAutoFlushAndRecent(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLog(2, 3, quietLogger(), NewJSONLSink(&buf))
	for _, d := range []string{"a", "b", "c", "d"} {
		a.Record(AuditEntry{Decision: d})
	}

	sc := bufio.NewScanner(&buf)
	lines := 0
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Fatalf("id and timestamp must be filled: %+v", e)
		}
		lines++
	}
	if lines != 4 {
		t.Fatalf("expected 4 auto-flushed lines, got %d", lines)
	}

	recent := a.Recent(0)
	if len(recent) != 3 || recent[2].Decision != "d" {
		t.Fatalf("unexpected recent window %+v", recent)
	}
}

func TestNewLoggerFanout(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	logger, closer, err := NewLogger(Config{Level: "debug", Dir: dir, Service: "evolve-test"}, &stderr)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(stderr.String(), "hello") {
		t.Fatalf("text handler missed record: %q", stderr.String())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "evolve-test_*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one log file, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("json handler missed record: %q", data)
	}
}

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// #region schema
const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	decision       TEXT NOT NULL,
	request_id     TEXT,
	kind           TEXT,
	origin         TEXT,
	risk_score     REAL NOT NULL,
	breakdown_json TEXT,
	reasons_json   TEXT,
	reviewer       TEXT,
	version        INTEGER,
	created_at     TEXT NOT NULL
);
`
// #endregion schema

// #region sql-sink
// SQLSink appends audit entries to the audit_log table.
type SQLSink struct {
	db *sqlx.DB
}

// NewSQLSink creates the audit_log table if needed.
func NewSQLSink(db *sqlx.DB) (*SQLSink, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("migrate audit_log: %w", err)
	}
	return &SQLSink{db: db}, nil
}

// Write inserts entries in one transaction. Re-delivered ids are ignored.
func (s *SQLSink) Write(ctx context.Context, entries []AuditEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		breakdown, err := marshalOrNil(e.Breakdown)
		if err != nil {
			return err
		}
		reasons, err := marshalOrNil(e.Reasons)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log
			 (id, decision, request_id, kind, origin, risk_score, breakdown_json, reasons_json, reviewer, version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			e.ID, e.Decision, nullIfEmpty(e.RequestID), nullIfEmpty(e.Kind), nullIfEmpty(e.Origin),
			e.RiskScore, breakdown, reasons, nullIfEmpty(e.Reviewer), e.Version,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("log audit entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type auditRow struct {
	ID            string  `db:"id"`
	Decision      string  `db:"decision"`
	RequestID     *string `db:"request_id"`
	Kind          *string `db:"kind"`
	Origin        *string `db:"origin"`
	RiskScore     float64 `db:"risk_score"`
	BreakdownJSON *string `db:"breakdown_json"`
	ReasonsJSON   *string `db:"reasons_json"`
	Reviewer      *string `db:"reviewer"`
	Version       *int64  `db:"version"`
	CreatedAt     string  `db:"created_at"`
}

// Query returns up to limit of the newest persisted entries, newest first.
func (s *SQLSink) Query(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, decision, request_id, kind, origin, risk_score, breakdown_json,
		        reasons_json, reviewer, version, created_at
		 FROM audit_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := AuditEntry{
			ID:        r.ID,
			Decision:  r.Decision,
			RequestID: deref(r.RequestID),
			Kind:      deref(r.Kind),
			Origin:    deref(r.Origin),
			RiskScore: r.RiskScore,
			Reviewer:  deref(r.Reviewer),
		}
		if r.Version != nil {
			e.Version = *r.Version
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
		if r.BreakdownJSON != nil {
			_ = json.Unmarshal([]byte(*r.BreakdownJSON), &e.Breakdown)
		}
		if r.ReasonsJSON != nil {
			_ = json.Unmarshal([]byte(*r.ReasonsJSON), &e.Reasons)
		}
		out = append(out, e)
	}
	return out, nil
}
// #endregion sql-sink

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalOrNil[T any](v T) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit field: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}
// #endregion helpers

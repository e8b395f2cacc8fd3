package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrNoState is returned when the store has never committed a document.
	ErrNoState = errors.New("no state committed")
	// ErrSnapshotNotFound is returned for unknown snapshot ids.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	version       INTEGER NOT NULL,
	fitness_score REAL NOT NULL,
	checksum      TEXT NOT NULL,
	body          BLOB NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_document (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	seq           INTEGER NOT NULL,
	FOREIGN KEY (seq) REFERENCES documents(seq)
);

CREATE TABLE IF NOT EXISTS mutation_records (
	seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
	id                   TEXT NOT NULL UNIQUE,
	kind                 TEXT NOT NULL,
	description          TEXT NOT NULL,
	fitness_delta        REAL NOT NULL,
	risk_score           REAL NOT NULL,
	resulting_version    INTEGER NOT NULL,
	origin               TEXT NOT NULL,
	auto_approved        INTEGER NOT NULL,
	rollback_snapshot_id TEXT,
	created_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	version       INTEGER NOT NULL,
	checksum      TEXT NOT NULL,
	body          BLOB NOT NULL,
	taken_at      TEXT NOT NULL
);
`
// #endregion schema

// #region store-struct
// Store is the local SQLite home of documents, the mutation record stream and snapshots.
type Store struct {
	db *sqlx.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps writers from tripping SQLITE_BUSY against each other.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for packages that keep their own tables (audit, history, checkpoints).
func (s *Store) DB() *sqlx.DB {
	return s.db
}
// #endregion constructor

// #region commit
// CommitDocument stores doc, makes it active and appends rec (if non-nil) in one transaction.
func (s *Store) CommitDocument(ctx context.Context, doc *SystemState, rec *MutationRecord) error {
	body, err := Seal(EnvelopeState, doc, doc.LastModified)
	if err != nil {
		return err
	}
	env, err := Peek(body)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (version, fitness_score, checksum, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.Version, doc.FitnessScore, env.Checksum, body, time.Now().UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("document seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_document (id, seq) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET seq = excluded.seq`,
		seq,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	if rec != nil {
		if err := insertRecord(ctx, tx, *rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sqlx.Tx, rec MutationRecord) error {
	auto := 0
	if rec.AutoApproved {
		auto = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO mutation_records
		 (id, kind, description, fitness_delta, risk_score, resulting_version, origin, auto_approved, rollback_snapshot_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(rec.Kind), rec.Description, rec.FitnessDelta, rec.RiskScore,
		rec.ResultingVersion, string(rec.Origin), auto, nullIfEmpty(rec.RollbackSnapshotID),
		rec.Timestamp.UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}
// #endregion commit

// #region read-documents
// Current returns the active document, or ErrNoState.
func (s *Store) Current(ctx context.Context) (*SystemState, error) {
	var body []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT d.body FROM documents d
		 JOIN active_document a ON a.seq = d.seq
		 WHERE a.id = 1`,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("get active: %w", err)
	}
	var doc SystemState
	if _, err := Unseal(body, &doc); err != nil {
		return nil, fmt.Errorf("active document: %w", err)
	}
	return &doc, nil
}

// DocumentRow is the listing view of a committed document.
type DocumentRow struct {
	Seq          int64   `db:"seq" json:"seq"`
	Version      int64   `db:"version" json:"version"`
	FitnessScore float64 `db:"fitness_score" json:"fitness_score"`
	Checksum     string  `db:"checksum" json:"checksum"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
}

// ListDocuments returns committed documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]DocumentRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []DocumentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seq, version, fitness_score, checksum, created_at
		 FROM documents ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return rows, nil
}

// FirstDocument returns the oldest committed document, the base for replay.
func (s *Store) FirstDocument(ctx context.Context) (*SystemState, error) {
	var body []byte
	err := s.db.QueryRowxContext(ctx, `SELECT body FROM documents ORDER BY seq ASC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("first document: %w", err)
	}
	var doc SystemState
	if _, err := Unseal(body, &doc); err != nil {
		return nil, fmt.Errorf("first document: %w", err)
	}
	return &doc, nil
}
// #endregion read-documents

// #region records
type recordRow struct {
	ID                 string         `db:"id"`
	Kind               string         `db:"kind"`
	Description        string         `db:"description"`
	FitnessDelta       float64        `db:"fitness_delta"`
	RiskScore          float64        `db:"risk_score"`
	ResultingVersion   int64          `db:"resulting_version"`
	Origin             string         `db:"origin"`
	AutoApproved       bool           `db:"auto_approved"`
	RollbackSnapshotID sql.NullString `db:"rollback_snapshot_id"`
	CreatedAt          string         `db:"created_at"`
}

func (r recordRow) toRecord() MutationRecord {
	ts, _ := time.Parse(tsFormat, r.CreatedAt)
	return MutationRecord{
		ID:                 r.ID,
		Timestamp:          ts,
		Kind:               Kind(r.Kind),
		Description:        r.Description,
		FitnessDelta:       r.FitnessDelta,
		RiskScore:          r.RiskScore,
		ResultingVersion:   r.ResultingVersion,
		Origin:             Origin(r.Origin),
		AutoApproved:       r.AutoApproved,
		RollbackSnapshotID: r.RollbackSnapshotID.String,
	}
}

// Records returns the full mutation record stream in append order.
func (s *Store) Records(ctx context.Context) ([]MutationRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, kind, description, fitness_delta, risk_score, resulting_version,
		        origin, auto_approved, rollback_snapshot_id, created_at
		 FROM mutation_records ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]MutationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// RecordCount returns the length of the record stream.
func (s *Store) RecordCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM mutation_records`); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
// #endregion records

// #region snapshots
// PutSnapshot stores snap, replacing any previous copy with the same id.
func (s *Store) PutSnapshot(ctx context.Context, snap Snapshot) error {
	body, err := Seal(EnvelopeSnapshot, snap, snap.TakenAt)
	if err != nil {
		return err
	}
	version := int64(0)
	if snap.State != nil {
		version = snap.State.Version
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, kind, version, checksum, body, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body, checksum = excluded.checksum`,
		snap.ID, string(snap.Kind), version, snap.Checksum, body, snap.TakenAt.UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshot loads a snapshot and verifies its envelope.
func (s *Store) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var body []byte
	err := s.db.QueryRowxContext(ctx, `SELECT body FROM snapshots WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if _, err := Unseal(body, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns stored snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, version, checksum, taken_at FROM snapshots ORDER BY taken_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var kind, takenAt string
		if err := rows.Scan(&info.ID, &kind, &info.Version, &info.Checksum, &takenAt); err != nil {
			return nil, err
		}
		info.Kind = Kind(kind)
		info.TakenAt, _ = time.Parse(tsFormat, takenAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot. Missing ids are not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}
// #endregion snapshots

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers

// tsFormat is fixed width so text ordering matches time ordering.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

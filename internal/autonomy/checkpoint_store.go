package autonomy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS workflow_checkpoints (
    workflow_id TEXT PRIMARY KEY,
    step_index  INTEGER NOT NULL,
    results     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
`

// #region sql
// SQLCheckpointStore keeps one row per workflow in SQLite.
type SQLCheckpointStore struct {
	db *sqlx.DB
}

// NewSQLCheckpointStore creates the workflow_checkpoints table if needed.
func NewSQLCheckpointStore(db *sqlx.DB) (*SQLCheckpointStore, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fmt.Errorf("create workflow_checkpoints: %w", err)
	}
	return &SQLCheckpointStore{db: db}, nil
}

// SaveCheckpoint replaces the stored boundary for cp.WorkflowID.
func (s *SQLCheckpointStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	results, err := json.Marshal(cp.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (workflow_id, step_index, results, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			step_index = excluded.step_index,
			results    = excluded.results,
			created_at = excluded.created_at`,
		cp.WorkflowID, cp.StepIndex, string(results), cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.WorkflowID, err)
	}
	return nil
}

type checkpointRow struct {
	WorkflowID string `db:"workflow_id"`
	StepIndex  int    `db:"step_index"`
	Results    string `db:"results"`
	CreatedAt  string `db:"created_at"`
}

// LoadCheckpoint returns ErrNoCheckpoint when the workflow never committed a boundary.
func (s *SQLCheckpointStore) LoadCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT workflow_id, step_index, results, created_at
		FROM workflow_checkpoints WHERE workflow_id = ?`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%s: %w", workflowID, ErrNoCheckpoint)
	}
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{WorkflowID: row.WorkflowID, StepIndex: row.StepIndex}
	if err := json.Unmarshal([]byte(row.Results), &cp.Results); err != nil {
		return Checkpoint{}, fmt.Errorf("decode results for %s: %w", workflowID, err)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, row.CreatedAt)
	return cp, nil
}
// #endregion sql

// #region memory
// MemoryCheckpointStore is the in-process store used when no database is configured.
type MemoryCheckpointStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cps: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpointStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.Results = slices.Clone(cp.Results)
	m.cps[cp.WorkflowID] = cp
	return nil
}

func (m *MemoryCheckpointStore) LoadCheckpoint(_ context.Context, workflowID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[workflowID]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%s: %w", workflowID, ErrNoCheckpoint)
	}
	cp.Results = slices.Clone(cp.Results)
	return cp, nil
}
// #endregion memory

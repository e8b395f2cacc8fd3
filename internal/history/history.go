// Package history keeps per-kind mutation outcomes and summarises them as
// decay-weighted failure rates for the risk assessor.
package history

// #region imports
import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/danielpatrickdp/evolution-engine/internal/risk"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #endregion

// #region schema

const kindOutcomesSchema = `
CREATE TABLE IF NOT EXISTS kind_outcomes (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    kind          TEXT NOT NULL,
    origin        TEXT NOT NULL,
    success       INTEGER NOT NULL,
    fitness_delta REAL NOT NULL DEFAULT 0,
    reason        TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);
`

const kindOutcomesIndex = `
CREATE INDEX IF NOT EXISTS idx_kind_outcomes_kind ON kind_outcomes(kind);
`

// #endregion

// #region memory-struct

// Outcome is one applied or failed mutation attempt.
type Outcome struct {
	Kind         state.Kind
	Origin       state.Origin
	Success      bool
	FitnessDelta float64
	Reason       string
	At           time.Time
}

// Memory persists outcomes in SQLite.
type Memory struct {
	db       *sqlx.DB
	halfLife time.Duration
	now      func() time.Time
}

// NewMemory initializes the kind_outcomes table. halfLife controls decay; zero means 7 days.
func NewMemory(db *sqlx.DB, halfLife time.Duration) (*Memory, error) {
	if _, err := db.Exec(kindOutcomesSchema); err != nil {
		return nil, err
	}
	if _, err := db.Exec(kindOutcomesIndex); err != nil {
		return nil, err
	}
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	return &Memory{db: db, halfLife: halfLife, now: time.Now}, nil
}

// #endregion

// #region record-outcome

// RecordOutcome persists a single outcome row.
func (m *Memory) RecordOutcome(ctx context.Context, o Outcome) error {
	success := 0
	if o.Success {
		success = 1
	}
	if o.At.IsZero() {
		o.At = m.now()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO kind_outcomes (kind, origin, success, fitness_delta, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(o.Kind), string(o.Origin), success, o.FitnessDelta, o.Reason,
		o.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// #endregion

// #region kind-history

// KindHistory returns the decay-weighted failure rate for kind. Samples is
// the raw row count so the assessor can apply its own minimum.
func (m *Memory) KindHistory(ctx context.Context, kind state.Kind) (risk.KindHistory, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT success, created_at FROM kind_outcomes WHERE kind = ?`, string(kind))
	if err != nil {
		return risk.KindHistory{}, err
	}
	defer rows.Close()

	now := m.now()
	halfLifeHours := m.halfLife.Hours()
	var failWeight, totalWeight float64
	count := 0

	for rows.Next() {
		var success int
		var createdAtStr string
		if err := rows.Scan(&success, &createdAtStr); err != nil {
			return risk.KindHistory{}, err
		}
		createdAt, err := time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			continue
		}
		ageHours := math.Max(0, now.Sub(createdAt).Hours())
		weight := math.Exp(-ageHours / halfLifeHours)
		if success == 0 {
			failWeight += weight
		}
		totalWeight += weight
		count++
	}
	if err := rows.Err(); err != nil {
		return risk.KindHistory{}, err
	}
	if totalWeight == 0 {
		return risk.KindHistory{Samples: count}, nil
	}
	return risk.KindHistory{Samples: count, FailureRate: failWeight / totalWeight}, nil
}

// #endregion

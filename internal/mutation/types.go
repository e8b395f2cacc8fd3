package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region errors
var (
	// ErrValidation: blocking proposal error, no state change.
	ErrValidation = errors.New("validation failed")
	// ErrInvariant: the transformed working copy broke an invariant and was discarded.
	ErrInvariant = errors.New("invariant violation")
	// ErrApply: the transform failed or panicked; the pre-image was restored.
	ErrApply = errors.New("apply failed")
	// ErrTainted: restoring the pre-image failed. No mutation is accepted until ClearTaint.
	ErrTainted = errors.New("state tainted")
	// ErrClosed: the engine is shutting down.
	ErrClosed = errors.New("engine closed")
	// ErrSnapshotNotFound: rollback target no longer exists.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrRollbackVersion: rollback target would not reduce the version.
	ErrRollbackVersion = errors.New("rollback must reduce version")
)

// RejectionError is the structured rejection returned to callers.
type RejectionError struct {
	Err     error
	Reasons []string
}

func (e *RejectionError) Error() string {
	if len(e.Reasons) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, strings.Join(e.Reasons, "; "))
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, reasons ...string) *RejectionError {
	return &RejectionError{Err: err, Reasons: reasons}
}

// Reasons extracts the reason list from err, falling back to its message.
func Reasons(err error) []string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		if len(rej.Reasons) > 0 {
			return rej.Reasons
		}
		return []string{rej.Err.Error()}
	}
	if err == nil {
		return nil
	}
	return []string{err.Error()}
}

// Class names the error taxonomy bucket for metrics and audit.
func Class(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrTainted):
		return "tainted"
	case errors.Is(err, ErrApply):
		return "apply"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrSnapshotNotFound), errors.Is(err, ErrRollbackVersion):
		return "rollback"
	}
	return "other"
}
// #endregion errors

// #region stage
// Stage is the position of a mutation in the apply state machine.
type Stage string

const (
	StageProposed             Stage = "proposed"
	StageValidated            Stage = "validated"
	StageSnapshotted          Stage = "snapshotted"
	StageApplied              Stage = "applied"
	StageVerified             Stage = "verified"
	StagePersisted            Stage = "persisted"
	StagePersistedWithWarning Stage = "persisted_with_warning"
	StageRolledBack           Stage = "rolled_back"
	StageRejected             Stage = "rejected"
)
// #endregion stage

// #region request-outcome
// Request is an approved proposal handed to the engine.
type Request struct {
	Proposal     state.Proposal
	RiskScore    float64
	AutoApproved bool
}

// Outcome describes an apply attempt. Stage is StageVerified on success: the
// document is visible and persistence is in flight.
type Outcome struct {
	Applied      bool                 `json:"applied"`
	Version      int64                `json:"version"`
	FitnessDelta float64              `json:"fitness_delta"`
	Record       state.MutationRecord `json:"record"`
	SnapshotID   string               `json:"snapshot_id,omitempty"`
	Stage        Stage                `json:"stage"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// RollbackResult describes a rollback attempt.
type RollbackResult struct {
	Success         bool   `json:"success"`
	RestoredVersion int64  `json:"restored_version,omitempty"`
	Error           string `json:"error,omitempty"`
}
// #endregion request-outcome

// #region persister
// Commit is one unit of persistence work, delivered in apply order.
type Commit struct {
	State    *state.SystemState
	Record   state.MutationRecord
	Snapshot *state.Snapshot
}

// Persister writes commits durably. A returned error downgrades the commit to
// StagePersistedWithWarning; it never undoes the in-memory swap.
type Persister interface {
	Persist(ctx context.Context, c Commit) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, c Commit) error

func (f PersisterFunc) Persist(ctx context.Context, c Commit) error { return f(ctx, c) }
// #endregion persister

// #region config
// Config tunes the engine.
type Config struct {
	// HistoryWindow bounds MutationHistory kept in the in-memory document. The
	// record stream in the store is never truncated.
	HistoryWindow int `yaml:"history_window" validate:"gte=1"`
	// PersistQueue is the buffer between the writer and the persistence worker.
	PersistQueue int `yaml:"persist_queue" validate:"gte=1"`
	// StageMemory is how many recent persistence stages are kept for lookup.
	StageMemory int `yaml:"stage_memory" validate:"gte=1"`
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{HistoryWindow: 200, PersistQueue: 64, StageMemory: 256}
}
// #endregion config

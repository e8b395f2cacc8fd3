package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// #region kind
// Kind is the category of a structural change. The set is closed.
type Kind string

const (
	KindCommunication Kind = "communication_enhancement"
	KindStorage       Kind = "storage_optimization"
	KindIntelligence  Kind = "intelligence_upgrade"
	KindProtocol      Kind = "protocol_evolution"
	KindAutonomy      Kind = "autonomy_adjustment"
	KindProvider      Kind = "provider_addition"
	KindPlugin        Kind = "plugin_integration"

	// KindRollback is only ever written by the engine; it is never a valid proposal kind.
	KindRollback Kind = "rollback"
)

// ProposalKinds lists every kind a proposal may carry.
func ProposalKinds() []Kind {
	return []Kind{
		KindCommunication,
		KindStorage,
		KindIntelligence,
		KindProtocol,
		KindAutonomy,
		KindProvider,
		KindPlugin,
	}
}

// Proposable reports whether k may appear in a proposal.
func (k Kind) Proposable() bool {
	return slices.Contains(ProposalKinds(), k)
}
// #endregion kind

// #region origin
// Origin identifies the actor that produced a proposal.
type Origin string

const (
	OriginSystem       Origin = "system"
	OriginTrustedAgent Origin = "trusted_agent"
	OriginUnknownAgent Origin = "unknown_agent"
	OriginExternal     Origin = "external"
)

// Valid reports whether o is one of the known trust tiers.
func (o Origin) Valid() bool {
	switch o {
	case OriginSystem, OriginTrustedAgent, OriginUnknownAgent, OriginExternal:
		return true
	}
	return false
}

// ParseOrigin maps free text onto an origin. Unrecognised values fall to external.
func ParseOrigin(s string) Origin {
	o := Origin(s)
	if o.Valid() {
		return o
	}
	return OriginExternal
}
// #endregion origin

// #region traits
// Traits is the configuration surface that mutations change.
type Traits struct {
	CommunicationChannels int             `json:"communication_channels"`
	StorageBackends       int             `json:"storage_backends"`
	IntelligenceLevel     int             `json:"intelligence_level"`
	ProtocolVersion       int             `json:"protocol_version"`
	AutonomyLevel         float64         `json:"autonomy_level"`
	Providers             []string        `json:"providers"`
	Plugins               []string        `json:"plugins"`
	Features              map[string]bool `json:"features"`
}

// Clone returns a deep copy.
func (t Traits) Clone() Traits {
	out := t
	out.Providers = slices.Clone(t.Providers)
	out.Plugins = slices.Clone(t.Plugins)
	if t.Features != nil {
		out.Features = make(map[string]bool, len(t.Features))
		for k, v := range t.Features {
			out.Features[k] = v
		}
	}
	return out
}
// #endregion traits

// #region mutation-record
// MutationRecord is the permanent ledger entry for an applied change.
type MutationRecord struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Kind               Kind      `json:"kind"`
	Description        string    `json:"description"`
	FitnessDelta       float64   `json:"fitness_delta"`
	RiskScore          float64   `json:"risk_score"`
	ResultingVersion   int64     `json:"resulting_version"`
	Origin             Origin    `json:"origin"`
	AutoApproved       bool      `json:"auto_approved"`
	RollbackSnapshotID string    `json:"rollback_snapshot_id,omitempty"`
}
// #endregion mutation-record

// #region system-state
// SystemState is the single evolving document. Instances reachable from the
// engine are never modified in place; changes go through Clone.
type SystemState struct {
	Version         int64            `json:"version"`
	FitnessScore    float64          `json:"fitness_score"`
	Traits          Traits           `json:"traits"`
	MutationHistory []MutationRecord `json:"mutation_history"`
	CreatedAt       time.Time        `json:"created_at"`
	LastModified    time.Time        `json:"last_modified"`
}

// Clone returns a deep copy of s.
func (s *SystemState) Clone() *SystemState {
	if s == nil {
		return nil
	}
	out := *s
	out.Traits = s.Traits.Clone()
	out.MutationHistory = slices.Clone(s.MutationHistory)
	return &out
}

// LastRecord returns the newest history entry, if any.
func (s *SystemState) LastRecord() (MutationRecord, bool) {
	if len(s.MutationHistory) == 0 {
		return MutationRecord{}, false
	}
	return s.MutationHistory[len(s.MutationHistory)-1], true
}

// Checksum hashes the canonical JSON form of the document.
func (s *SystemState) Checksum() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return Checksum(b), nil
}

// Default returns the first-boot document.
func Default(now time.Time) *SystemState {
	now = now.UTC()
	return &SystemState{
		Version:      1,
		FitnessScore: 50,
		Traits: Traits{
			CommunicationChannels: 1,
			StorageBackends:       1,
			IntelligenceLevel:     1,
			ProtocolVersion:       1,
			AutonomyLevel:         0.3,
			Providers:             []string{},
			Plugins:               []string{},
			Features:              map[string]bool{},
		},
		MutationHistory: []MutationRecord{},
		CreatedAt:       now,
		LastModified:    now,
	}
}
// #endregion system-state

// #region proposal
// Proposal is a requested change. RiskScore, when present, is advisory only.
type Proposal struct {
	Kind                 Kind              `json:"kind"`
	Description          string            `json:"description"`
	ExpectedFitnessDelta float64           `json:"expected_fitness_delta"`
	RiskScore            *float64          `json:"risk_score,omitempty"`
	Origin               Origin            `json:"origin"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}
// #endregion proposal

// #region snapshot
// Snapshot is an immutable pre-image of the document.
type Snapshot struct {
	ID       string       `json:"id"`
	Kind     Kind         `json:"kind"`
	TakenAt  time.Time    `json:"taken_at"`
	State    *SystemState `json:"state"`
	Checksum string       `json:"checksum"`
}

// Verify recomputes the state checksum and compares it with the stored one.
func (s Snapshot) Verify() error {
	if s.State == nil {
		return fmt.Errorf("snapshot %s: %w", s.ID, ErrChecksumMismatch)
	}
	sum, err := s.State.Checksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("snapshot %s: %w", s.ID, ErrChecksumMismatch)
	}
	return nil
}

// SnapshotInfo is the listing view of a stored snapshot.
type SnapshotInfo struct {
	ID       string    `json:"id" db:"id"`
	Kind     Kind      `json:"kind" db:"kind"`
	Version  int64     `json:"version" db:"version"`
	TakenAt  time.Time `json:"taken_at" db:"-"`
	Checksum string    `json:"checksum" db:"checksum"`
}
// #endregion snapshot

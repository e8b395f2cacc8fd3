package autonomy

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/risk"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

var (
	// ErrStopped is returned once the controller no longer accepts proposals.
	ErrStopped = errors.New("controller stopped")
	// ErrRequestNotFound is returned for unknown or already resolved approval ids.
	ErrRequestNotFound = errors.New("approval request not found")
)

// #region config
// Config is the policy gate configuration.
type Config struct {
	AutoApprove         bool          `yaml:"auto_approve"`
	AutoApproveCeiling  float64       `yaml:"auto_approve_ceiling" validate:"gte=0,lte=1"`
	EscalationThreshold float64       `yaml:"escalation_threshold" validate:"gte=0,lte=1"`
	SessionBudget       int           `yaml:"session_budget" validate:"gte=0"`
	MaxSessionRuntime   time.Duration `yaml:"max_session_runtime" validate:"gte=0"`
	// MaxPending bounds the approval queue. Zero means unbounded.
	MaxPending int `yaml:"max_pending" validate:"gte=0"`
}

// DefaultConfig returns the default policy gate.
func DefaultConfig() Config {
	return Config{
		AutoApprove:         true,
		AutoApproveCeiling:  0.5,
		EscalationThreshold: 0.8,
		SessionBudget:       20,
		MaxSessionRuntime:   time.Hour,
		MaxPending:          256,
	}
}
// #endregion config

// #region decision
// Decision is the outcome of the policy gate.
type Decision string

const (
	DecisionAutoApprove Decision = "auto_approve"
	DecisionQueue       Decision = "queue"
	DecisionReject      Decision = "reject"
)

// Status is what happened to a proposal.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusQueued   Status = "queued"
	StatusRejected Status = "rejected"
)

// Session tracks the applied-mutation budget and runtime of one autonomy session.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Applied   int       `json:"applied"`
}
// #endregion decision

// #region results
// ProposalResult is returned for every proposal, whatever its fate.
type ProposalResult struct {
	Status       Status          `json:"status"`
	Approved     bool            `json:"approved"`
	Auto         bool            `json:"auto"`
	RequestID    string          `json:"request_id,omitempty"`
	RiskScore    float64         `json:"risk_score"`
	Risk         risk.Assessment `json:"risk"`
	Reasons      []string        `json:"reasons,omitempty"`
	Version      int64           `json:"version,omitempty"`
	FitnessDelta float64         `json:"fitness_delta,omitempty"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`
}

// RequestStatus is the lifecycle of an approval request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// ApprovalRequest is a queued proposal awaiting a reviewer.
type ApprovalRequest struct {
	ID         string          `json:"id"`
	Proposal   state.Proposal  `json:"proposal"`
	Risk       risk.Assessment `json:"risk"`
	Reason     string          `json:"reason"`
	Status     RequestStatus   `json:"status"`
	Reviewer   string          `json:"reviewer,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at,omitempty"`
}
// #endregion results

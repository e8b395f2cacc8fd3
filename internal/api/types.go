package api

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/fitness"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region collaborators
// Controller is satisfied by *autonomy.Controller.
type Controller interface {
	Propose(ctx context.Context, p state.Proposal) (autonomy.ProposalResult, error)
	Approve(ctx context.Context, id, reviewer, notes string) (autonomy.ProposalResult, error)
	Reject(ctx context.Context, id, reviewer, reason string) (autonomy.ApprovalRequest, error)
	Pending() []autonomy.ApprovalRequest
	Session() autonomy.Session
	ResetSession() autonomy.Session
	Accepting() bool
}

// Engine is the subset of *mutation.Engine the API reads and drives.
type Engine interface {
	State() *state.SystemState
	Tainted() (bool, string)
	Rollback(ctx context.Context, snapshotID string) (mutation.RollbackResult, error)
	ClearTaint(operator string) error
}

// Snapshots lists rollback targets. *rollback.Manager satisfies it.
type Snapshots interface {
	List(ctx context.Context) ([]state.SnapshotInfo, error)
}

// Fitness is satisfied by *fitness.Monitor.
type Fitness interface {
	Snapshot() fitness.Snapshot
	History() []fitness.Snapshot
	RecordOperation(success bool, latency time.Duration, cost float64)
	RecordHealing(d time.Duration)
	RecordHealthCheck(up bool)
}

// Sync is satisfied by *replication.Synchronizer.
type Sync interface {
	Status(ctx context.Context) (replication.Status, error)
	Failed(ctx context.Context) ([]replication.SyncOperation, error)
	RetryFailed(ctx context.Context, id string) error
}

// Workflows is satisfied by *autonomy.Runner.
type Workflows interface {
	Run(ctx context.Context, wf autonomy.Workflow) (autonomy.Report, error)
	Resume(ctx context.Context, wf autonomy.Workflow) (autonomy.Report, error)
	Checkpoint(ctx context.Context, workflowID string) (autonomy.Checkpoint, error)
}

// Audit is satisfied by *logging.AuditLog.
type Audit interface {
	Record(e logging.AuditEntry)
	Recent(limit int) []logging.AuditEntry
}
// #endregion collaborators

// #region requests
// ProposalRequest is the body of POST /v1/proposals.
type ProposalRequest struct {
	Kind                 string            `json:"kind" yaml:"kind" binding:"required"`
	Description          string            `json:"description" yaml:"description" binding:"required"`
	ExpectedFitnessDelta *float64          `json:"expected_fitness_delta" yaml:"expected_fitness_delta" binding:"required"`
	RiskScore            *float64          `json:"risk_score" yaml:"risk_score" binding:"omitempty,gte=0,lte=1"`
	Origin               string            `json:"origin" yaml:"origin"`
	Metadata             map[string]string `json:"metadata" yaml:"metadata"`
}

func (r ProposalRequest) proposal() state.Proposal {
	return state.Proposal{
		Kind:                 state.Kind(r.Kind),
		Description:          r.Description,
		ExpectedFitnessDelta: *r.ExpectedFitnessDelta,
		RiskScore:            r.RiskScore,
		Origin:               state.ParseOrigin(r.Origin),
		Metadata:             r.Metadata,
	}
}

// ReviewRequest is the body of approve and reject calls.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
	Notes    string `json:"notes"`
	Reason   string `json:"reason"`
}

// RollbackRequest is the body of POST /v1/rollback.
type RollbackRequest struct {
	SnapshotID string `json:"snapshot_id" binding:"required"`
	Operator   string `json:"operator"`
}

// TaintRequest is the body of POST /v1/taint/clear.
type TaintRequest struct {
	Operator string `json:"operator" binding:"required"`
}

// WorkflowRequest is the body of POST /v1/workflows/:id/run and /resume.
// Resume must send the same steps as the original run. The yaml tags let
// the CLI read definitions from files.
type WorkflowRequest struct {
	Name            string         `json:"name" yaml:"name"`
	CheckpointEvery int            `json:"checkpoint_every" yaml:"checkpoint_every" binding:"gte=0"`
	BudgetMS        int64          `json:"budget_ms" yaml:"budget_ms" binding:"gte=0"`
	Steps           []WorkflowStep `json:"steps" yaml:"steps" binding:"required,min=1,dive"`
}

// WorkflowStep is one declarative step. A sync step republishes the current
// document; a mutation step submits its proposal through the policy gate.
type WorkflowStep struct {
	Name     string           `json:"name" yaml:"name" binding:"required"`
	Kind     string           `json:"kind" yaml:"kind" binding:"required,oneof=mutation sync"`
	Required bool             `json:"required" yaml:"required"`
	Proposal *ProposalRequest `json:"proposal" yaml:"proposal"`
	Path     string           `json:"path" yaml:"path"`
}

func (r WorkflowRequest) workflow(id string, current func() *state.SystemState) (autonomy.Workflow, error) {
	wf := autonomy.Workflow{
		ID:              id,
		Name:            r.Name,
		CheckpointEvery: r.CheckpointEvery,
		Budget:          time.Duration(r.BudgetMS) * time.Millisecond,
	}
	for i, s := range r.Steps {
		step := autonomy.Step{Name: s.Name, Kind: autonomy.StepKind(s.Kind), Required: s.Required}
		switch step.Kind {
		case autonomy.StepMutation:
			if s.Proposal == nil {
				return autonomy.Workflow{}, fmt.Errorf("step %d %q: mutation step needs a proposal", i, s.Name)
			}
			p := s.Proposal.proposal()
			step.Proposal = &p
		case autonomy.StepSync:
			if s.Path != "" && s.Path != state.StatePath {
				return autonomy.Workflow{}, fmt.Errorf("step %d %q: sync steps only republish %s", i, s.Name, state.StatePath)
			}
			step.Path = state.StatePath
			step.Source = func(context.Context) ([]byte, error) {
				doc := current()
				return state.Seal(state.EnvelopeState, doc, doc.LastModified)
			}
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

// FitnessEvent is the body of POST /v1/fitness/events.
type FitnessEvent struct {
	Type       string  `json:"type" binding:"required,oneof=operation healing health_check"`
	Success    bool    `json:"success"`
	LatencyMS  int64   `json:"latency_ms" binding:"gte=0"`
	Cost       float64 `json:"cost" binding:"gte=0"`
	DurationMS int64   `json:"duration_ms" binding:"gte=0"`
	Up         bool    `json:"up"`
}
// #endregion requests

// #region responses
// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   int64  `json:"version"`
	Accepting bool   `json:"accepting"`
	Taint     string `json:"taint,omitempty"`
}

// StateResponse is returned by GET /v1/state.
type StateResponse struct {
	State   *state.SystemState `json:"state"`
	Tainted bool               `json:"tainted"`
	Taint   string             `json:"taint,omitempty"`
	Session autonomy.Session   `json:"session"`
}

// WorkflowResponse is the run report. Failure is set when the run stopped early.
type WorkflowResponse struct {
	autonomy.Report
	Failure string `json:"failure,omitempty"`
}

// FitnessResponse is returned by GET /v1/fitness.
type FitnessResponse struct {
	Current fitness.Snapshot   `json:"current"`
	History []fitness.Snapshot `json:"history,omitempty"`
}
// #endregion responses

package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

var (
	// ErrStepFailed halts a workflow when a required step fails.
	ErrStepFailed = errors.New("required workflow step failed")
	// ErrBudgetExceeded halts a workflow at the first checkpoint past its budget.
	ErrBudgetExceeded = errors.New("workflow budget exceeded")
	// ErrNoCheckpoint is returned by stores that hold nothing for a workflow.
	ErrNoCheckpoint = errors.New("no checkpoint")
)

// #region types
// StepKind selects what a workflow step does.
type StepKind string

const (
	StepSync     StepKind = "sync"
	StepMutation StepKind = "mutation"
	StepAction   StepKind = "action"
)

// Step is one unit of a workflow.
type Step struct {
	Name     string
	Kind     StepKind
	Required bool

	// StepMutation
	Proposal *state.Proposal
	// StepSync. Source, when set, builds the payload as the step runs.
	Path    string
	Payload []byte
	Source  func(ctx context.Context) ([]byte, error)
	// StepAction
	Action func(ctx context.Context) (string, error)
}

// Workflow is an ordered list of steps with a checkpoint cadence and a wall-clock budget.
type Workflow struct {
	ID              string
	Name            string
	Steps           []Step
	CheckpointEvery int
	Budget          time.Duration
}

// StepResult is what one executed step left behind.
type StepResult struct {
	Index    int       `json:"index"`
	Name     string    `json:"name"`
	Kind     StepKind  `json:"kind"`
	Required bool      `json:"required"`
	OK       bool      `json:"ok"`
	Detail   string    `json:"detail,omitempty"`
	Error    string    `json:"error,omitempty"`
	Version  int64     `json:"version,omitempty"`
	At       time.Time `json:"at"`
}

// Checkpoint is a committed boundary: StepIndex is the next step to run.
type Checkpoint struct {
	WorkflowID string       `json:"workflow_id"`
	StepIndex  int          `json:"step_index"`
	Results    []StepResult `json:"results"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RunStatus is how a run ended.
type RunStatus string

const (
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunBudgetExceeded RunStatus = "budget_exceeded"
	RunCancelled      RunStatus = "cancelled"
)

// Report summarises a run.
type Report struct {
	WorkflowID  string       `json:"workflow_id"`
	Status      RunStatus    `json:"status"`
	Results     []StepResult `json:"results"`
	NextStep    int          `json:"next_step"`
	Checkpoints int          `json:"checkpoints"`
	ResumedFrom int          `json:"resumed_from"`
}
// #endregion types

// #region collaborators
// Proposer submits mutation steps. *Controller implements it.
type Proposer interface {
	Propose(ctx context.Context, p state.Proposal) (ProposalResult, error)
}

// Syncer replicates sync steps to every destination.
type Syncer interface {
	Replicate(ctx context.Context, path string, payload []byte) error
}

// CheckpointStore persists the last committed boundary of each workflow.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error)
}
// #endregion collaborators

// #region runner
// Runner executes workflows step by step.
type Runner struct {
	proposer Proposer
	syncer   Syncer
	store    CheckpointStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner wires a runner. syncer may be nil when no workflow uses sync steps.
func NewRunner(proposer Proposer, syncer Syncer, store CheckpointStore, logger *slog.Logger) *Runner {
	if store == nil {
		store = NewMemoryCheckpointStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		proposer: proposer,
		syncer:   syncer,
		store:    store,
		logger:   logger.With("component", "workflow"),
		now:      time.Now,
	}
}

// Run executes wf from its first step.
func (r *Runner) Run(ctx context.Context, wf Workflow) (Report, error) {
	return r.run(ctx, wf, Checkpoint{WorkflowID: wf.ID})
}

// Resume continues wf from its last committed checkpoint, or from the start if none exists.
// The wall-clock budget restarts with the resumed run.
func (r *Runner) Resume(ctx context.Context, wf Workflow) (Report, error) {
	cp, err := r.store.LoadCheckpoint(ctx, wf.ID)
	if errors.Is(err, ErrNoCheckpoint) {
		return r.Run(ctx, wf)
	}
	if err != nil {
		return Report{WorkflowID: wf.ID}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.StepIndex > len(wf.Steps) {
		return Report{WorkflowID: wf.ID}, fmt.Errorf("checkpoint step %d beyond workflow length %d", cp.StepIndex, len(wf.Steps))
	}
	return r.run(ctx, wf, cp)
}

// Checkpoint returns the last committed boundary of a workflow.
func (r *Runner) Checkpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	return r.store.LoadCheckpoint(ctx, workflowID)
}

func (r *Runner) run(ctx context.Context, wf Workflow, from Checkpoint) (Report, error) {
	every := wf.CheckpointEvery
	if every <= 0 {
		every = 1
	}
	start := r.now()
	rep := Report{
		WorkflowID:  wf.ID,
		Results:     slices.Clone(from.Results),
		NextStep:    from.StepIndex,
		ResumedFrom: from.StepIndex,
	}
	log := r.logger.With("workflow", wf.ID, "name", wf.Name)
	log.Info("workflow started", "from_step", from.StepIndex, "steps", len(wf.Steps))

	i := from.StepIndex
	sinceCheckpoint := 0
	for i < len(wf.Steps) {
		step := wf.Steps[i]
		res := r.execute(ctx, i, step)
		rep.Results = append(rep.Results, res)
		i++
		sinceCheckpoint++

		if !res.OK {
			if step.Required {
				rep.Status = RunFailed
				rep.NextStep = i - 1
				log.Warn("required step failed", "step", res.Index, "name", step.Name, "error", res.Error)
				return rep, fmt.Errorf("step %d %q: %w: %s", res.Index, step.Name, ErrStepFailed, res.Error)
			}
			log.Info("optional step failed", "step", res.Index, "name", step.Name, "error", res.Error)
		}
		rep.NextStep = i

		if sinceCheckpoint < every && i < len(wf.Steps) {
			continue
		}
		sinceCheckpoint = 0
		cp := Checkpoint{WorkflowID: wf.ID, StepIndex: i, Results: slices.Clone(rep.Results), CreatedAt: r.now().UTC()}
		if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
			rep.Status = RunFailed
			return rep, fmt.Errorf("save checkpoint at step %d: %w", i, err)
		}
		rep.Checkpoints++

		if i >= len(wf.Steps) {
			break
		}
		if err := ctx.Err(); err != nil {
			rep.Status = RunCancelled
			return rep, err
		}
		if wf.Budget > 0 && r.now().Sub(start) > wf.Budget {
			rep.Status = RunBudgetExceeded
			log.Warn("workflow budget exceeded", "next_step", i, "budget", wf.Budget)
			return rep, fmt.Errorf("%w after %d steps", ErrBudgetExceeded, i)
		}
	}

	rep.Status = RunCompleted
	log.Info("workflow completed", "steps", len(rep.Results), "checkpoints", rep.Checkpoints)
	return rep, nil
}

func (r *Runner) execute(ctx context.Context, i int, step Step) StepResult {
	res := StepResult{Index: i, Name: step.Name, Kind: step.Kind, Required: step.Required}
	var err error
	switch step.Kind {
	case StepMutation:
		err = r.mutationStep(ctx, step, &res)
	case StepSync:
		if r.syncer == nil {
			err = errors.New("no syncer configured")
			break
		}
		payload := step.Payload
		if step.Source != nil {
			if payload, err = step.Source(ctx); err != nil {
				break
			}
		}
		err = r.syncer.Replicate(ctx, step.Path, payload)
		if err == nil {
			res.Detail = "replicated " + step.Path
		}
	case StepAction:
		if step.Action == nil {
			err = errors.New("action step has no action")
			break
		}
		res.Detail, err = step.Action(ctx)
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}
	res.OK = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	res.At = r.now().UTC()
	return res
}

// A queued proposal counts as success: the step handed it to a reviewer.
func (r *Runner) mutationStep(ctx context.Context, step Step, res *StepResult) error {
	if step.Proposal == nil {
		return errors.New("mutation step has no proposal")
	}
	if r.proposer == nil {
		return errors.New("no proposer configured")
	}
	pr, err := r.proposer.Propose(ctx, *step.Proposal)
	if err != nil {
		return err
	}
	switch pr.Status {
	case StatusApplied:
		res.Version = pr.Version
		res.Detail = fmt.Sprintf("applied at version %d (risk %.3f)", pr.Version, pr.RiskScore)
		return nil
	case StatusQueued:
		res.Detail = fmt.Sprintf("queued for approval as %s (risk %.3f)", pr.RequestID, pr.RiskScore)
		return nil
	}
	return fmt.Errorf("proposal rejected: %v", pr.Reasons)
}
// #endregion runner

// Package autonomy gates proposals before they reach the mutation engine and
// runs checkpointed workflows on top of it.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/evolution-engine/internal/history"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
	"github.com/danielpatrickdp/evolution-engine/internal/metrics"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/risk"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
	"github.com/danielpatrickdp/evolution-engine/internal/validate"
)

// #region deps
// Engine is the part of the mutation engine the controller drives.
type Engine interface {
	Apply(ctx context.Context, req mutation.Request) (mutation.Outcome, error)
	Validate(p state.Proposal) validate.Result
}

// History feeds per-kind outcomes into risk scoring. Optional.
type History interface {
	KindHistory(ctx context.Context, kind state.Kind) (risk.KindHistory, error)
	RecordOutcome(ctx context.Context, o history.Outcome) error
}

// Auditor receives every decision.
type Auditor interface {
	Record(e logging.AuditEntry)
}
// #endregion deps

// #region decide
// Decide applies the policy rules in order. It is pure.
func Decide(cfg Config, score float64, sess Session, now time.Time) (Decision, string) {
	switch {
	case score >= cfg.EscalationThreshold:
		return DecisionQueue, fmt.Sprintf("risk %.3f >= escalation threshold %.2f", score, cfg.EscalationThreshold)
	case !cfg.AutoApprove:
		return DecisionQueue, "auto-approval disabled"
	case score >= cfg.AutoApproveCeiling:
		return DecisionQueue, fmt.Sprintf("risk %.3f >= auto-approve ceiling %.2f", score, cfg.AutoApproveCeiling)
	case cfg.SessionBudget > 0 && sess.Applied >= cfg.SessionBudget:
		return DecisionQueue, fmt.Sprintf("session budget reached (%d/%d)", sess.Applied, cfg.SessionBudget)
	case cfg.MaxSessionRuntime > 0 && now.Sub(sess.StartedAt) > cfg.MaxSessionRuntime:
		return DecisionQueue, fmt.Sprintf("session runtime %s exceeds %s", now.Sub(sess.StartedAt).Round(time.Second), cfg.MaxSessionRuntime)
	}
	return DecisionAutoApprove, fmt.Sprintf("risk %.3f below auto-approve ceiling %.2f", score, cfg.AutoApproveCeiling)
}
// #endregion decide

// #region controller
// Controller is the policy gate in front of the engine. Decisions and the
// applies they trigger are serialized so the session budget is exact.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	engine    Engine
	assessor  *risk.Assessor
	history   History
	audit     Auditor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	accepting atomic.Bool

	session Session
	pending map[string]*ApprovalRequest
}

// Option customises a Controller.
type Option func(*Controller)

func WithHistory(h History) Option         { return func(c *Controller) { c.history = h } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(c *Controller) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// NewController creates a controller and opens its first session.
func NewController(cfg Config, engine Engine, assessor *risk.Assessor, audit Auditor, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		engine:   engine,
		assessor: assessor,
		audit:    audit,
		logger:   slog.Default(),
		now:      time.Now,
		pending:  make(map[string]*ApprovalRequest),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "autonomy")
	c.session = newSession(c.now())
	c.accepting.Store(true)
	return c
}

func newSession(now time.Time) Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Session{ID: id.String(), StartedAt: now.UTC()}
}
// #endregion controller

// #region propose
// Propose scores p, runs the policy gate and either applies, queues or rejects it.
// An error is returned only when the mutation path is hard-stopped (tainted or closed).
func (c *Controller) Propose(ctx context.Context, p state.Proposal) (ProposalResult, error) {
	if !c.accepting.Load() {
		return ProposalResult{Status: StatusRejected, Reasons: []string{ErrStopped.Error()}}, ErrStopped
	}
	if p.Origin == "" {
		p.Origin = state.OriginExternal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	assessment := c.assessor.Score(p, risk.Session{Applied: c.session.Applied, Budget: c.cfg.SessionBudget}, c.kindHistory(ctx, p.Kind))
	res := ProposalResult{RiskScore: assessment.Score, Risk: assessment}

	if vr := c.engine.Validate(p); !vr.OK {
		res.Status = StatusRejected
		res.Reasons = vr.Errors
		c.record(DecisionReject, p, assessment, res.Reasons, "", "", 0)
		return res, nil
	} else {
		res.Reasons = vr.Warnings
	}

	decision, reason := Decide(c.cfg, assessment.Score, c.session, now)
	res.Reasons = append([]string{reason}, res.Reasons...)

	if decision == DecisionQueue {
		if c.cfg.MaxPending > 0 && len(c.pending) >= c.cfg.MaxPending {
			res.Status = StatusRejected
			res.Reasons = append(res.Reasons, fmt.Sprintf("approval queue full (%d)", c.cfg.MaxPending))
			c.record(DecisionReject, p, assessment, res.Reasons, "", "", 0)
			return res, nil
		}
		req := c.enqueueLocked(p, assessment, reason, now)
		res.Status = StatusQueued
		res.RequestID = req.ID
		c.record(DecisionQueue, p, assessment, res.Reasons, req.ID, "", 0)
		return res, nil
	}

	c.record(DecisionAutoApprove, p, assessment, res.Reasons, "", "", 0)
	out, err := c.engine.Apply(ctx, mutation.Request{Proposal: p, RiskScore: assessment.Score, AutoApproved: true})
	c.recordOutcome(ctx, p, out, err)
	if err != nil {
		res.Status = StatusRejected
		res.Reasons = append(res.Reasons, mutation.Reasons(err)...)
		c.recordEvent("apply_failed", p, assessment, res.Reasons, "", "", 0)
		if hardStop(err) {
			return res, err
		}
		return res, nil
	}

	c.session.Applied++
	res.Status = StatusApplied
	res.Approved = true
	res.Auto = true
	res.Version = out.Version
	res.FitnessDelta = out.FitnessDelta
	res.SnapshotID = out.SnapshotID
	c.recordEvent("applied", p, assessment, nil, "", "", out.Version)
	return res, nil
}

func (c *Controller) enqueueLocked(p state.Proposal, a risk.Assessment, reason string, now time.Time) *ApprovalRequest {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	req := &ApprovalRequest{
		ID:        id.String(),
		Proposal:  p,
		Risk:      a,
		Reason:    reason,
		Status:    RequestPending,
		CreatedAt: now.UTC(),
	}
	c.pending[req.ID] = req
	c.metrics.PendingApprovals(len(c.pending))
	return req
}
// #endregion propose

// #region approvals
// Approve applies a queued proposal on behalf of reviewer. The request is
// resolved whether or not the engine accepts the change.
func (c *Controller) Approve(ctx context.Context, id, reviewer, notes string) (ProposalResult, error) {
	if !c.accepting.Load() {
		return ProposalResult{Status: StatusRejected, Reasons: []string{ErrStopped.Error()}}, ErrStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[id]
	if !ok {
		return ProposalResult{}, fmt.Errorf("%s: %w", id, ErrRequestNotFound)
	}
	delete(c.pending, id)
	c.metrics.PendingApprovals(len(c.pending))

	req.Status = RequestApproved
	req.Reviewer = reviewer
	req.Notes = notes
	req.ResolvedAt = c.now().UTC()

	p := req.Proposal
	res := ProposalResult{RequestID: id, RiskScore: req.Risk.Score, Risk: req.Risk}
	c.recordEvent("approved", p, req.Risk, notesReasons(notes), id, reviewer, 0)

	out, err := c.engine.Apply(ctx, mutation.Request{Proposal: p, RiskScore: req.Risk.Score, AutoApproved: false})
	c.recordOutcome(ctx, p, out, err)
	if err != nil {
		res.Status = StatusRejected
		res.Reasons = mutation.Reasons(err)
		c.recordEvent("apply_failed", p, req.Risk, res.Reasons, id, reviewer, 0)
		return res, err
	}

	c.session.Applied++
	res.Status = StatusApplied
	res.Approved = true
	res.Version = out.Version
	res.FitnessDelta = out.FitnessDelta
	res.SnapshotID = out.SnapshotID
	c.recordEvent("applied", p, req.Risk, nil, id, reviewer, out.Version)
	return res, nil
}

// Reject resolves a queued proposal without applying it.
func (c *Controller) Reject(_ context.Context, id, reviewer, reason string) (ApprovalRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[id]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%s: %w", id, ErrRequestNotFound)
	}
	delete(c.pending, id)
	c.metrics.PendingApprovals(len(c.pending))

	req.Status = RequestRejected
	req.Reviewer = reviewer
	req.Notes = reason
	req.ResolvedAt = c.now().UTC()
	c.recordEvent("rejected", req.Proposal, req.Risk, notesReasons(reason), id, reviewer, 0)
	return *req, nil
}

// Pending lists unresolved approval requests, oldest first.
func (c *Controller) Pending() []ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
// #endregion approvals

// #region session
// Session returns the current session counters.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ResetSession starts a fresh budget and runtime window.
func (c *Controller) ResetSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.session
	c.session = newSession(c.now())
	c.logger.Info("session reset", "previous", prev.ID, "applied", prev.Applied, "session", c.session.ID)
	return c.session
}

// Stop refuses further proposals and approvals. In-flight calls finish.
func (c *Controller) Stop() {
	c.accepting.Store(false)
}

// Accepting reports whether proposals are taken.
func (c *Controller) Accepting() bool {
	return c.accepting.Load()
}
// #endregion session

// #region helpers
func (c *Controller) kindHistory(ctx context.Context, kind state.Kind) risk.KindHistory {
	if c.history == nil {
		return risk.KindHistory{}
	}
	h, err := c.history.KindHistory(ctx, kind)
	if err != nil {
		c.logger.Warn("kind history unavailable", "kind", kind, "error", err)
		return risk.KindHistory{}
	}
	return h
}

func (c *Controller) recordOutcome(ctx context.Context, p state.Proposal, out mutation.Outcome, err error) {
	if c.history == nil {
		return
	}
	// Validation rejections say nothing about how risky the kind is in practice.
	if errors.Is(err, mutation.ErrValidation) || errors.Is(err, mutation.ErrClosed) {
		return
	}
	o := history.Outcome{Kind: p.Kind, Origin: p.Origin, Success: err == nil, FitnessDelta: out.FitnessDelta, At: c.now()}
	if err != nil {
		o.Reason = mutation.Class(err)
	}
	if herr := c.history.RecordOutcome(ctx, o); herr != nil {
		c.logger.Warn("record kind outcome", "kind", p.Kind, "error", herr)
	}
}

func (c *Controller) record(d Decision, p state.Proposal, a risk.Assessment, reasons []string, requestID, reviewer string, version int64) {
	c.metrics.Proposal(string(d))
	c.recordEvent(string(d), p, a, reasons, requestID, reviewer, version)
}

func (c *Controller) recordEvent(decision string, p state.Proposal, a risk.Assessment, reasons []string, requestID, reviewer string, version int64) {
	if c.audit == nil {
		return
	}
	c.audit.Record(logging.AuditEntry{
		Timestamp: c.now().UTC(),
		Decision:  decision,
		RequestID: requestID,
		Kind:      string(p.Kind),
		Origin:    string(p.Origin),
		RiskScore: a.Score,
		Breakdown: a.Breakdown.Map(),
		Reasons:   reasons,
		Reviewer:  reviewer,
		Version:   version,
	})
}

func notesReasons(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func hardStop(err error) bool {
	return errors.Is(err, mutation.ErrTainted) || errors.Is(err, mutation.ErrClosed)
}
// #endregion helpers

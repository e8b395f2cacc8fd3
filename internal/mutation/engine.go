// Package mutation applies approved proposals to the authoritative document.
//
// All writes (Apply, Rollback, ClearTaint) serialize on one mutex. Readers
// load the current document through an atomic pointer and never block on
// the writer: a new document is built on a private copy and swapped in whole,
// together with its MutationRecord, as the only visible mutation point.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/evolution-engine/internal/metrics"
	"github.com/danielpatrickdp/evolution-engine/internal/rollback"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
	"github.com/danielpatrickdp/evolution-engine/internal/transform"
	"github.com/danielpatrickdp/evolution-engine/internal/validate"
)

// #region engine
// Deps are the collaborators an Engine is built from.
type Deps struct {
	Validator *validate.Validator
	Snapshots *rollback.Manager
	Persister Persister
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine owns the authoritative SystemState.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	current atomic.Pointer[state.SystemState]
	taint   atomic.Pointer[string]
	closed  bool

	config    Config
	validator *validate.Validator
	snapshots *rollback.Manager
	persister Persister
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// transformFn and restoreFn are swapped by tests to force failure paths.
	transformFn func(*state.Traits, state.Proposal) error
	restoreFn   func(ctx context.Context, snapshotID string) error

	persistCh   chan Commit
	persistDone chan struct{}

	stagesMu   sync.Mutex
	stages     map[string]Stage
	stageOrder []string
}

// New builds an engine around initial, which must satisfy every invariant.
func New(initial *state.SystemState, config Config, deps Deps) (*Engine, error) {
	if initial == nil {
		return nil, errors.New("initial state required")
	}
	if vs := validate.CheckInvariants(initial); len(vs) > 0 {
		return nil, reject(ErrInvariant, validate.Strings(vs)...)
	}
	if deps.Validator == nil {
		deps.Validator = validate.New(validate.DefaultConfig())
	}
	if deps.Snapshots == nil {
		deps.Snapshots = rollback.NewManager(nil, rollback.DefaultRetentionPolicy(), deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if config.PersistQueue <= 0 {
		config.PersistQueue = DefaultConfig().PersistQueue
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if config.StageMemory <= 0 {
		config.StageMemory = DefaultConfig().StageMemory
	}

	e := &Engine{
		config:      config,
		validator:   deps.Validator,
		snapshots:   deps.Snapshots,
		persister:   deps.Persister,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "mutation"),
		tracer:      otel.Tracer("evolution-engine/mutation"),
		now:         deps.Now,
		transformFn: transform.Apply,
		persistCh:   make(chan Commit, config.PersistQueue),
		persistDone: make(chan struct{}),
		stages:      make(map[string]Stage),
	}
	e.restoreFn = e.restore
	e.current.Store(initial.Clone())
	go e.persistLoop()
	return e, nil
}
// #endregion engine

// #region reads
// State returns a private copy of the current document without taking the writer lock.
func (e *Engine) State() *state.SystemState {
	return e.current.Load().Clone()
}

// Validate runs the proposal pre-check against the current document.
func (e *Engine) Validate(p state.Proposal) validate.Result {
	return e.validator.Validate(p, e.current.Load())
}

// Tainted reports whether mutations are refused and why.
func (e *Engine) Tainted() (bool, string) {
	if r := e.taint.Load(); r != nil {
		return true, *r
	}
	return false, ""
}

// PersistStage reports the persistence stage of a recent record.
func (e *Engine) PersistStage(recordID string) (Stage, bool) {
	e.stagesMu.Lock()
	defer e.stagesMu.Unlock()
	s, ok := e.stages[recordID]
	return s, ok
}

// Snapshots exposes the snapshot manager for listing and retention.
func (e *Engine) Snapshots() *rollback.Manager {
	return e.snapshots
}
// #endregion reads

// #region apply
// Apply validates, snapshots, transforms, verifies and swaps in a new
// document for req. Persistence happens after the lock is released.
func (e *Engine) Apply(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "mutation.Engine.Apply",
		trace.WithAttributes(
			attribute.String("kind", string(req.Proposal.Kind)),
			attribute.String("origin", string(req.Proposal.Origin)),
			attribute.Float64("risk", req.RiskScore),
		),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.now()

	if err := e.acceptingLocked(); err != nil {
		span.SetStatus(codes.Error, "not accepting")
		e.metrics.MutationFailed(Class(err))
		return Outcome{Stage: StageRejected}, err
	}

	cur := e.current.Load()
	res := e.validator.Validate(req.Proposal, cur)
	if !res.OK {
		span.SetStatus(codes.Error, "validation failed")
		e.metrics.MutationFailed("validation")
		return Outcome{Stage: StageRejected, Warnings: res.Warnings}, reject(ErrValidation, res.Errors...)
	}

	out, err := e.applyLocked(ctx, cur, req, res.Warnings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Class(err))
		e.metrics.MutationFailed(Class(err))
		e.logger.Warn("mutation rejected",
			"kind", req.Proposal.Kind, "stage", out.Stage, "class", Class(err), "error", err)
		return out, err
	}

	e.metrics.Applied(string(req.Proposal.Kind), out.Version, e.current.Load().FitnessScore, e.now().Sub(start))
	span.SetAttributes(attribute.Int64("version", out.Version))
	e.logger.Info("mutation applied",
		"kind", req.Proposal.Kind, "version", out.Version, "delta", out.FitnessDelta,
		"risk", req.RiskScore, "auto", req.AutoApproved, "record", out.Record.ID)
	return out, nil
}

func (e *Engine) applyLocked(ctx context.Context, cur *state.SystemState, req Request, warnings []string) (out Outcome, err error) {
	out = Outcome{Stage: StageValidated, Warnings: warnings}
	var snap state.Snapshot

	defer func() {
		if r := recover(); r != nil {
			err = reject(ErrApply, fmt.Sprintf("panic after %s: %v", out.Stage, r))
		}
		if err == nil {
			return
		}
		if !errors.Is(err, ErrApply) {
			if snap.ID != "" {
				e.snapshots.Discard(snap.ID)
			}
			return
		}
		out.Applied = false
		if snap.ID == "" {
			// Nothing was taken, so nothing could have changed.
			out.Stage = StageRolledBack
			return
		}
		if rerr := e.restoreFn(ctx, snap.ID); rerr != nil {
			reason := fmt.Sprintf("restore snapshot %s: %v", snap.ID, rerr)
			e.taint.Store(&reason)
			e.logger.Error("state tainted", "snapshot", snap.ID, "error", rerr)
			out.Stage = StageRejected
			err = reject(ErrTainted, append(Reasons(err), reason)...)
			return
		}
		e.snapshots.Discard(snap.ID)
		out.Stage = StageRolledBack
	}()

	now := e.now().UTC()
	snap, err = e.snapshots.Capture(cur, req.Proposal.Kind, now)
	if err != nil {
		return out, reject(ErrApply, err.Error())
	}
	out.Stage = StageSnapshotted
	out.SnapshotID = snap.ID

	work := cur.Clone()
	if terr := e.transformFn(&work.Traits, req.Proposal); terr != nil {
		return out, reject(ErrApply, terr.Error())
	}
	out.Stage = StageApplied

	id, ierr := uuid.NewV7()
	if ierr != nil {
		return out, reject(ErrApply, ierr.Error())
	}
	work.Version++
	work.FitnessScore += req.Proposal.ExpectedFitnessDelta
	work.LastModified = now
	rec := state.MutationRecord{
		ID:                 id.String(),
		Timestamp:          now,
		Kind:               req.Proposal.Kind,
		Description:        req.Proposal.Description,
		FitnessDelta:       req.Proposal.ExpectedFitnessDelta,
		RiskScore:          req.RiskScore,
		ResultingVersion:   work.Version,
		Origin:             req.Proposal.Origin,
		AutoApproved:       req.AutoApproved,
		RollbackSnapshotID: snap.ID,
	}
	work.MutationHistory = e.window(append(work.MutationHistory, rec))

	if vs := validate.CheckInvariants(work); len(vs) > 0 {
		out.Stage = StageRolledBack
		return out, reject(ErrInvariant, validate.Strings(vs)...)
	}
	out.Stage = StageVerified

	// The pre-image only becomes durable once the new document is known good.
	if kerr := e.snapshots.Keep(ctx, snap); kerr != nil {
		return out, reject(ErrApply, kerr.Error())
	}

	e.current.Store(work)
	e.enqueueLocked(Commit{State: work, Record: rec, Snapshot: &snap})

	out.Applied = true
	out.Version = work.Version
	out.FitnessDelta = rec.FitnessDelta
	out.Record = rec
	return out, nil
}

// restore puts the snapshot's pre-image back as the authoritative document.
func (e *Engine) restore(ctx context.Context, snapshotID string) error {
	snap, err := e.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	e.current.Store(snap.State)
	return nil
}
// #endregion apply

// #region rollback
// Rollback makes the snapshot's document authoritative again and appends a
// synthetic rollback record. The restored version must be lower than the current one.
func (e *Engine) Rollback(ctx context.Context, snapshotID string) (RollbackResult, error) {
	ctx, span := e.tracer.Start(ctx, "mutation.Engine.Rollback",
		trace.WithAttributes(attribute.String("snapshot", snapshotID)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	fail := func(err error) (RollbackResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, Class(err))
		e.metrics.MutationFailed(Class(err))
		e.logger.Warn("rollback rejected", "snapshot", snapshotID, "error", err)
		return RollbackResult{Error: err.Error()}, err
	}

	if err := e.acceptingLocked(); err != nil {
		return fail(err)
	}

	snap, err := e.snapshots.Get(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, state.ErrSnapshotNotFound) {
			return fail(reject(ErrSnapshotNotFound, snapshotID))
		}
		return fail(reject(ErrSnapshotNotFound, fmt.Sprintf("snapshot %s unusable: %v", snapshotID, err)))
	}

	cur := e.current.Load()
	restored := snap.State
	if restored.Version >= cur.Version {
		return fail(reject(ErrRollbackVersion,
			fmt.Sprintf("snapshot version %d is not below current version %d", restored.Version, cur.Version)))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fail(reject(ErrApply, err.Error()))
	}
	now := e.now().UTC()
	rec := state.MutationRecord{
		ID:                 id.String(),
		Timestamp:          now,
		Kind:               state.KindRollback,
		Description:        fmt.Sprintf("rollback from version %d to snapshot %s (version %d)", cur.Version, snapshotID, restored.Version),
		FitnessDelta:       restored.FitnessScore - cur.FitnessScore,
		ResultingVersion:   restored.Version,
		Origin:             state.OriginSystem,
		RollbackSnapshotID: snapshotID,
	}
	history := slices.Clone(cur.MutationHistory)
	restored.MutationHistory = e.window(append(history, rec))
	restored.LastModified = now

	if vs := validate.CheckInvariants(restored); len(vs) > 0 {
		return fail(reject(ErrInvariant, validate.Strings(vs)...))
	}

	e.current.Store(restored)
	e.enqueueLocked(Commit{State: restored, Record: rec})

	e.metrics.RolledBack(restored.Version, restored.FitnessScore)
	e.logger.Info("rolled back", "from", cur.Version, "to", restored.Version, "snapshot", snapshotID)
	return RollbackResult{Success: true, RestoredVersion: restored.Version}, nil
}
// #endregion rollback

// #region taint
// ClearTaint re-checks the current document and, if it is sound, lets the
// engine accept mutations again.
func (e *Engine) ClearTaint(operator string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.taint.Load()
	if prev == nil {
		return nil
	}
	if vs := validate.CheckInvariants(e.current.Load()); len(vs) > 0 {
		return reject(ErrInvariant, validate.Strings(vs)...)
	}
	e.taint.Store(nil)
	e.logger.Warn("taint cleared", "operator", operator, "reason", *prev)
	return nil
}

func (e *Engine) acceptingLocked() error {
	if e.closed {
		return reject(ErrClosed)
	}
	if r := e.taint.Load(); r != nil {
		return reject(ErrTainted, *r)
	}
	return nil
}
// #endregion taint

// #region persistence
// enqueueLocked hands c to the persistence worker. It blocks when the buffer is
// full, which keeps commits in apply order.
func (e *Engine) enqueueLocked(c Commit) {
	e.setStage(c.Record.ID, StageVerified)
	e.persistCh <- c
}

func (e *Engine) persistLoop() {
	defer close(e.persistDone)
	for c := range e.persistCh {
		stage := StagePersisted
		if e.persister != nil {
			if err := e.persister.Persist(context.Background(), c); err != nil {
				stage = StagePersistedWithWarning
				e.logger.Warn("persistence degraded",
					"version", c.State.Version, "record", c.Record.ID, "error", err)
			}
		}
		e.setStage(c.Record.ID, stage)
		e.metrics.Persisted(string(stage))
	}
}

func (e *Engine) setStage(id string, s Stage) {
	e.stagesMu.Lock()
	defer e.stagesMu.Unlock()
	if _, ok := e.stages[id]; !ok {
		e.stageOrder = append(e.stageOrder, id)
		if len(e.stageOrder) > e.config.StageMemory {
			delete(e.stages, e.stageOrder[0])
			e.stageOrder = e.stageOrder[1:]
		}
	}
	e.stages[id] = s
}

// Close stops accepting writes and waits for queued commits to persist.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.persistCh)
	}
	e.mu.Unlock()

	select {
	case <-e.persistDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain persistence: %w", ctx.Err())
	}
}
// #endregion persistence

func (e *Engine) window(h []state.MutationRecord) []state.MutationRecord {
	if n := e.config.HistoryWindow; len(h) > n {
		return slices.Clone(h[len(h)-n:])
	}
	return h
}

// Package replication copies sealed documents to independently failing
// destinations. Each destination sits behind its own circuit breaker; writes
// that fail are parked in a durable retry queue drained by a single tick.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/evolution-engine/internal/destination"
	"github.com/danielpatrickdp/evolution-engine/internal/metrics"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

var (
	// ErrUnknownDestination is returned when a sync names a destination that is not configured.
	ErrUnknownDestination = errors.New("unknown destination")
	// ErrDegraded is returned by Replicate when at least one destination was queued for retry.
	ErrDegraded = errors.New("replication degraded")
)

// #region types
// Config bundles breaker and retry settings.
type Config struct {
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{Breaker: DefaultBreakerConfig(), Retry: DefaultRetryConfig()}
}

// Outcome is what happened at one destination.
type Outcome string

const (
	OutcomeWritten      Outcome = "written"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeSkippedStale Outcome = "skipped_stale"
	OutcomeQueued       Outcome = "queued"
)

// Result is the per-destination entry of a Report.
type Result struct {
	Outcome     Outcome `json:"outcome"`
	Error       string  `json:"error,omitempty"`
	OperationID string  `json:"operation_id,omitempty"`
}

// Report maps destination id to its result.
type Report map[string]Result

// Queued returns the destinations whose write was parked.
func (r Report) Queued() []string {
	var out []string
	for id, res := range r {
		if res.Outcome == OutcomeQueued {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// DrainReport summarises one retry tick.
type DrainReport struct {
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
}

// Status is the replication health surfaced to operators.
type Status struct {
	Destinations []string                `json:"destinations"`
	QueueDepth   int                     `json:"queue_depth"`
	Failed       int                     `json:"failed"`
	Breakers     map[string]BreakerStats `json:"breakers"`
	LastDrain    time.Time               `json:"last_drain,omitzero"`
}
// #endregion types

// #region synchronizer
// Synchronizer fans writes out to destinations.
//
// Thread Safety: Safe for concurrent use. Drain runs one tick at a time.
type Synchronizer struct {
	config   Config
	dests    map[string]destination.Destination
	order    []string
	breakers map[string]*Breaker
	queue    QueueStore
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	onHeal   func(path string, d time.Duration)

	rndMu sync.Mutex
	rnd   *rand.Rand

	drainMu   sync.Mutex
	lastDrain time.Time
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

func WithMetrics(m *metrics.Metrics) Option    { return func(s *Synchronizer) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option         { return func(s *Synchronizer) { s.logger = l } }
func WithClock(now func() time.Time) Option    { return func(s *Synchronizer) { s.now = now } }
func WithRand(r *rand.Rand) Option             { return func(s *Synchronizer) { s.rnd = r } }

// WithHealHook is called after a queued operation finally lands, with the
// time since it was first queued.
func WithHealHook(fn func(path string, d time.Duration)) Option {
	return func(s *Synchronizer) { s.onHeal = fn }
}

// New builds a synchronizer over dests. queue defaults to an in-memory queue.
func New(config Config, queue QueueStore, dests []destination.Destination, opts ...Option) (*Synchronizer, error) {
	if err := config.Retry.Check(); err != nil {
		return nil, err
	}
	if queue == nil {
		queue = NewMemoryQueue()
	}
	s := &Synchronizer{
		config:   config,
		dests:    make(map[string]destination.Destination, len(dests)),
		breakers: make(map[string]*Breaker, len(dests)),
		queue:    queue,
		limiter:  rate.NewLimiter(rate.Limit(config.Retry.DrainRate), max(config.Retry.DrainBurst, 1)),
		logger:   slog.Default(),
		tracer:   otel.Tracer("evolution-engine/replication"),
		now:      time.Now,
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "replication")
	for _, d := range dests {
		id := d.ID()
		if _, dup := s.dests[id]; dup {
			return nil, fmt.Errorf("duplicate destination id %q", id)
		}
		s.dests[id] = d
		s.order = append(s.order, id)
		b := NewBreaker(config.Breaker, s.now)
		m, destID := s.metrics, id
		b.onChange = func(st BreakerState) { m.Breaker(destID, int(st)) }
		s.breakers[id] = b
	}
	return s, nil
}

// Destinations lists configured destination ids in configuration order.
func (s *Synchronizer) Destinations() []string {
	return append([]string(nil), s.order...)
}
// #endregion synchronizer

// #region sync
// Sync writes a sealed envelope to every named destination, or all of them
// when none are named. Failed writes are queued; the returned error is only
// for payloads that are not valid envelopes or unknown destination ids.
func (s *Synchronizer) Sync(ctx context.Context, path string, payload []byte, destIDs ...string) (Report, error) {
	env, err := state.Peek(payload)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", path, err)
	}
	if len(destIDs) == 0 {
		destIDs = s.order
	}
	for _, id := range destIDs {
		if _, ok := s.dests[id]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownDestination, id)
		}
	}

	ctx, span := s.tracer.Start(ctx, "replication.Sync",
		trace.WithAttributes(attribute.String("path", path), attribute.Int("destinations", len(destIDs))))
	defer span.End()

	var mu sync.Mutex
	report := make(Report, len(destIDs))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range destIDs {
		g.Go(func() error {
			res := s.syncOne(gctx, id, path, payload, env)
			mu.Lock()
			report[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if queued := report.Queued(); len(queued) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("queued for %v", queued))
	}
	s.refreshQueueGauge(ctx)
	return report, nil
}

func (s *Synchronizer) syncOne(ctx context.Context, id, path string, payload []byte, env state.Envelope) Result {
	outcome, err := s.write(ctx, id, path, payload, env)
	if err == nil {
		s.metrics.SyncWrite(id, string(outcome))
		return Result{Outcome: outcome}
	}

	now := s.now()
	opID, _ := uuid.NewV7()
	op := SyncOperation{
		ID:          opID.String(),
		Destination: id,
		Path:        path,
		Payload:     payload,
		Checksum:    env.Checksum,
		Attempts:    1,
		LastAttempt: now,
		NextAttempt: s.next(1, now),
		LastError:   err.Error(),
		CreatedAt:   now,
	}
	s.metrics.SyncWrite(id, string(OutcomeQueued))
	if qerr := s.queue.Put(ctx, op); qerr != nil {
		s.logger.Error("retry queue write failed", "destination", id, "path", path, "error", qerr)
		return Result{Outcome: OutcomeQueued, Error: fmt.Sprintf("%v; queue: %v", err, qerr)}
	}
	s.logger.Warn("destination write queued", "destination", id, "path", path, "error", err, "operation", op.ID)
	return Result{Outcome: OutcomeQueued, Error: err.Error(), OperationID: op.ID}
}

// write applies last-write-wins against whatever the destination holds.
func (s *Synchronizer) write(ctx context.Context, id, path string, payload []byte, env state.Envelope) (Outcome, error) {
	d := s.dests[id]
	var outcome Outcome
	err := s.breakers[id].Execute(func() error {
		existing, err := d.Get(ctx, path)
		switch {
		case errors.Is(err, destination.ErrNotFound):
		case err != nil:
			return fmt.Errorf("get %s: %w", path, err)
		default:
			// A remote copy that fails verification is overwritten.
			if cur, perr := state.Peek(existing); perr == nil {
				if cur.Checksum == env.Checksum {
					outcome = OutcomeUnchanged
					return nil
				}
				if cur.LastModified.After(env.LastModified) {
					outcome = OutcomeSkippedStale
					return nil
				}
			}
		}
		if err := d.Put(ctx, path, payload); err != nil {
			return fmt.Errorf("put %s: %w", path, err)
		}
		outcome = OutcomeWritten
		return nil
	})
	return outcome, err
}

// Replicate syncs to every destination and reports ErrDegraded if any was queued.
func (s *Synchronizer) Replicate(ctx context.Context, path string, payload []byte) error {
	rep, err := s.Sync(ctx, path, payload)
	if err != nil {
		return err
	}
	if q := rep.Queued(); len(q) > 0 {
		return fmt.Errorf("%w: %s queued for %v", ErrDegraded, path, q)
	}
	return nil
}
// #endregion sync

// #region drain
// Drain retries every due operation once. Operations past MaxAttempts move
// to the failed set. A rejection by an open breaker counts as an attempt.
func (s *Synchronizer) Drain(ctx context.Context) (DrainReport, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	var rep DrainReport
	ops, err := s.queue.Pending(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending: %w", err)
	}
	now := s.now()
	for _, op := range ops {
		if !op.Due(now) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return rep, err
		}
		rep.Attempted++
		if err := s.retry(ctx, op, &rep); err != nil {
			return rep, err
		}
	}
	s.lastDrain = now
	s.refreshQueueGauge(ctx)
	if rep.Attempted > 0 {
		s.logger.Info("retry drain", "attempted", rep.Attempted, "succeeded", rep.Succeeded,
			"rescheduled", rep.Rescheduled, "dead", rep.DeadLettered)
	}
	return rep, nil
}

func (s *Synchronizer) retry(ctx context.Context, op SyncOperation, rep *DrainReport) error {
	var werr error
	if _, ok := s.dests[op.Destination]; !ok {
		werr = fmt.Errorf("%w %q", ErrUnknownDestination, op.Destination)
		op.Attempts = s.config.Retry.MaxAttempts
	} else {
		env, perr := state.Peek(op.Payload)
		if perr != nil {
			werr = perr
			op.Attempts = s.config.Retry.MaxAttempts
		} else {
			var outcome Outcome
			outcome, werr = s.write(ctx, op.Destination, op.Path, op.Payload, env)
			if werr == nil {
				s.metrics.SyncWrite(op.Destination, string(outcome))
				rep.Succeeded++
				if s.onHeal != nil {
					s.onHeal(op.Path, s.now().Sub(op.CreatedAt))
				}
				return s.queue.Delete(ctx, op.ID)
			}
			op.Attempts++
		}
	}

	now := s.now()
	op.LastAttempt = now
	op.LastError = werr.Error()
	if op.Attempts >= s.config.Retry.MaxAttempts {
		rep.DeadLettered++
		s.logger.Error("sync operation failed permanently", "operation", op.ID,
			"destination", op.Destination, "path", op.Path, "attempts", op.Attempts, "error", werr)
		return s.queue.MarkFailed(ctx, op)
	}
	op.NextAttempt = s.next(op.Attempts, now)
	rep.Rescheduled++
	return s.queue.Put(ctx, op)
}

// Run drains on every tick until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	t := time.NewTicker(s.config.Retry.DrainInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("retry drain failed", "error", err)
			}
		}
	}
}

func (s *Synchronizer) next(attempts int, now time.Time) time.Time {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return nextAttempt(s.config.Retry, attempts, now, s.rnd)
}
// #endregion drain

// #region status
// Status reports queue depth, failed count and breaker positions.
func (s *Synchronizer) Status(ctx context.Context) (Status, error) {
	pending, failed, err := s.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Destinations: s.Destinations(),
		QueueDepth:   pending,
		Failed:       failed,
		Breakers:     make(map[string]BreakerStats, len(s.breakers)),
	}
	for id, b := range s.breakers {
		st.Breakers[id] = b.Stats()
	}
	s.drainMu.Lock()
	st.LastDrain = s.lastDrain
	s.drainMu.Unlock()
	return st, nil
}

// Pending lists queued operations.
func (s *Synchronizer) Pending(ctx context.Context) ([]SyncOperation, error) {
	return s.queue.Pending(ctx)
}

// Failed lists operations that exhausted their attempts.
func (s *Synchronizer) Failed(ctx context.Context) ([]SyncOperation, error) {
	return s.queue.Failed(ctx)
}

// RetryFailed returns a failed operation to the queue with a fresh attempt budget.
func (s *Synchronizer) RetryFailed(ctx context.Context, id string) error {
	if err := s.queue.Requeue(ctx, id, s.now()); err != nil {
		return err
	}
	s.refreshQueueGauge(ctx)
	return nil
}

func (s *Synchronizer) refreshQueueGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	pending, failed, err := s.queue.Counts(ctx)
	if err != nil {
		return
	}
	s.metrics.Queue(pending, failed)
}
// #endregion status

// #region recover
// Recover reads path from every destination, drops copies that fail
// verification and returns the one with the newest lastModified.
func (s *Synchronizer) Recover(ctx context.Context, path string) ([]byte, string, error) {
	type copyOf struct {
		id   string
		data []byte
		env  state.Envelope
	}
	var (
		mu     sync.Mutex
		copies []copyOf
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.order {
		d := s.dests[id]
		g.Go(func() error {
			data, err := d.Get(gctx, path)
			if err != nil {
				if !errors.Is(err, destination.ErrNotFound) {
					s.logger.Warn("recover read failed", "destination", id, "path", path, "error", err)
				}
				return nil
			}
			env, err := state.Peek(data)
			if err != nil {
				s.logger.Warn("recover copy rejected", "destination", id, "path", path, "error", err)
				return nil
			}
			mu.Lock()
			copies = append(copies, copyOf{id: id, data: data, env: env})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(copies) == 0 {
		return nil, "", fmt.Errorf("recover %s: %w", path, destination.ErrNotFound)
	}
	// Ties go to the earlier configured destination.
	rank := make(map[string]int, len(s.order))
	for i, id := range s.order {
		rank[id] = i
	}
	sort.Slice(copies, func(i, j int) bool {
		if !copies[i].env.LastModified.Equal(copies[j].env.LastModified) {
			return copies[i].env.LastModified.After(copies[j].env.LastModified)
		}
		return rank[copies[i].id] < rank[copies[j].id]
	})
	return copies[0].data, copies[0].id, nil
}
// #endregion recover

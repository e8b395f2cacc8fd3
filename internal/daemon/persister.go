package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// Replicator is satisfied by *replication.Synchronizer.
type Replicator interface {
	Sync(ctx context.Context, path string, payload []byte, destIDs ...string) (replication.Report, error)
}

// DocumentStore is satisfied by *state.Store.
type DocumentStore interface {
	CommitDocument(ctx context.Context, doc *state.SystemState, rec *state.MutationRecord) error
}

// OperationRecorder is satisfied by *fitness.Monitor.
type OperationRecorder interface {
	RecordOperation(success bool, latency time.Duration, cost float64)
}

// Persister commits to the local store first, then replicates the sealed
// record, snapshot and document. Replication falling back to the retry queue
// is reported as an error so the engine marks the commit with a warning.
//
// A failed local commit does not stop replication. The commit is parked and
// retried in order by RetryLocal; later commits queue behind it so the local
// record stream never skips a version.
type Persister struct {
	mu     sync.Mutex
	parked []mutation.Commit

	store   DocumentStore
	sync    Replicator
	fitness OperationRecorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewPersister(store DocumentStore, sync Replicator, fitness OperationRecorder, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, sync: sync, fitness: fitness, logger: logger.With("component", "persister"), now: time.Now}
}

var _ mutation.Persister = (*Persister)(nil)

// Persist implements mutation.Persister. Each commit feeds one operation
// sample to the fitness monitor; its cost is the share of destination
// writes that had to be queued.
func (p *Persister) Persist(ctx context.Context, c mutation.Commit) error {
	start := p.now()
	var (
		errs          []error
		writes, queue int
	)
	if err := p.commitLocal(ctx, c); err != nil {
		errs = append(errs, err)
		writes++
		queue++
	}
	if p.sync == nil {
		err := errors.Join(errs...)
		p.observe(err == nil, start, float64(queue))
		return err
	}

	type item struct {
		path    string
		kind    string
		v       any
		modTime time.Time
	}
	items := []item{{state.RecordPath(c.Record), state.EnvelopeRecord, c.Record, c.Record.Timestamp}}
	if c.Snapshot != nil {
		items = append(items, item{state.SnapshotPath(c.Snapshot.ID), state.EnvelopeSnapshot, c.Snapshot, c.Snapshot.TakenAt})
	}
	// The document goes last so a reader never sees a version whose record is missing.
	items = append(items, item{state.StatePath, state.EnvelopeState, c.State, c.State.LastModified})

	for _, it := range items {
		payload, err := state.Seal(it.kind, it.v, it.modTime)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rep, err := p.sync.Sync(ctx, it.path, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		writes += len(rep)
		if q := rep.Queued(); len(q) > 0 {
			queue += len(q)
			errs = append(errs, fmt.Errorf("%w: %s queued for %v", replication.ErrDegraded, it.path, q))
		}
	}

	cost := 0.0
	if writes > 0 {
		cost = float64(queue) / float64(writes)
	}
	err := errors.Join(errs...)
	p.observe(err == nil, start, cost)
	return err
}

// commitLocal writes c to the local store, or parks it behind earlier
// failures. The returned error reports a parked commit.
func (p *Persister) commitLocal(ctx context.Context, c mutation.Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.parked) > 0 {
		p.retryLocked(ctx)
	}
	if len(p.parked) == 0 {
		err := p.store.CommitDocument(ctx, c.State, &c.Record)
		if err == nil {
			return nil
		}
		p.parked = append(p.parked, c)
		p.logger.Warn("local commit parked", "version", c.State.Version, "record", c.Record.ID, "error", err)
		return fmt.Errorf("%w: local commit of version %d: %v", replication.ErrDegraded, c.State.Version, err)
	}
	p.parked = append(p.parked, c)
	return fmt.Errorf("%w: local commit of version %d parked behind %d earlier", replication.ErrDegraded, c.State.Version, len(p.parked)-1)
}

// RetryLocal re-attempts parked local commits in order and reports how many
// are still waiting.
func (p *Persister) RetryLocal(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.retryLocked(ctx)
	return len(p.parked), err
}

// Parked reports how many local commits are waiting for RetryLocal.
func (p *Persister) Parked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked)
}

func (p *Persister) retryLocked(ctx context.Context) error {
	for len(p.parked) > 0 {
		c := p.parked[0]
		if err := p.store.CommitDocument(ctx, c.State, &c.Record); err != nil {
			return fmt.Errorf("local commit of version %d: %w", c.State.Version, err)
		}
		p.parked = p.parked[1:]
		p.logger.Info("parked local commit written", "version", c.State.Version, "record", c.Record.ID)
	}
	p.parked = nil
	return nil
}

func (p *Persister) observe(ok bool, start time.Time, cost float64) {
	if p.fitness == nil {
		return
	}
	p.fitness.RecordOperation(ok, p.now().Sub(start), cost)
}

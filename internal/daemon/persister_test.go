package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/config"
	"github.com/danielpatrickdp/evolution-engine/internal/destination"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

type fakeStore struct {
	docs []int64
	err  error
}

func (f *fakeStore) CommitDocument(_ context.Context, doc *state.SystemState, _ *state.MutationRecord) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc.Version)
	return nil
}

// fakeReplicator queues every write whose path is in down.
type fakeReplicator struct {
	paths []string
	down  map[string]bool
}

func (f *fakeReplicator) Sync(_ context.Context, path string, payload []byte, _ ...string) (replication.Report, error) {
	if _, err := state.Peek(payload); err != nil {
		return nil, err
	}
	f.paths = append(f.paths, path)
	out := replication.OutcomeWritten
	if f.down[path] {
		out = replication.OutcomeQueued
	}
	return replication.Report{"a": {Outcome: replication.OutcomeWritten}, "b": {Outcome: out}}, nil
}

type opSample struct {
	ok   bool
	cost float64
}

type fakeRecorder struct{ ops []opSample }

func (f *fakeRecorder) RecordOperation(ok bool, _ time.Duration, cost float64) {
	f.ops = append(f.ops, opSample{ok, cost})
}

func testCommit(withSnapshot bool) mutation.Commit {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := state.Default(now)
	doc.Version = 2
	rec := state.MutationRecord{ID: "rec-1", Kind: state.KindStorage, Description: "x", ResultingVersion: 2, Origin: state.OriginSystem, Timestamp: now}
	c := mutation.Commit{State: doc, Record: rec}
	if withSnapshot {
		c.Snapshot = &state.Snapshot{ID: "snap-1", State: state.Default(now), TakenAt: now}
	}
	return c
}

func TestPersisterWritesDocumentLast(t *testing.T) {
	store, sync, rec := &fakeStore{}, &fakeReplicator{}, &fakeRecorder{}
	p := NewPersister(store, sync, rec, nil)
	c := testCommit(true)

	if err := p.Persist(context.Background(), c); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(store.docs) != 1 || store.docs[0] != 2 {
		t.Fatalf("local commit = %v", store.docs)
	}
	want := []string{state.RecordPath(c.Record), state.SnapshotPath("snap-1"), state.StatePath}
	if len(sync.paths) != len(want) {
		t.Fatalf("synced %v, want %v", sync.paths, want)
	}
	for i := range want {
		if sync.paths[i] != want[i] {
			t.Fatalf("sync order %v, want %v", sync.paths, want)
		}
	}
	if len(rec.ops) != 1 || !rec.ops[0].ok || rec.ops[0].cost != 0 {
		t.Fatalf("fitness sample = %+v", rec.ops)
	}
}

func TestPersisterRollbackHasNoSnapshot(t *testing.T) {
	sync := &fakeReplicator{}
	p := NewPersister(&fakeStore{}, sync, nil, nil)
	if err := p.Persist(context.Background(), testCommit(false)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(sync.paths) != 2 {
		t.Fatalf("expected record and document only, got %v", sync.paths)
	}
}

func TestPersisterQueuedWritesAreDegraded(t *testing.T) {
	sync := &fakeReplicator{down: map[string]bool{state.StatePath: true}}
	rec := &fakeRecorder{}
	p := NewPersister(&fakeStore{}, sync, rec, nil)

	err := p.Persist(context.Background(), testCommit(false))
	if !errors.Is(err, replication.ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	// one of four destination writes was queued
	if len(rec.ops) != 1 || rec.ops[0].ok || rec.ops[0].cost != 0.25 {
		t.Fatalf("fitness sample = %+v", rec.ops)
	}
}

func TestPersisterLocalFailureStillReplicates(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	sync, rec := &fakeReplicator{}, &fakeRecorder{}
	p := NewPersister(store, sync, rec, nil)
	ctx := context.Background()

	first := testCommit(true)
	err := p.Persist(ctx, first)
	if !errors.Is(err, replication.ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	if len(sync.paths) != 3 {
		t.Fatalf("record, snapshot and document must still replicate, got %v", sync.paths)
	}
	if p.Parked() != 1 {
		t.Fatalf("parked = %d, want 1", p.Parked())
	}
	if len(rec.ops) != 1 || rec.ops[0].ok {
		t.Fatalf("fitness sample = %+v", rec.ops)
	}

	// A later commit waits behind the parked one so versions stay in order.
	second := testCommit(false)
	second.State = second.State.Clone()
	second.State.Version = 3
	second.Record.ID, second.Record.ResultingVersion = "rec-2", 3
	if err := p.Persist(ctx, second); !errors.Is(err, replication.ErrDegraded) {
		t.Fatalf("expected ErrDegraded while parked, got %v", err)
	}
	if p.Parked() != 2 || len(store.docs) != 0 {
		t.Fatalf("parked = %d, local = %v", p.Parked(), store.docs)
	}

	if left, err := p.RetryLocal(ctx); err == nil || left != 2 {
		t.Fatalf("RetryLocal while failing = %d, %v", left, err)
	}
	store.err = nil
	left, err := p.RetryLocal(ctx)
	if err != nil || left != 0 {
		t.Fatalf("RetryLocal = %d, %v", left, err)
	}
	if len(store.docs) != 2 || store.docs[0] != 2 || store.docs[1] != 3 {
		t.Fatalf("local commits = %v, want [2 3]", store.docs)
	}
	if err := p.Persist(ctx, testCommit(false)); err != nil {
		t.Fatalf("persist after recovery: %v", err)
	}
}

func TestAppliedMutationReachesReplicaWhenLocalStoreFails(t *testing.T) {
	ctx := context.Background()
	remote := destination.NewMemory("remote")
	sync, err := replication.New(replication.DefaultConfig(), replication.NewMemoryQueue(), []destination.Destination{remote})
	if err != nil {
		t.Fatalf("synchronizer: %v", err)
	}
	p := NewPersister(&fakeStore{err: errors.New("disk full")}, sync, nil, nil)
	e, err := mutation.New(state.Default(time.Now()), mutation.DefaultConfig(), mutation.Deps{Persister: p})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	out, err := e.Apply(ctx, mutation.Request{Proposal: state.Proposal{
		Kind:                 state.KindStorage,
		Description:          "compact storage segments",
		ExpectedFitnessDelta: 2.5,
		Origin:               state.OriginSystem,
	}, RiskScore: 0.08, AutoApproved: true})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st, _ := e.PersistStage(out.Record.ID); st != mutation.StagePersistedWithWarning {
		t.Fatalf("stage = %s", st)
	}

	data, err := remote.Get(ctx, state.StatePath)
	if err != nil {
		t.Fatalf("remote document: %v", err)
	}
	var doc state.SystemState
	if _, err := state.Unseal(data, &doc); err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if doc.Version != 2 {
		t.Fatalf("remote version = %d, want 2", doc.Version)
	}
	if _, err := remote.Get(ctx, state.RecordPath(out.Record)); err != nil {
		t.Fatalf("remote record: %v", err)
	}
	if p.Parked() != 1 {
		t.Fatalf("local commit should be parked, got %d", p.Parked())
	}
}

func TestOpenDestinationsRejectsUnknownType(t *testing.T) {
	_, err := OpenDestinations(context.Background(), []config.Destination{
		{Type: config.DestMemory, ID: "m"},
		{Type: "ftp", ID: "x"},
	})
	if err == nil {
		t.Fatal("expected error for unknown destination type")
	}
}

func TestOpenDestinationsDefaultsIDs(t *testing.T) {
	root := t.TempDir()
	ds, err := OpenDestinations(context.Background(), []config.Destination{
		{Type: config.DestMemory},
		{Type: config.DestFS, Root: root},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeDestinations(ds)
	if ds[0].ID() != "memory" || ds[1].ID() != "fs:"+root {
		t.Fatalf("ids = %s, %s", ds[0].ID(), ds[1].ID())
	}
}

package autonomy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

type recordingSyncer struct {
	mu       sync.Mutex
	paths    []string
	payloads [][]byte
	fail     bool
}

func (s *recordingSyncer) Replicate(_ context.Context, path string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("all destinations down")
	}
	s.paths = append(s.paths, path)
	s.payloads = append(s.payloads, payload)
	return nil
}

func action(calls *[]string, name string, err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls = append(*calls, name)
		return name + " done", err
	}
}

func TestWorkflowRunsAllSteps(t *testing.T) {
	c, eng, _ := newController(t, DefaultConfig())
	syncer := &recordingSyncer{}
	store := NewMemoryCheckpointStore()
	r := NewRunner(c, syncer, store, nil)

	p := storageProposal()
	var calls []string
	wf := Workflow{
		ID:              "wf-1",
		CheckpointEvery: 2,
		Steps: []Step{
			{Name: "optimise", Kind: StepMutation, Required: true, Proposal: &p},
			{Name: "sync", Kind: StepSync, Required: true, Path: "state/dna.json", Payload: []byte("{}")},
			{Name: "notify", Kind: StepAction, Action: action(&calls, "notify", nil)},
		},
	}

	rep, err := r.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Status != RunCompleted || len(rep.Results) != 3 || rep.NextStep != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	// One checkpoint after step 2, one at the end.
	if rep.Checkpoints != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", rep.Checkpoints)
	}
	if rep.Results[0].Version != 2 || eng.State().Version != 2 {
		t.Fatalf("mutation step did not apply: %+v", rep.Results[0])
	}
	if len(syncer.paths) != 1 || len(calls) != 1 {
		t.Fatalf("sync=%v actions=%v", syncer.paths, calls)
	}
}

func TestWorkflowSyncSourceRunsAtStepTime(t *testing.T) {
	c, eng, _ := newController(t, DefaultConfig())
	syncer := &recordingSyncer{}
	r := NewRunner(c, syncer, nil, nil)

	p := storageProposal()
	wf := Workflow{
		ID: "wf-src",
		Steps: []Step{
			{Name: "optimise", Kind: StepMutation, Required: true, Proposal: &p},
			{Name: "publish", Kind: StepSync, Required: true, Path: state.StatePath, Source: func(context.Context) ([]byte, error) {
				doc := eng.State()
				return state.Seal(state.EnvelopeState, doc, doc.LastModified)
			}},
			{Name: "broken", Kind: StepSync, Path: state.StatePath, Source: func(context.Context) ([]byte, error) {
				return nil, errors.New("cannot seal")
			}},
		},
	}
	rep, err := r.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(syncer.payloads) != 1 {
		t.Fatalf("expected one published payload, got %d", len(syncer.payloads))
	}
	var doc state.SystemState
	if _, err := state.Unseal(syncer.payloads[0], &doc); err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if doc.Version != 2 {
		t.Fatalf("published version %d, want the post-mutation document", doc.Version)
	}
	if rep.Results[2].OK || rep.Results[2].Error != "cannot seal" {
		t.Fatalf("source failure should fail the step: %+v", rep.Results[2])
	}
}

func TestWorkflowOptionalFailureContinues(t *testing.T) {
	r := NewRunner(nil, nil, nil, nil)
	var calls []string
	wf := Workflow{
		ID: "wf-opt",
		Steps: []Step{
			{Name: "a", Kind: StepAction, Action: action(&calls, "a", errors.New("flaky"))},
			{Name: "b", Kind: StepAction, Required: true, Action: action(&calls, "b", nil)},
		},
	}
	rep, err := r.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Results[0].OK || rep.Results[0].Error == "" || !rep.Results[1].OK {
		t.Fatalf("unexpected results %+v", rep.Results)
	}
}

func TestWorkflowRequiredFailureHaltsAndResumes(t *testing.T) {
	store := NewMemoryCheckpointStore()
	r := NewRunner(nil, nil, store, nil)

	var calls []string
	failing := true
	flaky := func(context.Context) (string, error) {
		calls = append(calls, "c")
		if failing {
			return "", errors.New("remote unavailable")
		}
		return "ok", nil
	}
	wf := Workflow{
		ID:              "wf-halt",
		CheckpointEvery: 2,
		Steps: []Step{
			{Name: "a", Kind: StepAction, Required: true, Action: action(&calls, "a", nil)},
			{Name: "b", Kind: StepAction, Required: true, Action: action(&calls, "b", nil)},
			{Name: "c", Kind: StepAction, Required: true, Action: flaky},
			{Name: "d", Kind: StepAction, Required: true, Action: action(&calls, "d", nil)},
		},
	}

	rep, err := r.Run(context.Background(), wf)
	if !errors.Is(err, ErrStepFailed) || rep.Status != RunFailed || rep.NextStep != 2 {
		t.Fatalf("expected halt at step 2, got %+v %v", rep, err)
	}
	if len(calls) != 3 {
		t.Fatalf("step d must not run, calls=%v", calls)
	}

	failing = false
	calls = nil
	rep, err = r.Resume(context.Background(), wf)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rep.ResumedFrom != 2 || rep.Status != RunCompleted {
		t.Fatalf("expected resume from checkpoint 2, got %+v", rep)
	}
	if len(calls) != 2 || calls[0] != "c" || calls[1] != "d" {
		t.Fatalf("resume must not rerun committed steps, calls=%v", calls)
	}
	if len(rep.Results) != 4 {
		t.Fatalf("expected results of all four steps, got %d", len(rep.Results))
	}
}

func TestWorkflowBudgetCheckedAtBoundary(t *testing.T) {
	r := NewRunner(nil, nil, nil, nil)
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	var calls []string
	slow := func(name string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) {
			calls = append(calls, name)
			clock = clock.Add(time.Minute)
			return "", nil
		}
	}
	wf := Workflow{
		ID:              "wf-budget",
		CheckpointEvery: 2,
		Budget:          90 * time.Second,
		Steps: []Step{
			{Name: "a", Kind: StepAction, Action: slow("a")},
			{Name: "b", Kind: StepAction, Action: slow("b")},
			{Name: "c", Kind: StepAction, Action: slow("c")},
			{Name: "d", Kind: StepAction, Action: slow("d")},
		},
	}

	rep, err := r.Run(context.Background(), wf)
	if !errors.Is(err, ErrBudgetExceeded) || rep.Status != RunBudgetExceeded {
		t.Fatalf("expected budget halt, got %+v %v", rep, err)
	}
	// b ran past the budget but was not preempted; the halt happened at the boundary after it.
	if len(calls) != 2 || rep.NextStep != 2 {
		t.Fatalf("expected halt after step b, calls=%v next=%d", calls, rep.NextStep)
	}
}

func TestWorkflowRejectedMutationFails(t *testing.T) {
	c, _, _ := newController(t, DefaultConfig())
	r := NewRunner(c, nil, nil, nil)
	bad := state.Proposal{Kind: "teleportation", Description: "not a real change kind", Origin: state.OriginSystem}
	wf := Workflow{ID: "wf-bad", Steps: []Step{{Name: "bad", Kind: StepMutation, Required: true, Proposal: &bad}}}

	_, err := r.Run(context.Background(), wf)
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
}

func TestSQLCheckpointStore(t *testing.T) {
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLCheckpointStore(db)
	if err != nil {
		t.Fatalf("NewSQLCheckpointStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.LoadCheckpoint(ctx, "nope"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	cp := Checkpoint{WorkflowID: "wf", StepIndex: 2, Results: []StepResult{{Index: 0, Name: "a", OK: true}, {Index: 1, Name: "b", OK: true}}}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	cp.StepIndex = 4
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint overwrite: %v", err)
	}
	got, err := s.LoadCheckpoint(ctx, "wf")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got.StepIndex != 4 || len(got.Results) != 2 || got.Results[1].Name != "b" {
		t.Fatalf("unexpected checkpoint %+v", got)
	}
}

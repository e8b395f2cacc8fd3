package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/config"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

func testConfig(t *testing.T, replica string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "evolve.db")
	cfg.Queue.Path = ""
	cfg.Queue.InMemory = true
	cfg.Destinations = []config.Destination{{Type: config.DestFS, ID: "replica", Root: replica}}
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Audit.JSONLPath = filepath.Join(dir, "audit.jsonl")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func storageProposal() state.Proposal {
	return state.Proposal{
		Kind:                 state.KindStorage,
		Description:          "compact storage segments",
		ExpectedFitnessDelta: 2.5,
		Origin:               state.OriginSystem,
	}
}

// waitPersisted polls until the commit for recordID leaves the in-flight stage.
func waitPersisted(t *testing.T, e *mutation.Engine, recordID string) mutation.Stage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := e.PersistStage(recordID); ok && st != mutation.StageVerified {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %s never persisted", recordID)
	return ""
}

func TestDaemonPersistsAndReplicates(t *testing.T) {
	ctx := context.Background()
	replica := t.TempDir()
	d, err := New(ctx, testConfig(t, replica), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown(ctx)
	if d.BootSource != "default" {
		t.Fatalf("expected default boot, got %q", d.BootSource)
	}

	res, err := d.Controller.Propose(ctx, storageProposal())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Status != autonomy.StatusApplied {
		t.Fatalf("expected auto-apply, got %+v", res)
	}

	rec := d.Engine.State().MutationHistory[len(d.Engine.State().MutationHistory)-1]
	if st := waitPersisted(t, d.Engine, rec.ID); st != mutation.StagePersisted {
		t.Fatalf("stage = %s", st)
	}

	cur, err := d.Store.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Version != res.Version {
		t.Fatalf("local store version %d, want %d", cur.Version, res.Version)
	}

	for _, p := range []string{state.StatePath, state.RecordPath(rec), state.SnapshotPath(res.SnapshotID)} {
		data, err := os.ReadFile(filepath.Join(replica, filepath.FromSlash(p)))
		if err != nil {
			t.Fatalf("replica missing %s: %v", p, err)
		}
		if _, err := state.Peek(data); err != nil {
			t.Fatalf("replica %s not a valid envelope: %v", p, err)
		}
	}

	if snap := d.Fitness.Sample(); snap.Operations != 1 || snap.SuccessRate != 1 {
		t.Fatalf("persistence should feed the fitness monitor: %+v", snap)
	}
}

func TestDaemonRecoversFromReplica(t *testing.T) {
	ctx := context.Background()
	replica := t.TempDir()

	first, err := New(ctx, testConfig(t, replica), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := first.Controller.Propose(ctx, storageProposal())
	if err != nil || res.Status != autonomy.StatusApplied {
		t.Fatalf("propose: %v %+v", err, res)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// A fresh local database with the same replica boots from the replica.
	second, err := New(ctx, testConfig(t, replica), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Shutdown(ctx)
	if second.BootSource != "replica" {
		t.Fatalf("expected replica boot, got %q", second.BootSource)
	}
	st := second.Engine.State()
	if st.Version != res.Version || st.FitnessScore != 52.5 {
		t.Fatalf("recovered state = version %d fitness %.2f", st.Version, st.FitnessScore)
	}
}

func TestDaemonRunServesAPIAndShutsDown(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, err := d.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	base := fmt.Sprintf("http://%s", addr)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(base + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	body := `{"kind":"storage_optimization","description":"compact storage segments","expected_fitness_delta":2.5,"origin":"system"}`
	resp, err = http.Post(base+"/v1/proposals", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	var res autonomy.ProposalResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if res.Status != autonomy.StatusApplied {
		t.Fatalf("expected applied, got %+v", res)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	data, err := os.ReadFile(cfg.Audit.JSONLPath)
	if err != nil {
		t.Fatalf("audit jsonl: %v", err)
	}
	if !strings.Contains(string(data), `"decision":"applied"`) {
		t.Fatalf("audit log not flushed on shutdown: %s", data)
	}
}

func TestDaemonWorkflowCheckpointsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir())

	first, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := storageProposal()
	wf := autonomy.Workflow{
		ID:   "nightly-tune",
		Name: "nightly tune",
		Steps: []autonomy.Step{
			{Name: "compact", Kind: autonomy.StepMutation, Required: true, Proposal: &p},
		},
	}
	rep, err := first.Workflows.Run(ctx, wf)
	if err != nil || rep.Status != autonomy.RunCompleted {
		t.Fatalf("run: %v %+v", err, rep)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Shutdown(ctx)
	cp, err := second.Workflows.Checkpoint(ctx, "nightly-tune")
	if err != nil {
		t.Fatalf("checkpoint after restart: %v", err)
	}
	if cp.StepIndex != 1 || len(cp.Results) != 1 || !cp.Results[0].OK {
		t.Fatalf("checkpoint = %+v", cp)
	}

	// Resuming a finished workflow runs nothing more.
	before := second.Engine.State().Version
	rep, err = second.Workflows.Resume(ctx, wf)
	if err != nil || rep.Status != autonomy.RunCompleted {
		t.Fatalf("resume: %v %+v", err, rep)
	}
	if second.Engine.State().Version != before {
		t.Fatal("resume re-applied a committed step")
	}
}

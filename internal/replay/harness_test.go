package replay

import (
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region helpers
var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func apply(id string, version int64, delta float64, snap string) state.MutationRecord {
	return state.MutationRecord{
		ID: id, Kind: state.KindStorage, Timestamp: t0, FitnessDelta: delta,
		ResultingVersion: version, Origin: state.OriginSystem, RollbackSnapshotID: snap,
	}
}

func rollback(id string, version int64, delta float64, snap string) state.MutationRecord {
	return state.MutationRecord{
		ID: id, Kind: state.KindRollback, Timestamp: t0, FitnessDelta: delta,
		ResultingVersion: version, Origin: state.OriginSystem, RollbackSnapshotID: snap,
	}
}
// #endregion helpers

// #region tests
func TestReplayAppliesDeltas(t *testing.T) {
	initial := state.Default(t0)
	steps := Replay(initial, []state.MutationRecord{
		apply("a", 2, 5, "s1"),
		apply("b", 3, -1.5, "s2"),
	})
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	last := steps[1]
	if last.Version != 3 || last.Fitness != 53.5 || last.Mismatch != "" {
		t.Fatalf("unexpected final step %+v", last)
	}
	sum := Summarize(initial, steps, nil)
	if sum.Applied != 2 || sum.RolledBack != 0 || sum.Mismatches != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestReplayRollbackRestoresPreimage(t *testing.T) {
	initial := state.Default(t0)
	steps := Replay(initial, []state.MutationRecord{
		apply("a", 2, 5, "s1"),
		apply("b", 3, -2, "s2"),
		rollback("r", 2, 2, "s2"),
		apply("c", 3, 1, "s3"),
	})
	if steps[2].Version != 2 || steps[2].Fitness != 55 || steps[2].Mismatch != "" {
		t.Fatalf("rollback step %+v", steps[2])
	}
	if steps[3].Version != 3 || steps[3].Fitness != 56 {
		t.Fatalf("apply after rollback %+v", steps[3])
	}
}

func TestReplayFlagsVersionGap(t *testing.T) {
	steps := Replay(state.Default(t0), []state.MutationRecord{
		apply("a", 2, 1, "s1"),
		apply("b", 4, 1, "s2"),
		apply("c", 5, 1, "s3"),
	})
	if !strings.Contains(steps[1].Mismatch, "claims version 4") {
		t.Fatalf("expected version mismatch, got %q", steps[1].Mismatch)
	}
	// replay resynchronises on the record so one gap is reported once
	if steps[2].Mismatch != "" || steps[2].Version != 5 {
		t.Fatalf("expected resync after gap, got %+v", steps[2])
	}
}

func TestReplayFlagsRollbackFitnessDrift(t *testing.T) {
	steps := Replay(state.Default(t0), []state.MutationRecord{
		apply("a", 2, 5, "s1"),
		rollback("r", 1, -4, "s1"),
	})
	if !strings.Contains(steps[1].Mismatch, "restored fitness") {
		t.Fatalf("expected fitness drift, got %q", steps[1].Mismatch)
	}
	// the snapshot wins over the record's delta
	if steps[1].Fitness != 50 {
		t.Fatalf("expected fitness 50 from pre-image, got %v", steps[1].Fitness)
	}
}

func TestReplayRollbackMustLowerVersion(t *testing.T) {
	steps := Replay(state.Default(t0), []state.MutationRecord{
		apply("a", 2, 1, "s1"),
		rollback("r", 2, 0, "unknown"),
	})
	if !strings.Contains(steps[1].Mismatch, "not below") {
		t.Fatalf("expected version ordering mismatch, got %q", steps[1].Mismatch)
	}
}

func TestReplayUnknownSnapshotTrustsRecord(t *testing.T) {
	initial := state.Default(t0)
	initial.Version, initial.FitnessScore = 7, 61
	steps := Replay(initial, []state.MutationRecord{rollback("r", 4, -6, "pruned")})
	if steps[0].Mismatch != "" || steps[0].Version != 4 || steps[0].Fitness != 55 {
		t.Fatalf("unexpected step %+v", steps[0])
	}
}

func TestSummarizeComparesDocument(t *testing.T) {
	initial := state.Default(t0)
	steps := Replay(initial, []state.MutationRecord{apply("a", 2, 5, "s1")})

	good := initial.Clone()
	good.Version, good.FitnessScore = 2, 55
	if sum := Summarize(initial, steps, good); sum.Mismatches != 0 {
		t.Fatalf("expected clean summary, got %+v", sum)
	}

	bad := initial.Clone()
	bad.Version, bad.FitnessScore = 3, 58
	sum := Summarize(initial, steps, bad)
	if sum.Mismatches != 2 || len(sum.Problems) != 2 {
		t.Fatalf("expected version and fitness mismatch, got %+v", sum)
	}
}

func TestSummarizeEmptyStream(t *testing.T) {
	initial := state.Default(t0)
	sum := Summarize(initial, Replay(initial, nil), nil)
	if sum.Records != 0 || sum.FinalVersion != 1 || sum.FinalFitness != 50 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
// #endregion tests

package replay

import (
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region fixture-tests

// TestFixture_RollbackSession is the regression baseline for how apply and
// rollback records are interpreted.
func TestFixture_RollbackSession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "rollback_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	sum, diffs := f.Check()
	if len(diffs) > 0 {
		t.Fatalf("fixture drifted: %v", diffs)
	}
	if sum.Applied != 3 || sum.RolledBack != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestFixture_WriteLoadRoundTrip(t *testing.T) {
	initial := state.Default(t0)
	initial.MutationHistory = append(initial.MutationHistory, apply("old", 1, 0, ""))
	records := []state.MutationRecord{
		apply("a", 2, 3, "s1"),
		rollback("r", 1, -3, "s1"),
	}
	f := NewFixture("roundtrip", initial, records)
	if len(f.Initial.MutationHistory) != 0 {
		t.Fatal("fixture initial state should not carry history")
	}
	if f.Expected.Version != 1 || f.Expected.Fitness != 50 || f.Expected.Mismatches != 0 {
		t.Fatalf("unexpected expectation %+v", f.Expected)
	}

	path := filepath.Join(t.TempDir(), "f.json")
	if err := f.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	loaded, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if _, diffs := loaded.Check(); len(diffs) > 0 {
		t.Fatalf("round-tripped fixture drifted: %v", diffs)
	}
}

func TestFixture_CheckReportsDrift(t *testing.T) {
	f := NewFixture("drift", state.Default(t0), []state.MutationRecord{apply("a", 2, 3, "s1")})
	f.Expected.Fitness = 60
	if _, diffs := f.Check(); len(diffs) != 1 {
		t.Fatalf("expected one diff, got %v", diffs)
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing fixture")
	}
}

// #endregion fixture-tests

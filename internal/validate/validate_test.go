package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

func riskPtr(f float64) *float64 { return &f }

func baseProposal() state.Proposal {
	return state.Proposal{
		Kind:                 state.KindStorage,
		Description:          "compact the storage index",
		ExpectedFitnessDelta: 2.5,
		RiskScore:            riskPtr(0.1),
		Origin:               state.OriginSystem,
	}
}

func TestValidateAccepts(t *testing.T) {
	v := New(DefaultConfig())
	res := v.Validate(baseProposal(), state.Default(time.Now()))
	if !res.OK {
		t.Fatalf("expected OK, got errors %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
}

func TestValidateBlockingErrors(t *testing.T) {
	v := New(DefaultConfig())
	cur := state.Default(time.Now())

	tests := []struct {
		name   string
		mutate func(p *state.Proposal)
		want   string
	}{
		{"unknown kind", func(p *state.Proposal) { p.Kind = "teleport" }, "unknown mutation kind"},
		{"rollback kind", func(p *state.Proposal) { p.Kind = state.KindRollback }, "unknown mutation kind"},
		{"delta too high", func(p *state.Proposal) { p.ExpectedFitnessDelta = 50.5 }, "outside"},
		{"delta too low", func(p *state.Proposal) { p.ExpectedFitnessDelta = -31 }, "outside"},
		{"short description", func(p *state.Proposal) { p.Description = "tiny" }, "description too short"},
		{"bad origin", func(p *state.Proposal) { p.Origin = "martian" }, "unknown origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseProposal()
			tt.mutate(&p)
			res := v.Validate(p, cur)
			if res.OK {
				t.Fatal("expected rejection")
			}
			if !strings.Contains(strings.Join(res.Errors, ";"), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, res.Errors)
			}
		})
	}
}

func TestValidateFitnessFloor(t *testing.T) {
	v := New(DefaultConfig())
	cur := state.Default(time.Now())
	cur.FitnessScore = 10
	p := baseProposal()
	p.ExpectedFitnessDelta = -20
	res := v.Validate(p, cur)
	if res.OK {
		t.Fatal("expected rejection when fitness would go negative")
	}
}

func TestValidateWarnings(t *testing.T) {
	v := New(DefaultConfig())
	p := baseProposal()
	p.RiskScore = nil
	p.ExpectedFitnessDelta = 40
	res := v.Validate(p, state.Default(time.Now()))
	if !res.OK {
		t.Fatalf("warnings must not block: %v", res.Errors)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", res.Warnings)
	}
}

func TestValidateDoesNotTouchState(t *testing.T) {
	v := New(DefaultConfig())
	cur := state.Default(time.Now())
	before, _ := cur.Checksum()
	v.Validate(baseProposal(), cur)
	after, _ := cur.Checksum()
	if before != after {
		t.Fatal("Validate mutated the document")
	}
}

func TestCheckInvariants(t *testing.T) {
	good := state.Default(time.Now())
	if vs := CheckInvariants(good); len(vs) != 0 {
		t.Fatalf("default state should satisfy invariants: %v", vs)
	}

	bad := good.Clone()
	bad.Traits.AutonomyLevel = 1.2
	bad.Traits.Providers = []string{"a", "a"}
	bad.Traits.StorageBackends = -1
	bad.FitnessScore = -0.5
	bad.MutationHistory = append(bad.MutationHistory, state.MutationRecord{ID: "r", ResultingVersion: 7})

	vs := CheckInvariants(bad)
	fields := map[string]bool{}
	for _, v := range vs {
		fields[v.Field] = true
	}
	for _, want := range []string{
		"traits.autonomy_level",
		"traits.providers",
		"traits.storage_backends",
		"fitness_score",
		"mutation_history",
	} {
		if !fields[want] {
			t.Fatalf("expected violation on %s, got %v", want, vs)
		}
	}
}

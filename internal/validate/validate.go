package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region validator
// Validator checks proposals against policy and documents against invariants.
type Validator struct {
	config Config
}

// New creates a validator with the given configuration.
func New(config Config) *Validator {
	return &Validator{config: config}
}

// Config returns the active policy bounds.
func (v *Validator) Config() Config {
	return v.config
}

// Validate is pure: it never touches cur and returns the same result for the same inputs.
func (v *Validator) Validate(p state.Proposal, cur *state.SystemState) Result {
	var errs, warns []string

	// --- Blocking checks ---

	if !p.Kind.Proposable() {
		errs = append(errs, fmt.Sprintf("unknown mutation kind %q", p.Kind))
	}

	d := p.ExpectedFitnessDelta
	if math.IsNaN(d) || math.IsInf(d, 0) {
		errs = append(errs, "expected fitness delta is not a finite number")
	} else {
		if d < v.config.MinDelta || d > v.config.MaxDelta {
			errs = append(errs, fmt.Sprintf("expected fitness delta %.2f outside [%.2f, %.2f]",
				d, v.config.MinDelta, v.config.MaxDelta))
		}
		if cur != nil && cur.FitnessScore+d < 0 {
			errs = append(errs, fmt.Sprintf("fitness would drop below zero (%.2f + %.2f)", cur.FitnessScore, d))
		}
	}

	if n := len(strings.TrimSpace(p.Description)); n < v.config.MinDescriptionLength {
		errs = append(errs, fmt.Sprintf("description too short (%d < %d chars)", n, v.config.MinDescriptionLength))
	}

	if p.Origin != "" && !p.Origin.Valid() {
		errs = append(errs, fmt.Sprintf("unknown origin %q", p.Origin))
	}

	// --- Advisory checks ---

	if p.RiskScore == nil {
		warns = append(warns, "no advisory risk score supplied; computed score is authoritative")
	} else if r := *p.RiskScore; r < 0 || r > 1 {
		warns = append(warns, fmt.Sprintf("advisory risk score %.2f outside [0,1] ignored", r))
	}
	if d > v.config.LargeImpactWarning {
		warns = append(warns, fmt.Sprintf("unusually large expected impact %.2f", d))
	}

	return Result{OK: len(errs) == 0, Errors: errs, Warnings: warns}
}
// #endregion validator

// #region invariants
// CheckInvariants returns every invariant s violates. An empty result means s may become authoritative.
func CheckInvariants(s *state.SystemState) []Violation {
	if s == nil {
		return []Violation{{Field: "state", Reason: "nil document"}}
	}
	var out []Violation

	if s.Version < 1 {
		out = append(out, Violation{Field: "version", Reason: fmt.Sprintf("%d < 1", s.Version)})
	}
	if math.IsNaN(s.FitnessScore) || math.IsInf(s.FitnessScore, 0) {
		out = append(out, Violation{Field: "fitness_score", Reason: "not finite"})
	} else if s.FitnessScore < 0 {
		out = append(out, Violation{Field: "fitness_score", Reason: fmt.Sprintf("%.4f < 0", s.FitnessScore)})
	}

	t := s.Traits
	if math.IsNaN(t.AutonomyLevel) || t.AutonomyLevel < 0 || t.AutonomyLevel > 1 {
		out = append(out, Violation{Field: "traits.autonomy_level", Reason: fmt.Sprintf("%.4f outside [0,1]", t.AutonomyLevel)})
	}
	counts := []struct {
		field string
		n     int
	}{
		{"traits.communication_channels", t.CommunicationChannels},
		{"traits.storage_backends", t.StorageBackends},
		{"traits.intelligence_level", t.IntelligenceLevel},
		{"traits.protocol_version", t.ProtocolVersion},
	}
	for _, c := range counts {
		if c.n < 0 {
			out = append(out, Violation{Field: c.field, Reason: fmt.Sprintf("%d < 0", c.n)})
		}
	}
	if dup, ok := firstDuplicate(t.Providers); ok {
		out = append(out, Violation{Field: "traits.providers", Reason: fmt.Sprintf("duplicate %q", dup)})
	}
	if dup, ok := firstDuplicate(t.Plugins); ok {
		out = append(out, Violation{Field: "traits.plugins", Reason: fmt.Sprintf("duplicate %q", dup)})
	}

	if last, ok := s.LastRecord(); ok && last.ResultingVersion != s.Version {
		out = append(out, Violation{
			Field:  "mutation_history",
			Reason: fmt.Sprintf("last record version %d != document version %d", last.ResultingVersion, s.Version),
		})
	}
	return out
}

func firstDuplicate(xs []string) (string, bool) {
	seen := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			return x, true
		}
		seen[x] = struct{}{}
	}
	return "", false
}
// #endregion invariants

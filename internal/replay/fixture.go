package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string                 `json:"description"`
	Initial     state.SystemState      `json:"initial"`
	Records     []state.MutationRecord `json:"records"`
	Expected    FixtureExpected        `json:"expected"`
}

// FixtureExpected is the end point a replay of Records must reach.
type FixtureExpected struct {
	Version    int64   `json:"version"`
	Fitness    float64 `json:"fitness"`
	Mismatches int     `json:"mismatches"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// NewFixture records the stream together with where a replay of it lands,
// so later runs detect drift in how records are interpreted.
func NewFixture(description string, initial *state.SystemState, records []state.MutationRecord) *Fixture {
	steps := Replay(initial, records)
	sum := Summarize(initial, steps, nil)
	start := initial.Clone()
	start.MutationHistory = []state.MutationRecord{}
	return &Fixture{
		Description: description,
		Initial:     *start,
		Records:     records,
		Expected: FixtureExpected{
			Version:    sum.FinalVersion,
			Fitness:    sum.FinalFitness,
			Mismatches: sum.Mismatches,
		},
	}
}

// Write stores the fixture as indented JSON.
func (f *Fixture) Write(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// Check replays the fixture and lists every way the result differs from Expected.
func (f *Fixture) Check() (Summary, []string) {
	steps := Replay(&f.Initial, f.Records)
	sum := Summarize(&f.Initial, steps, nil)
	var diffs []string
	if sum.FinalVersion != f.Expected.Version {
		diffs = append(diffs, fmt.Sprintf("version %d, expected %d", sum.FinalVersion, f.Expected.Version))
	}
	if !near(sum.FinalFitness, f.Expected.Fitness) {
		diffs = append(diffs, fmt.Sprintf("fitness %.4f, expected %.4f", sum.FinalFitness, f.Expected.Fitness))
	}
	if sum.Mismatches != f.Expected.Mismatches {
		diffs = append(diffs, fmt.Sprintf("%d mismatches, expected %d: %v", sum.Mismatches, f.Expected.Mismatches, sum.Problems))
	}
	return sum, diffs
}

// #endregion fixture-loader

package replay

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region types
const (
	ActionApply    = "apply"
	ActionRollback = "rollback"
)

// fitnessTolerance absorbs float drift from summing deltas.
const fitnessTolerance = 1e-9

// Step is the recomputed effect of one mutation record.
type Step struct {
	RecordID string     `json:"record_id"`
	Kind     state.Kind `json:"kind"`
	Action   string     `json:"action"`
	Version  int64      `json:"version"`
	Fitness  float64    `json:"fitness"`
	Mismatch string     `json:"mismatch,omitempty"`
}

// Summary aggregates a replay run.
type Summary struct {
	Records      int      `json:"records"`
	Applied      int      `json:"applied"`
	RolledBack   int      `json:"rolled_back"`
	Mismatches   int      `json:"mismatches"`
	FinalVersion int64    `json:"final_version"`
	FinalFitness float64  `json:"final_fitness"`
	Problems     []string `json:"problems,omitempty"`
}

type point struct {
	version int64
	fitness float64
}
// #endregion types

// #region replay
// Replay walks records in order from initial and recomputes version and
// fitness the way the engine derives them. Apply records must advance the
// version by one and move fitness by their delta. Rollback records restore the
// pre-image named by their snapshot id when an earlier apply in the stream
// took it; otherwise the record's own delta is trusted.
func Replay(initial *state.SystemState, records []state.MutationRecord) []Step {
	cur := point{version: initial.Version, fitness: initial.FitnessScore}
	preimages := make(map[string]point)
	steps := make([]Step, 0, len(records))

	for _, rec := range records {
		step := Step{RecordID: rec.ID, Kind: rec.Kind}
		if rec.Kind == state.KindRollback {
			step.Action = ActionRollback
			next := point{version: rec.ResultingVersion, fitness: cur.fitness + rec.FitnessDelta}
			if pre, ok := preimages[rec.RollbackSnapshotID]; ok {
				if pre.version != rec.ResultingVersion {
					step.Mismatch = fmt.Sprintf("snapshot %s holds version %d, record restores %d",
						rec.RollbackSnapshotID, pre.version, rec.ResultingVersion)
				} else if !near(pre.fitness, next.fitness) {
					step.Mismatch = fmt.Sprintf("restored fitness %.4f, record implies %.4f", pre.fitness, next.fitness)
				}
				next = pre
			}
			if step.Mismatch == "" && next.version >= cur.version {
				step.Mismatch = fmt.Sprintf("rollback to version %d is not below %d", next.version, cur.version)
			}
			cur = next
		} else {
			step.Action = ActionApply
			if rec.RollbackSnapshotID != "" {
				preimages[rec.RollbackSnapshotID] = cur
			}
			cur = point{version: cur.version + 1, fitness: cur.fitness + rec.FitnessDelta}
			if rec.ResultingVersion != cur.version {
				step.Mismatch = fmt.Sprintf("record claims version %d, replay reached %d", rec.ResultingVersion, cur.version)
				cur.version = rec.ResultingVersion
			}
		}
		step.Version, step.Fitness = cur.version, cur.fitness
		steps = append(steps, step)
	}
	return steps
}

// Summarize folds steps into totals and compares the end point with final
// when it is given.
func Summarize(initial *state.SystemState, steps []Step, final *state.SystemState) Summary {
	s := Summary{Records: len(steps), FinalVersion: initial.Version, FinalFitness: initial.FitnessScore}
	for _, st := range steps {
		switch st.Action {
		case ActionApply:
			s.Applied++
		case ActionRollback:
			s.RolledBack++
		}
		if st.Mismatch != "" {
			s.Mismatches++
			s.Problems = append(s.Problems, fmt.Sprintf("%s: %s", st.RecordID, st.Mismatch))
		}
		s.FinalVersion, s.FinalFitness = st.Version, st.Fitness
	}
	if final != nil {
		if final.Version != s.FinalVersion {
			s.Mismatches++
			s.Problems = append(s.Problems, fmt.Sprintf("document version %d, replay reached %d", final.Version, s.FinalVersion))
		}
		if !near(final.FitnessScore, s.FinalFitness) {
			s.Mismatches++
			s.Problems = append(s.Problems, fmt.Sprintf("document fitness %.4f, replay reached %.4f", final.FitnessScore, s.FinalFitness))
		}
	}
	return s
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= fitnessTolerance
}
// #endregion replay

// Package risk scores proposed mutations. Score is a pure function of its
// inputs so identical proposals in identical sessions always score the same.
package risk

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region config
// Config holds the weights and lookup tables. All values are tunable; the
// defaults are uncalibrated placeholders.
type Config struct {
	BaseWeight    float64 `yaml:"base_weight" validate:"gte=0,lte=1"`
	ImpactWeight  float64 `yaml:"impact_weight" validate:"gte=0,lte=1"`
	OriginWeight  float64 `yaml:"origin_weight" validate:"gte=0,lte=1"`
	SessionWeight float64 `yaml:"session_weight" validate:"gte=0,lte=1"`

	KindBase   map[state.Kind]float64   `yaml:"kind_base"`
	OriginRisk map[state.Origin]float64 `yaml:"origin_risk"`

	// ImpactThreshold is the |delta| below which impact risk is zero.
	// Impact risk then rises linearly to 1 at ImpactThreshold+ImpactSpan.
	ImpactThreshold float64 `yaml:"impact_threshold" validate:"gte=0"`
	ImpactSpan      float64 `yaml:"impact_span" validate:"gt=0"`

	// SessionPressureRatio is the fraction of the session budget after which
	// SessionPenalty applies.
	SessionPressureRatio float64 `yaml:"session_pressure_ratio" validate:"gt=0,lte=1"`
	SessionPenalty       float64 `yaml:"session_penalty" validate:"gte=0,lte=1"`

	// HistoryBlend mixes the per-kind failure rate into the base term once
	// HistoryMinSamples outcomes are known.
	HistoryBlend      float64 `yaml:"history_blend" validate:"gte=0,lte=1"`
	HistoryMinSamples int     `yaml:"history_min_samples" validate:"gte=0"`
}

// DefaultConfig returns the default weights.
func DefaultConfig() Config {
	return Config{
		BaseWeight:    0.4,
		ImpactWeight:  0.3,
		OriginWeight:  0.2,
		SessionWeight: 0.1,
		KindBase: map[state.Kind]float64{
			state.KindCommunication: 0.3,
			state.KindStorage:       0.2,
			state.KindIntelligence:  0.5,
			state.KindProtocol:      0.6,
			state.KindAutonomy:      0.9,
			state.KindProvider:      0.4,
			state.KindPlugin:        0.5,
		},
		OriginRisk: map[state.Origin]float64{
			state.OriginSystem:       0.0,
			state.OriginTrustedAgent: 0.3,
			state.OriginUnknownAgent: 0.7,
			state.OriginExternal:     1.0,
		},
		ImpactThreshold:      10,
		ImpactSpan:           40,
		SessionPressureRatio: 0.8,
		SessionPenalty:       1.0,
		HistoryBlend:         0.25,
		HistoryMinSamples:    5,
	}
}
// #endregion config

// #region types
// Session is the slice of session state risk depends on.
type Session struct {
	Applied int
	Budget  int
}

// KindHistory summarises past outcomes for a kind.
type KindHistory struct {
	Samples     int
	FailureRate float64
}

// Breakdown holds each unweighted term and its weighted contribution.
type Breakdown struct {
	Base            float64 `json:"base"`
	Impact          float64 `json:"impact"`
	Origin          float64 `json:"origin"`
	Session         float64 `json:"session"`
	WeightedBase    float64 `json:"weighted_base"`
	WeightedImpact  float64 `json:"weighted_impact"`
	WeightedOrigin  float64 `json:"weighted_origin"`
	WeightedSession float64 `json:"weighted_session"`
}

// Map flattens the breakdown for audit entries.
func (b Breakdown) Map() map[string]float64 {
	return map[string]float64{
		"base":             b.Base,
		"impact":           b.Impact,
		"origin":           b.Origin,
		"session":          b.Session,
		"weighted_base":    b.WeightedBase,
		"weighted_impact":  b.WeightedImpact,
		"weighted_origin":  b.WeightedOrigin,
		"weighted_session": b.WeightedSession,
	}
}

// Assessment is the scored result.
type Assessment struct {
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

func (a Assessment) String() string {
	b := a.Breakdown
	return fmt.Sprintf("risk %.3f (base %.2f, impact %.2f, origin %.2f, session %.2f)",
		a.Score, b.Base, b.Impact, b.Origin, b.Session)
}
// #endregion types

// #region assessor
// Assessor scores proposals.
type Assessor struct {
	config Config
}

// NewAssessor creates an assessor with the given configuration.
func NewAssessor(config Config) *Assessor {
	return &Assessor{config: config}
}

// Score computes the clamped weighted risk of p.
func (a *Assessor) Score(p state.Proposal, sess Session, hist KindHistory) Assessment {
	c := a.config
	var b Breakdown

	base, ok := c.KindBase[p.Kind]
	if !ok {
		base = 1
	}
	if hist.Samples >= c.HistoryMinSamples && hist.Samples > 0 {
		base = (1-c.HistoryBlend)*base + c.HistoryBlend*clamp01(hist.FailureRate)
	}
	b.Base = clamp01(base)

	mag := math.Abs(p.ExpectedFitnessDelta)
	if mag > c.ImpactThreshold && c.ImpactSpan > 0 {
		b.Impact = clamp01((mag - c.ImpactThreshold) / c.ImpactSpan)
	}

	origin, ok := c.OriginRisk[p.Origin]
	if !ok {
		origin = 1
	}
	b.Origin = clamp01(origin)

	if sess.Budget > 0 && float64(sess.Applied) > c.SessionPressureRatio*float64(sess.Budget) {
		b.Session = clamp01(c.SessionPenalty)
	}

	b.WeightedBase = c.BaseWeight * b.Base
	b.WeightedImpact = c.ImpactWeight * b.Impact
	b.WeightedOrigin = c.OriginWeight * b.Origin
	b.WeightedSession = c.SessionWeight * b.Session

	score := b.WeightedBase + b.WeightedImpact + b.WeightedOrigin + b.WeightedSession
	return Assessment{Score: clamp01(score), Breakdown: b}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 1
	}
	return math.Max(0, math.Min(1, x))
}
// #endregion assessor

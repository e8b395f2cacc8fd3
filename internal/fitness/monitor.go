// Package fitness turns operation outcomes into a composite health score,
// classifies its trend and synthesises recovery proposals when a sub-metric
// degrades.
package fitness

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/metrics"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region config
// Weights of the four sub-metrics. They are normalised at scoring time.
type Weights struct {
	Success float64 `yaml:"success" validate:"gte=0"`
	Healing float64 `yaml:"healing" validate:"gte=0"`
	Cost    float64 `yaml:"cost" validate:"gte=0"`
	Uptime  float64 `yaml:"uptime" validate:"gte=0"`
}

// Config for the monitor.
type Config struct {
	Weights        Weights       `yaml:"weights"`
	WindowSize     int           `yaml:"window_size" validate:"gte=1"`
	HealingCeiling time.Duration `yaml:"healing_ceiling" validate:"gt=0"`
	CostCeiling    float64       `yaml:"cost_ceiling" validate:"gt=0"`
	// ScoreHistory is how many samples the trend looks back over.
	ScoreHistory int `yaml:"score_history" validate:"gte=2"`
	// TrendThreshold is the relative swing between window halves that counts as a trend.
	TrendThreshold float64 `yaml:"trend_threshold" validate:"gt=0"`
	// DegradationThreshold is the relative drop of a sub-metric that triggers a proposal.
	DegradationThreshold float64       `yaml:"degradation_threshold" validate:"gt=0,lte=1"`
	DegradationWindow    time.Duration `yaml:"degradation_window" validate:"gt=0"`
	ProposalCooldown     time.Duration `yaml:"proposal_cooldown" validate:"gte=0"`
	SampleInterval       time.Duration `yaml:"sample_interval" validate:"gt=0"`
	// ProposalRisk is the advisory risk attached to synthesised proposals.
	ProposalRisk float64 `yaml:"proposal_risk" validate:"gte=0,lte=1"`
}

func DefaultConfig() Config {
	return Config{
		Weights:              Weights{Success: 0.4, Healing: 0.2, Cost: 0.2, Uptime: 0.2},
		WindowSize:           100,
		HealingCeiling:       5 * time.Minute,
		CostCeiling:          1.0,
		ScoreHistory:         60,
		TrendThreshold:       0.05,
		DegradationThreshold: 0.10,
		DegradationWindow:    15 * time.Minute,
		ProposalCooldown:     30 * time.Minute,
		SampleInterval:       30 * time.Second,
		ProposalRisk:         0.1,
	}
}
// #endregion config

// #region types
// Trend classifies the recent score movement.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// Metric names a sub-metric.
type Metric string

const (
	MetricSuccess Metric = "success_rate"
	MetricHealing Metric = "healing"
	MetricCost    Metric = "cost_efficiency"
	MetricUptime  Metric = "uptime"
)

// metricKinds maps each sub-metric to the mutation kind aimed at it.
var metricKinds = map[Metric]state.Kind{
	MetricSuccess: state.KindIntelligence,
	MetricHealing: state.KindProtocol,
	MetricCost:    state.KindStorage,
	MetricUptime:  state.KindCommunication,
}

// Snapshot is one scored sample. Values are in [0,1]; Score is in [0,100].
type Snapshot struct {
	Score          float64   `json:"score"`
	SuccessRate    float64   `json:"success_rate"`
	Healing        float64   `json:"healing"`
	CostEfficiency float64   `json:"cost_efficiency"`
	Uptime         float64   `json:"uptime"`
	Trend          Trend     `json:"trend"`
	Operations     int       `json:"operations"`
	HealingEvents  int       `json:"healing_events"`
	HealthChecks   int       `json:"health_checks"`
	At             time.Time `json:"at"`
}

func (s Snapshot) value(m Metric) float64 {
	switch m {
	case MetricSuccess:
		return s.SuccessRate
	case MetricHealing:
		return s.Healing
	case MetricCost:
		return s.CostEfficiency
	case MetricUptime:
		return s.Uptime
	}
	return 0
}

type operation struct {
	success bool
	latency time.Duration
	cost    float64
}
// #endregion types

// #region monitor
// Monitor keeps rolling windows and the score history.
//
// Thread Safety: Safe for concurrent use. Snapshot never blocks on writers.
type Monitor struct {
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	ops      []operation
	heals    []time.Duration
	checks   []bool
	history  []Snapshot
	proposed map[Metric]time.Time

	latest atomic.Pointer[Snapshot]
}

// NewMonitor returns a monitor whose first snapshot reports a perfect score.
func NewMonitor(config Config, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.ScoreHistory < 2 {
		config.ScoreHistory = DefaultConfig().ScoreHistory
	}
	mon := &Monitor{
		config:   config,
		metrics:  m,
		logger:   logger.With("component", "fitness"),
		now:      time.Now,
		proposed: make(map[Metric]time.Time),
	}
	initial := Snapshot{Score: 100, SuccessRate: 1, Healing: 1, CostEfficiency: 1, Uptime: 1, Trend: TrendStable, At: mon.now().UTC()}
	mon.latest.Store(&initial)
	return mon
}

// RecordOperation adds one operation outcome. cost is in the same unit as CostCeiling.
func (m *Monitor) RecordOperation(success bool, latency time.Duration, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = push(m.ops, operation{success: success, latency: latency, cost: cost}, m.config.WindowSize)
}

// RecordHealing adds the time from a failure to its resolution.
func (m *Monitor) RecordHealing(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heals = push(m.heals, d, m.config.WindowSize)
}

// RecordHealthCheck adds one up/down probe.
func (m *Monitor) RecordHealthCheck(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = push(m.checks, up, m.config.WindowSize)
}

// Snapshot returns the latest sample without locking.
func (m *Monitor) Snapshot() Snapshot {
	return *m.latest.Load()
}

// Sample scores the current windows, appends to the history and publishes the result.
func (m *Monitor) Sample() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		SuccessRate:    m.successRate(),
		Healing:        m.healingScore(),
		CostEfficiency: m.costEfficiency(),
		Uptime:         m.uptime(),
		Operations:     len(m.ops),
		HealingEvents:  len(m.heals),
		HealthChecks:   len(m.checks),
		At:             m.now().UTC(),
	}
	s.Score = composite(m.config.Weights, s)
	m.history = push(m.history, s, m.config.ScoreHistory)
	s.Trend = trendOf(m.history, m.config.TrendThreshold)
	m.history[len(m.history)-1].Trend = s.Trend

	m.latest.Store(&s)
	m.metrics.Composite(s.Score)
	return s
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.history...)
}
// #endregion monitor

// #region scoring
func (m *Monitor) successRate() float64 {
	if len(m.ops) == 0 {
		return 1
	}
	ok := 0
	for _, o := range m.ops {
		if o.success {
			ok++
		}
	}
	return float64(ok) / float64(len(m.ops))
}

func (m *Monitor) healingScore() float64 {
	if len(m.heals) == 0 {
		return 1
	}
	var total time.Duration
	for _, d := range m.heals {
		total += d
	}
	mean := float64(total) / float64(len(m.heals))
	return clamp01(1 - mean/float64(m.config.HealingCeiling))
}

func (m *Monitor) costEfficiency() float64 {
	if len(m.ops) == 0 {
		return 1
	}
	var total float64
	for _, o := range m.ops {
		total += o.cost
	}
	return clamp01(1 - (total/float64(len(m.ops)))/m.config.CostCeiling)
}

func (m *Monitor) uptime() float64 {
	if len(m.checks) == 0 {
		return 1
	}
	up := 0
	for _, c := range m.checks {
		if c {
			up++
		}
	}
	return float64(up) / float64(len(m.checks))
}

func composite(w Weights, s Snapshot) float64 {
	sum := w.Success + w.Healing + w.Cost + w.Uptime
	if sum <= 0 {
		return 0
	}
	v := w.Success*clamp01(s.SuccessRate) + w.Healing*clamp01(s.Healing) +
		w.Cost*clamp01(s.CostEfficiency) + w.Uptime*clamp01(s.Uptime)
	return 100 * v / sum
}

// trendOf compares the mean score of the first and second half of history.
func trendOf(history []Snapshot, threshold float64) Trend {
	if len(history) < 4 {
		return TrendStable
	}
	half := len(history) / 2
	first, second := 0.0, 0.0
	for _, s := range history[:half] {
		first += s.Score
	}
	for _, s := range history[len(history)-half:] {
		second += s.Score
	}
	first /= float64(half)
	second /= float64(half)
	if first == 0 {
		if second > 0 {
			return TrendImproving
		}
		return TrendStable
	}
	change := (second - first) / first
	switch {
	case change > threshold:
		return TrendImproving
	case change < -threshold:
		return TrendDegrading
	}
	return TrendStable
}
// #endregion scoring

// #region degradation
// Detect compares the latest sample with the best value of each sub-metric
// inside the degradation window and returns one proposal per metric that
// fell by more than the threshold. A metric that produced a proposal is
// quiet for the cooldown.
func (m *Monitor) Detect() []state.Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return nil
	}
	latest := m.history[len(m.history)-1]
	since := latest.At.Add(-m.config.DegradationWindow)

	metricsInOrder := []Metric{MetricSuccess, MetricHealing, MetricCost, MetricUptime}
	var out []state.Proposal
	for _, metric := range metricsInOrder {
		peak := 0.0
		for _, s := range m.history[:len(m.history)-1] {
			if s.At.Before(since) {
				continue
			}
			peak = math.Max(peak, s.value(metric))
		}
		if peak == 0 {
			continue
		}
		cur := latest.value(metric)
		drop := peak - cur
		if drop <= 0 || drop/peak < m.config.DegradationThreshold {
			continue
		}
		if last, ok := m.proposed[metric]; ok && latest.At.Sub(last) < m.config.ProposalCooldown {
			continue
		}
		m.proposed[metric] = latest.At
		out = append(out, m.proposal(metric, peak, cur, drop))
	}
	return out
}

func (m *Monitor) proposal(metric Metric, peak, cur, drop float64) state.Proposal {
	risk := m.config.ProposalRisk
	p := state.Proposal{
		Kind: metricKinds[metric],
		Description: fmt.Sprintf("recover %s after %.1f%% degradation (%.3f -> %.3f)",
			metric, 100*drop/peak, peak, cur),
		ExpectedFitnessDelta: math.Round(drop*100/2*100) / 100,
		RiskScore:            &risk,
		Origin:               state.OriginSystem,
		Metadata: map[string]string{
			"metric":      string(metric),
			"degradation": fmt.Sprintf("%.4f", drop),
		},
	}
	m.logger.Warn("fitness degradation detected", "metric", metric, "peak", peak, "current", cur, "kind", p.Kind)
	return p
}
// #endregion degradation

// #region run
// Sink receives proposals produced by Run.
type Sink func(ctx context.Context, p state.Proposal)

// Run samples on every tick and forwards degradation proposals to sink.
func (m *Monitor) Run(ctx context.Context, sink Sink) error {
	t := time.NewTicker(m.config.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sample()
			if sink == nil {
				continue
			}
			for _, p := range m.Detect() {
				sink(ctx, p)
			}
		}
	}
}
// #endregion run

// Metrics lists the sub-metrics in a stable order.
func Metrics() []Metric {
	out := make([]Metric, 0, len(metricKinds))
	for k := range metricKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func push[T any](xs []T, x T, limit int) []T {
	xs = append(xs, x)
	if len(xs) > limit {
		xs = append(xs[:0:0], xs[len(xs)-limit:]...)
	}
	return xs
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// Package metrics exposes engine, controller and replication counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region metrics
// Metrics groups every collector the engine records.
type Metrics struct {
	proposals        *prometheus.CounterVec
	mutations        *prometheus.CounterVec
	mutationFailures *prometheus.CounterVec
	rollbacks        prometheus.Counter
	applyDuration    prometheus.Histogram
	persistOutcomes  *prometheus.CounterVec
	version          prometheus.Gauge
	fitness          prometheus.Gauge
	composite        prometheus.Gauge
	syncWrites       *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	queueFailed      prometheus.Gauge
	breakerState     *prometheus.GaugeVec
	pendingApprovals prometheus.Gauge
}

// New registers collectors on reg. Passing a fresh registry per test avoids duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		proposals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_proposals_total",
			Help: "Proposals by policy decision",
		}, []string{"decision"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_mutations_applied_total",
			Help: "Applied mutations by kind",
		}, []string{"kind"}),
		mutationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_mutation_failures_total",
			Help: "Rejected or failed mutations by reason class",
		}, []string{"reason"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "evolve_rollbacks_total",
			Help: "Completed rollbacks",
		}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "evolve_apply_duration_seconds",
			Help:    "Time spent holding the writer lock per apply",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		persistOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_persist_total",
			Help: "Persistence outcomes by stage",
		}, []string{"stage"}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Name: "evolve_state_version",
			Help: "Current document version",
		}),
		fitness: f.NewGauge(prometheus.GaugeOpts{
			Name: "evolve_state_fitness_score",
			Help: "Current document fitness score",
		}),
		composite: f.NewGauge(prometheus.GaugeOpts{
			Name: "evolve_fitness_composite",
			Help: "Latest composite fitness sample in [0,1]",
		}),
		syncWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_sync_writes_total",
			Help: "Destination writes by outcome",
		}, []string{"destination", "outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "evolve_sync_queue_depth",
			Help: "Operations waiting for retry",
		}),
		queueFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "evolve_sync_failed_operations",
			Help: "Operations moved to the failed set",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evolve_breaker_state",
			Help: "Circuit state per destination (0 closed, 1 open, 2 half-open)",
		}, []string{"destination"}),
		pendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Name: "evolve_pending_approvals",
			Help: "Approval requests awaiting a reviewer",
		}),
	}
}
// #endregion metrics

// #region recorders
func (m *Metrics) Proposal(decision string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(decision).Inc()
}

func (m *Metrics) Applied(kind string, version int64, fitness float64, took time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind).Inc()
	m.version.Set(float64(version))
	m.fitness.Set(fitness)
	m.applyDuration.Observe(took.Seconds())
}

func (m *Metrics) MutationFailed(reason string) {
	if m == nil {
		return
	}
	m.mutationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RolledBack(version int64, fitness float64) {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
	m.version.Set(float64(version))
	m.fitness.Set(fitness)
}

func (m *Metrics) Persisted(stage string) {
	if m == nil {
		return
	}
	m.persistOutcomes.WithLabelValues(stage).Inc()
}

func (m *Metrics) Composite(score float64) {
	if m == nil {
		return
	}
	m.composite.Set(score)
}

func (m *Metrics) SyncWrite(destination, outcome string) {
	if m == nil {
		return
	}
	m.syncWrites.WithLabelValues(destination, outcome).Inc()
}

func (m *Metrics) Queue(depth, failed int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.queueFailed.Set(float64(failed))
}

func (m *Metrics) Breaker(destination string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(destination).Set(float64(state))
}

func (m *Metrics) PendingApprovals(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}
// #endregion recorders

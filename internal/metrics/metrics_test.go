package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Proposal("auto_approve")
	m.Applied("storage_optimization", 2, 52.5, time.Millisecond)
	m.Queue(1, 2)
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Proposal("queue")
	m.Proposal("queue")
	m.Applied("storage_optimization", 7, 60, time.Millisecond)
	m.SyncWrite("s3", "queued")
	m.Queue(3, 1)

	if got := testutil.ToFloat64(m.proposals.WithLabelValues("queue")); got != 2 {
		t.Fatalf("expected 2 queued proposals, got %f", got)
	}
	if got := testutil.ToFloat64(m.version); got != 7 {
		t.Fatalf("expected version gauge 7, got %f", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 3 {
		t.Fatalf("expected queue depth 3, got %f", got)
	}
	if n, err := testutil.GatherAndCount(reg, "evolve_sync_writes_total"); err != nil || n != 1 {
		t.Fatalf("GatherAndCount = %d, %v", n, err)
	}
}

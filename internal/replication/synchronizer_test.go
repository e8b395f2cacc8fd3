package replication

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/evolution-engine/internal/destination"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// flaky wraps a memory destination and fails writes while down is set.
type flaky struct {
	*destination.Memory
	mu   sync.Mutex
	down bool
}

func (f *flaky) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flaky) Put(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("503 service unavailable")
	}
	return f.Memory.Put(ctx, path, data)
}

func sealed(t *testing.T, s *state.SystemState) []byte {
	t.Helper()
	b, err := state.Seal(state.EnvelopeState, s, s.LastModified)
	require.NoError(t, err)
	return b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.OpenDuration = time.Minute
	cfg.Retry.DrainRate = 1000
	cfg.Retry.DrainBurst = 100
	return cfg
}

func newSync(t *testing.T, clk *fakeClock, dests ...destination.Destination) *Synchronizer {
	t.Helper()
	s, err := New(testConfig(), NewMemoryQueue(), dests, WithClock(clk.now), WithRand(rand.New(rand.NewPCG(1, 1))))
	require.NoError(t, err)
	return s
}

func TestSyncWritesEveryDestination(t *testing.T) {
	clk := newClock()
	a, b := destination.NewMemory("a"), destination.NewMemory("b")
	s := newSync(t, clk, a, b)
	doc := sealed(t, state.Default(clk.t))

	rep, err := s.Sync(context.Background(), state.StatePath, doc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, rep["a"].Outcome)
	assert.Equal(t, OutcomeWritten, rep["b"].Outcome)

	got, err := b.Get(context.Background(), state.StatePath)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestSyncIsIdempotent(t *testing.T) {
	clk := newClock()
	a := destination.NewMemory("a")
	s := newSync(t, clk, a)
	st := state.Default(clk.t)
	doc := sealed(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rep, err := s.Sync(ctx, state.StatePath, doc)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, OutcomeWritten, rep["a"].Outcome)
		} else {
			assert.Equal(t, OutcomeUnchanged, rep["a"].Outcome)
		}
		got, err := a.Get(ctx, state.StatePath)
		require.NoError(t, err)
		assert.Equal(t, doc, got)

		var back state.SystemState
		_, err = state.Unseal(got, &back)
		require.NoError(t, err)
		assert.Equal(t, st.Version, back.Version)
		assert.Equal(t, st.FitnessScore, back.FitnessScore)
	}
	assert.Equal(t, 1, a.Puts(), "identical content must not be rewritten")
}

func TestSyncLastWriteWins(t *testing.T) {
	clk := newClock()
	a := destination.NewMemory("a")
	s := newSync(t, clk, a)
	ctx := context.Background()

	newer := state.Default(clk.t)
	newer.Version = 5
	newer.LastModified = clk.t.Add(time.Hour)
	older := state.Default(clk.t)
	older.Version = 4

	_, err := s.Sync(ctx, state.StatePath, sealed(t, newer))
	require.NoError(t, err)
	rep, err := s.Sync(ctx, state.StatePath, sealed(t, older))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedStale, rep["a"].Outcome)

	got, _ := a.Get(ctx, state.StatePath)
	var back state.SystemState
	_, err = state.Unseal(got, &back)
	require.NoError(t, err)
	assert.EqualValues(t, 5, back.Version)
}

func TestSyncRejectsUnsealedPayload(t *testing.T) {
	s := newSync(t, newClock(), destination.NewMemory("a"))
	_, err := s.Sync(context.Background(), state.StatePath, []byte(`{"version":1}`))
	require.ErrorIs(t, err, state.ErrChecksumMismatch)

	_, err = s.Sync(context.Background(), state.StatePath, sealed(t, state.Default(time.Now())), "nope")
	require.ErrorIs(t, err, ErrUnknownDestination)
}

func TestFailedWriteIsQueuedAndDrained(t *testing.T) {
	clk := newClock()
	good := destination.NewMemory("good")
	bad := &flaky{Memory: destination.NewMemory("bad"), down: true}
	s := newSync(t, clk, good, bad)
	ctx := context.Background()
	doc := sealed(t, state.Default(clk.t))

	rep, err := s.Sync(ctx, state.StatePath, doc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, rep["good"].Outcome, "a down destination must not block the others")
	assert.Equal(t, OutcomeQueued, rep["bad"].Outcome)
	assert.NotEmpty(t, rep["bad"].OperationID)
	assert.Equal(t, []string{"bad"}, rep.Queued())

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueDepth)

	// Not yet due.
	dr, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, dr.Attempted)

	bad.setDown(false)
	clk.advance(10 * time.Second)
	dr, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dr.Succeeded)

	got, err := bad.Get(ctx, state.StatePath)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
	st, _ = s.Status(ctx)
	assert.Zero(t, st.QueueDepth)
}

func TestHealHookReportsRecoveryTime(t *testing.T) {
	clk := newClock()
	bad := &flaky{Memory: destination.NewMemory("bad"), down: true}
	var healed []time.Duration
	s, err := New(testConfig(), NewMemoryQueue(), []destination.Destination{bad},
		WithClock(clk.now), WithRand(rand.New(rand.NewPCG(1, 1))),
		WithHealHook(func(path string, d time.Duration) {
			assert.Equal(t, state.StatePath, path)
			healed = append(healed, d)
		}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Sync(ctx, state.StatePath, sealed(t, state.Default(clk.t)))
	require.NoError(t, err)
	bad.setDown(false)
	clk.advance(45 * time.Second)
	_, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{45 * time.Second}, healed)
}

func TestExhaustedOperationMovesToFailed(t *testing.T) {
	clk := newClock()
	bad := &flaky{Memory: destination.NewMemory("bad"), down: true}
	s := newSync(t, clk, bad)
	ctx := context.Background()

	_, err := s.Sync(ctx, state.StatePath, sealed(t, state.Default(clk.t)))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		clk.advance(10 * time.Minute)
		_, err := s.Drain(ctx)
		require.NoError(t, err)
	}

	failed, err := s.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Failed)
	assert.Equal(t, testConfig().Retry.MaxAttempts, failed[0].Attempts)
	assert.NotEmpty(t, failed[0].LastError)

	st, _ := s.Status(ctx)
	assert.Zero(t, st.QueueDepth)
	assert.Equal(t, 1, st.Failed)

	// Operator retry after the destination recovers.
	bad.setDown(false)
	clk.advance(10 * time.Minute)
	require.NoError(t, s.RetryFailed(ctx, failed[0].ID))
	dr, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dr.Succeeded)
}

func TestOpenBreakerQueuesWithoutCalling(t *testing.T) {
	clk := newClock()
	bad := &flaky{Memory: destination.NewMemory("bad"), down: true}
	s := newSync(t, clk, bad)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st := state.Default(clk.t)
		st.Version = int64(i + 1)
		_, err := s.Sync(ctx, state.StatePath, sealed(t, st))
		require.NoError(t, err)
	}
	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open", status.Breakers["bad"].State)
	assert.EqualValues(t, 1, status.Breakers["bad"].TotalRejections)
	assert.Equal(t, 3, status.QueueDepth)
}

func TestRecoverPicksNewestValidCopy(t *testing.T) {
	clk := newClock()
	a, b, c := destination.NewMemory("a"), destination.NewMemory("b"), destination.NewMemory("c")
	s := newSync(t, clk, a, b, c)
	ctx := context.Background()

	old := state.Default(clk.t)
	fresh := state.Default(clk.t)
	fresh.Version = 9
	fresh.LastModified = clk.t.Add(time.Hour)

	require.NoError(t, a.Put(ctx, state.StatePath, sealed(t, old)))
	require.NoError(t, b.Put(ctx, state.StatePath, sealed(t, fresh)))
	require.NoError(t, c.Put(ctx, state.StatePath, []byte(`{"kind":"state","checksum":"sha256:00","payload":{}}`)))

	data, from, err := s.Recover(ctx, state.StatePath)
	require.NoError(t, err)
	assert.Equal(t, "b", from)
	var back state.SystemState
	_, err = state.Unseal(data, &back)
	require.NoError(t, err)
	assert.EqualValues(t, 9, back.Version)

	_, _, err = s.Recover(ctx, "records/missing.json")
	require.ErrorIs(t, err, destination.ErrNotFound)
}

func TestReplicateReportsDegraded(t *testing.T) {
	clk := newClock()
	bad := &flaky{Memory: destination.NewMemory("bad"), down: true}
	s := newSync(t, clk, destination.NewMemory("ok"), bad)
	err := s.Replicate(context.Background(), state.StatePath, sealed(t, state.Default(clk.t)))
	require.ErrorIs(t, err, ErrDegraded)
}

func TestBadgerQueue(t *testing.T) {
	q, err := OpenBadgerQueue(BadgerConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ops := []SyncOperation{
		{ID: "0001", Destination: "s3", Path: "state/dna.json", Payload: []byte("x"), Attempts: 1, CreatedAt: now},
		{ID: "0002", Destination: "gcs", Path: "state/dna.json", Payload: []byte("y"), Attempts: 2, CreatedAt: now},
	}
	for _, op := range ops {
		require.NoError(t, q.Put(ctx, op))
	}
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "0001", pending[0].ID)
	assert.Equal(t, []byte("y"), pending[1].Payload)

	require.NoError(t, q.MarkFailed(ctx, pending[1]))
	p, f, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, f)

	require.NoError(t, q.Requeue(ctx, "0002", now))
	pending, _ = q.Pending(ctx)
	require.Len(t, pending, 2)
	assert.Zero(t, pending[1].Attempts)
	assert.False(t, pending[1].Failed)

	require.ErrorIs(t, q.Requeue(ctx, "0002", now), ErrOperationNotFound)
	require.NoError(t, q.Delete(ctx, "0001"))
	p, f, _ = q.Counts(ctx)
	assert.Equal(t, 1, p)
	assert.Zero(t, f)
}

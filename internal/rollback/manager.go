// Package rollback owns snapshots. Snapshots are only ever removed by Prune.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// Store is the durable side of the snapshot manager. *state.Store satisfies it.
type Store interface {
	PutSnapshot(ctx context.Context, snap state.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (state.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]state.SnapshotInfo, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// #region retention
// RetentionPolicy bounds how many snapshots survive Prune.
type RetentionPolicy struct {
	// MaxCount keeps at most this many newest snapshots. Zero disables the bound.
	MaxCount int `yaml:"max_count" validate:"gte=0"`
	// MaxAge removes snapshots older than this. Zero disables the bound.
	MaxAge time.Duration `yaml:"max_age" validate:"gte=0"`
	// MinKeep is never pruned below, regardless of age.
	MinKeep int `yaml:"min_keep" validate:"gte=0"`
}

// DefaultRetentionPolicy keeps a week of snapshots, at most 500, never fewer than 10.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxCount: 500, MaxAge: 7 * 24 * time.Hour, MinKeep: 10}
}
// #endregion retention

// #region manager
// Manager takes, serves and prunes snapshots. Recent snapshots are cached in
// memory; the store is the fallback and the source of truth after restart.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	cache  map[string]state.Snapshot
	store  Store
	policy RetentionPolicy
	logger *slog.Logger
}

// NewManager creates a manager. store may be nil for memory-only use.
func NewManager(store Store, policy RetentionPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cache:  make(map[string]state.Snapshot),
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// Take records a pre-image of cur tagged with kind and persists it.
func (m *Manager) Take(ctx context.Context, cur *state.SystemState, kind state.Kind, now time.Time) (state.Snapshot, error) {
	snap, err := m.Capture(cur, kind, now)
	if err != nil {
		return state.Snapshot{}, err
	}
	if err := m.Keep(ctx, snap); err != nil {
		m.Discard(snap.ID)
		return state.Snapshot{}, err
	}
	return snap, nil
}

// Capture holds a pre-image of cur in memory only. It becomes durable with
// Keep or disappears with Discard.
func (m *Manager) Capture(cur *state.SystemState, kind state.Kind, now time.Time) (state.Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("snapshot id: %w", err)
	}
	pre := cur.Clone()
	sum, err := pre.Checksum()
	if err != nil {
		return state.Snapshot{}, err
	}
	snap := state.Snapshot{
		ID:       id.String(),
		Kind:     kind,
		TakenAt:  now.UTC(),
		State:    pre,
		Checksum: sum,
	}
	m.mu.Lock()
	m.cache[snap.ID] = snap
	m.mu.Unlock()
	return snap, nil
}

// Keep writes a captured snapshot to the store.
func (m *Manager) Keep(ctx context.Context, snap state.Snapshot) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Discard forgets a captured snapshot that was never kept.
func (m *Manager) Discard(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}

// Get returns a verified snapshot. The returned state is a private copy.
func (m *Manager) Get(ctx context.Context, id string) (state.Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.cache[id]
	m.mu.RUnlock()

	if !ok {
		if m.store == nil {
			return state.Snapshot{}, fmt.Errorf("%s: %w", id, state.ErrSnapshotNotFound)
		}
		var err error
		snap, err = m.store.GetSnapshot(ctx, id)
		if err != nil {
			return state.Snapshot{}, err
		}
	}
	if err := snap.Verify(); err != nil {
		return state.Snapshot{}, err
	}
	snap.State = snap.State.Clone()
	return snap, nil
}

// List returns snapshot metadata, oldest first.
func (m *Manager) List(ctx context.Context) ([]state.SnapshotInfo, error) {
	if m.store != nil {
		return m.store.ListSnapshots(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]state.SnapshotInfo, 0, len(m.cache))
	for _, s := range m.cache {
		out = append(out, state.SnapshotInfo{ID: s.ID, Kind: s.Kind, Version: s.State.Version, TakenAt: s.TakenAt, Checksum: s.Checksum})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TakenAt.Before(out[j].TakenAt)
	})
	return out, nil
}

// Prune applies the retention policy and returns how many snapshots were removed.
func (m *Manager) Prune(ctx context.Context, now time.Time) (int, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	victims := m.policy.victims(infos, now)

	removed := 0
	var errs []error
	for _, id := range victims {
		if m.store != nil {
			if err := m.store.DeleteSnapshot(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		m.mu.Lock()
		delete(m.cache, id)
		m.mu.Unlock()
		removed++
	}
	if removed > 0 {
		m.logger.Info("snapshots pruned", "removed", removed, "remaining", len(infos)-removed)
	}
	return removed, errors.Join(errs...)
}

// victims picks ids to drop from infos (oldest first).
func (p RetentionPolicy) victims(infos []state.SnapshotInfo, now time.Time) []string {
	n := len(infos)
	if n <= p.MinKeep {
		return nil
	}
	drop := 0
	if p.MaxCount > 0 && n > p.MaxCount {
		drop = n - p.MaxCount
	}
	if p.MaxAge > 0 {
		cutoff := now.Add(-p.MaxAge)
		old := 0
		for _, in := range infos {
			if in.TakenAt.Before(cutoff) {
				old++
			} else {
				break
			}
		}
		drop = max(drop, old)
	}
	drop = min(drop, n-p.MinKeep)

	out := make([]string, 0, drop)
	for _, in := range infos[:drop] {
		out = append(out, in.ID)
	}
	return out
}
// #endregion manager

package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrOperationNotFound is returned for unknown operation ids.
var ErrOperationNotFound = errors.New("sync operation not found")

// SyncOperation is a queued write to one destination.
type SyncOperation struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Path        string    `json:"path"`
	Payload     []byte    `json:"payload"`
	Checksum    string    `json:"checksum"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Failed      bool      `json:"failed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Due reports whether the operation may be retried at now.
func (op SyncOperation) Due(now time.Time) bool {
	return !op.Failed && !now.Before(op.NextAttempt)
}

// QueueStore is the durable home of pending and failed operations.
type QueueStore interface {
	// Put inserts or replaces a pending operation.
	Put(ctx context.Context, op SyncOperation) error
	// Delete removes a pending operation.
	Delete(ctx context.Context, id string) error
	// Pending lists pending operations in id order.
	Pending(ctx context.Context) ([]SyncOperation, error)
	// MarkFailed moves an operation from pending to the failed set.
	MarkFailed(ctx context.Context, op SyncOperation) error
	// Failed lists the failed set in id order.
	Failed(ctx context.Context) ([]SyncOperation, error)
	// Requeue moves a failed operation back to pending with fresh attempts.
	Requeue(ctx context.Context, id string, now time.Time) error
	// Counts returns pending and failed sizes.
	Counts(ctx context.Context) (pending, failed int, err error)
	Close() error
}

// #region memory
// MemoryQueue is a non-durable QueueStore for tests and single-run tools.
type MemoryQueue struct {
	mu      sync.Mutex
	pending map[string]SyncOperation
	dead    map[string]SyncOperation
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: map[string]SyncOperation{}, dead: map[string]SyncOperation{}}
}

func (q *MemoryQueue) Put(_ context.Context, op SyncOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[op.ID] = op
	return nil
}

func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
	return nil
}

func (q *MemoryQueue) Pending(context.Context) ([]SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedOps(q.pending), nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, op SyncOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op.Failed = true
	delete(q.pending, op.ID)
	q.dead[op.ID] = op
	return nil
}

func (q *MemoryQueue) Failed(context.Context) ([]SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedOps(q.dead), nil
}

func (q *MemoryQueue) Requeue(_ context.Context, id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.dead[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrOperationNotFound)
	}
	delete(q.dead, id)
	q.pending[id] = revive(op, now)
	return nil
}

func (q *MemoryQueue) Counts(context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.dead), nil
}

func (q *MemoryQueue) Close() error { return nil }
// #endregion memory

func sortedOps(m map[string]SyncOperation) []SyncOperation {
	out := make([]SyncOperation, 0, len(m))
	for _, op := range m {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func revive(op SyncOperation, now time.Time) SyncOperation {
	op.Failed = false
	op.Attempts = 0
	op.NextAttempt = now
	op.LastError = ""
	return op
}

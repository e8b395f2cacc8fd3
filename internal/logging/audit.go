package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives flushed audit entries in append order.
type Sink interface {
	Write(ctx context.Context, entries []AuditEntry) error
}

// #region audit-log
// AuditLog buffers entries and flushes them to every sink. Entries are never
// dropped: a failed flush keeps them buffered for the next attempt.
//
// Thread Safety: Safe for concurrent use.
type AuditLog struct {
	mu        sync.Mutex
	flushMu   sync.Mutex
	buf       []AuditEntry
	recent    []AuditEntry
	keep      int
	flushSize int
	sinks     []Sink
	logger    *slog.Logger
}

// NewAuditLog creates a log that flushes once flushSize entries are buffered
// and keeps the newest keep entries in memory for queries.
func NewAuditLog(flushSize, keep int, logger *slog.Logger, sinks ...Sink) *AuditLog {
	if flushSize <= 0 {
		flushSize = 32
	}
	if keep <= 0 {
		keep = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{flushSize: flushSize, keep: keep, sinks: sinks, logger: logger}
}

// Record appends e. Missing id and timestamp are filled in.
func (a *AuditLog) Record(e AuditEntry) {
	if e.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			e.ID = id.String()
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	a.buf = append(a.buf, e)
	a.recent = append(a.recent, e)
	if len(a.recent) > a.keep {
		a.recent = a.recent[len(a.recent)-a.keep:]
	}
	full := len(a.buf) >= a.flushSize
	a.mu.Unlock()

	a.logger.Info("audit", "decision", e.Decision, "kind", e.Kind, "risk", e.RiskScore, "request", e.RequestID)
	if full {
		if err := a.Flush(context.Background()); err != nil {
			a.logger.Warn("audit flush failed", "error", err)
		}
	}
}

// Flush writes buffered entries to every sink.
func (a *AuditLog) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var errs []error
	for _, s := range a.sinks {
		if err := s.Write(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.mu.Lock()
		a.buf = append(batch, a.buf...)
		a.mu.Unlock()
		return fmt.Errorf("flush audit: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries, newest last.
func (a *AuditLog) Recent(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.recent) {
		limit = len(a.recent)
	}
	out := make([]AuditEntry, limit)
	copy(out, a.recent[len(a.recent)-limit:])
	return out
}

// Pending returns how many entries await a flush.
func (a *AuditLog) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
// #endregion audit-log

// #region jsonl-sink
// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) Write(_ context.Context, entries []AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
	}
	return nil
}
// #endregion jsonl-sink

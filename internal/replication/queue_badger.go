package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	pendingPrefix = "q/"
	failedPrefix  = "dead/"
)

// BadgerConfig configures the on-disk retry queue.
type BadgerConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// badgerLogger adapts slog to badger's logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerQueue keeps pending operations under q/<id> and failed ones under dead/<id>.
//
// Thread Safety: Safe for concurrent use.
type BadgerQueue struct {
	db *badger.DB
}

// OpenBadgerQueue opens (or creates) the queue database.
func OpenBadgerQueue(cfg BadgerConfig, logger *slog.Logger) (*BadgerQueue, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger queue path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create queue directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue: %w", err)
	}
	return &BadgerQueue{db: db}, nil
}

func (q *BadgerQueue) Put(_ context.Context, op SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal sync operation: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+op.ID), data)
	})
}

func (q *BadgerQueue) Delete(_ context.Context, id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(pendingPrefix + id))
	})
}

func (q *BadgerQueue) Pending(context.Context) ([]SyncOperation, error) {
	return q.scan(pendingPrefix)
}

func (q *BadgerQueue) Failed(context.Context) ([]SyncOperation, error) {
	return q.scan(failedPrefix)
}

// MarkFailed moves op in one transaction so it is never in both sets.
func (q *BadgerQueue) MarkFailed(_ context.Context, op SyncOperation) error {
	op.Failed = true
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal sync operation: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(pendingPrefix + op.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(failedPrefix+op.ID), data)
	})
}

func (q *BadgerQueue) Requeue(_ context.Context, id string, now time.Time) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(failedPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", id, ErrOperationNotFound)
		}
		if err != nil {
			return err
		}
		var op SyncOperation
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &op) }); err != nil {
			return fmt.Errorf("decode %s: %w", id, err)
		}
		data, err := json.Marshal(revive(op, now))
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(failedPrefix + id)); err != nil {
			return err
		}
		return txn.Set([]byte(pendingPrefix+id), data)
	})
}

func (q *BadgerQueue) Counts(context.Context) (int, int, error) {
	pending, failed := 0, 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(pendingPrefix)); it.ValidForPrefix([]byte(pendingPrefix)); it.Next() {
			pending++
		}
		for it.Seek([]byte(failedPrefix)); it.ValidForPrefix([]byte(failedPrefix)); it.Next() {
			failed++
		}
		return nil
	})
	return pending, failed, err
}

func (q *BadgerQueue) Close() error {
	return q.db.Close()
}

func (q *BadgerQueue) scan(prefix string) ([]SyncOperation, error) {
	var out []SyncOperation
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var op SyncOperation
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &op) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, op)
		}
		return nil
	})
	return out, err
}

// Package postgres replicates documents into a single key/value table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/danielpatrickdp/evolution-engine/internal/destination"
)

const defaultTable = "evolve_objects"

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config selects the database and table.
type Config struct {
	ID    string `yaml:"id"`
	DSN   string `yaml:"dsn" validate:"required"`
	Table string `yaml:"table"`
}

// Store keeps one row per path.
type Store struct {
	id    string
	db    *sqlx.DB
	table string
}

var _ destination.Destination = (*Store)(nil)

// New opens the pgx driver and ensures the table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewWithDB(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB uses an open handle. Placeholders are rebound for the handle's driver.
func NewWithDB(ctx context.Context, cfg Config, db *sqlx.DB) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	id := cfg.ID
	if id == "" {
		id = "postgres:" + table
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    path       TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TEXT NOT NULL
)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}
	return &Store{id: id, db: db, table: table}, nil
}

func (s *Store) ID() string { return s.id }

func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	q := s.db.Rebind(fmt.Sprintf(`INSERT INTO %s (path, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT (path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, s.table))
	if _, err := s.db.ExecContext(ctx, q, path, data, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("postgres put %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	q := s.db.Rebind(fmt.Sprintf(`SELECT data FROM %s WHERE path = ?`, s.table))
	err := s.db.GetContext(ctx, &data, q, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", path, destination.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
)

const defaultTable = "alertflow_kv"

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOptions configures the PostgreSQL backend.
type PostgresOptions struct {
	URL          string        `mapstructure:"url"`
	Table        string        `mapstructure:"table"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	ConnMaxIdle  time.Duration `mapstructure:"conn_max_idle"`
}

// PostgresStore keeps every key as one row of a two-column table.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens the database and creates the table if needed.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	table := opts.Table
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdle)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// Get retrieves the value under key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		var value []byte
		query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
		err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", key, err)
		}
		return value, nil
	})
}

// Set upserts value under key.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	return withContextError(ctx, func() error {
		query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, s.table)
		if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
		if _, err := s.db.ExecContext(ctx, query, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	})
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

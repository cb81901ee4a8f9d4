// Package store owns the Postgres side of the pipeline: connection pool,
// schema setup, and the idempotent loader for cleaned AIS files.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the shared connection pool. The pool is the only database
// resource shared across workers; each Load call acquires one connection for
// its duration and releases it on every exit path.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for the given DSN and pings it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for the ledger.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the pipeline's tables when missing: ais_clean (one
// row per semantic position report, unique on the natural key), ais_sources
// (one row per loaded file), and task_ledger (descriptor completion state).
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ais_clean (
			mmsi                bigint NOT NULL,
			"time"              timestamp NOT NULL,
			message_id          integer NOT NULL,
			navigational_status integer,
			sog                 double precision,
			longitude           double precision,
			latitude            double precision,
			cog                 double precision,
			heading             double precision,
			imo                 text,
			draught             double precision,
			destination         text,
			vessel_name         text,
			eta_month           integer,
			eta_day             integer,
			eta_hour            integer,
			eta_minute          integer,
			UNIQUE NULLS NOT DISTINCT (mmsi, "time", longitude, latitude)
		);

		CREATE TABLE IF NOT EXISTS ais_sources (
			filename text PRIMARY KEY,
			ext      text NOT NULL,
			invalid  integer NOT NULL DEFAULT 0,
			clean    integer NOT NULL DEFAULT 0,
			dirty    integer NOT NULL DEFAULT 0,
			source   integer NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS task_ledger (
			run_id     text NOT NULL,
			stage      text NOT NULL,
			key        text NOT NULL,
			params     jsonb,
			status     text NOT NULL,
			attempts   integer NOT NULL DEFAULT 0,
			last_error text,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, stage, key)
		);`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// EnsureIndexes creates the ais_clean lookup indexes. Run after a load so
// the bulk COPY does not pay per-row index maintenance.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS ais_clean_mmsi_idx ON ais_clean USING btree (mmsi);
		CREATE INDEX IF NOT EXISTS ais_clean_time_idx ON ais_clean USING btree ("time");
		CREATE INDEX IF NOT EXISTS ais_clean_mmsi_time_idx ON ais_clean USING btree (mmsi, "time");`)
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// CleanRowCount returns the number of rows in ais_clean.
func (s *Store) CleanRowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ais_clean`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

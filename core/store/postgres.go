// Package store persists the engine's state in Postgres: the current-state
// orders table, the append-only lifecycle log, the per-venue raw event
// tables, fee reconciliation records and spread history.
//
// The orders table is the single mutable shared resource between the trade
// orchestrator and the venue event ingestion tasks; everything else is
// append-only or keyed per trade.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/basisflow/hedge-engine/core/types"
)

// Store wraps the Postgres connection and implements the persistence
// interfaces consumed by the engine.
type Store struct {
	db *sql.DB

	statusRetries    int
	statusRetryDelay time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
}

// Compile-time checks.
var (
	_ types.OrderStore          = (*Store)(nil)
	_ types.SpreadHistory       = (*Store)(nil)
	_ types.LifecycleLog        = lifecycleLog{}
	_ types.VenueEventLog       = eventLog{}
	_ types.ReconciliationStore = reconciliationStore{}
)

// Lifecycle returns the append-only lifecycle log view.
func (s *Store) Lifecycle() types.LifecycleLog { return lifecycleLog{s} }

// Events returns the append-only venue event log view.
func (s *Store) Events() types.VenueEventLog { return eventLog{s} }

// Reconciliation returns the per-trade fee reconciliation view.
func (s *Store) Reconciliation() types.ReconciliationStore { return reconciliationStore{s} }

// NewStoreOptions contains options for creating a Store.
type NewStoreOptions struct {
	DSN              string
	StatusRetries    int           // dual-source verification retries (default 5)
	StatusRetryDelay time.Duration // delay between retries (default 300ms)
}

// NewStore opens the database and verifies the connection.
func NewStore(ctx context.Context, options NewStoreOptions) (*Store, error) {
	if options.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	db, err := sql.Open("postgres", options.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "database unreachable")
	}
	return newStoreWithDB(db, options), nil
}

func newStoreWithDB(db *sql.DB, options NewStoreOptions) *Store {
	s := &Store{
		db:               db,
		statusRetries:    options.StatusRetries,
		statusRetryDelay: options.StatusRetryDelay,
		sleep:            sleepCtx,
	}
	if s.statusRetries <= 0 {
		s.statusRetries = 5
	}
	if s.statusRetryDelay <= 0 {
		s.statusRetryDelay = 300 * time.Millisecond
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		chunk_group_id TEXT NOT NULL,
		chunk_sequence INT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		price NUMERIC NOT NULL,
		quantity NUMERIC NOT NULL,
		venue_order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		cum_exec_qty NUMERIC,
		cum_exec_fee NUMERIC,
		net_received NUMERIC,
		partial_order_id TEXT,
		partial_exec_qty NUMERIC,
		partial_exec_fee NUMERIC,
		is_partial_completion BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (chunk_group_id, chunk_sequence, venue)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_venue_order_id ON orders (venue_order_id)`,
	`CREATE TABLE IF NOT EXISTS order_lifecycle (
		id BIGSERIAL PRIMARY KEY,
		chunk_group_id TEXT NOT NULL,
		chunk_sequence INT NOT NULL,
		venue TEXT NOT NULL,
		venue_order_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_order_id ON order_lifecycle (venue_order_id, id)`,
	`CREATE TABLE IF NOT EXISTS spot_order_events (
		id BIGSERIAL PRIMARY KEY,
		venue_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		raw_status TEXT NOT NULL,
		exec_qty NUMERIC NOT NULL DEFAULT 0,
		exec_fee NUMERIC NOT NULL DEFAULT 0,
		price NUMERIC NOT NULL DEFAULT 0,
		raw_payload JSONB,
		chunk_group_id TEXT,
		chunk_sequence INT,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spot_events_order_id ON spot_order_events (venue_order_id)`,
	`CREATE TABLE IF NOT EXISTS perp_order_events (
		id BIGSERIAL PRIMARY KEY,
		venue_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		raw_status TEXT NOT NULL,
		exec_qty NUMERIC NOT NULL DEFAULT 0,
		exec_fee NUMERIC NOT NULL DEFAULT 0,
		price NUMERIC NOT NULL DEFAULT 0,
		raw_payload JSONB,
		chunk_group_id TEXT,
		chunk_sequence INT,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_perp_events_order_id ON perp_order_events (venue_order_id)`,
	`CREATE TABLE IF NOT EXISTS fee_reconciliation (
		chunk_group_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		total_chunks INT NOT NULL,
		completed_chunks INT NOT NULL DEFAULT 0,
		total_ordered_qty NUMERIC NOT NULL DEFAULT 0,
		total_fee_base NUMERIC NOT NULL DEFAULT 0,
		total_net_received NUMERIC NOT NULL DEFAULT 0,
		topup_order_id TEXT,
		topup_status TEXT,
		notes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS spread_history (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		spot_price NUMERIC NOT NULL,
		perp_price NUMERIC NOT NULL,
		spread_percent NUMERIC NOT NULL,
		max_allowed NUMERIC NOT NULL,
		within_limit BOOLEAN NOT NULL,
		checked_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "creating schema")
		}
	}
	return nil
}

// TruncateOrders clears the current-state orders table. Called at process
// start: in-flight state does not survive a restart, the event logs do.
func (s *Store) TruncateOrders(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE orders`); err != nil {
		return errors.Wrap(err, "truncating orders")
	}
	return nil
}

// eventsTable maps a venue to its append-only event table.
func eventsTable(v types.Venue) (string, error) {
	switch v {
	case types.VenueSpot:
		return "spot_order_events", nil
	case types.VenuePerp:
		return "perp_order_events", nil
	default:
		return "", errors.Errorf("unknown venue %q", v)
	}
}

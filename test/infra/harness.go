package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"accountmarket/ledger/postgres"
)

// ErrNoDatabase is returned when neither a DSN nor docker is available.
var ErrNoDatabase = errors.New("infra: no postgres available")

// AppName tags the backends of the harness store so chaos can target them.
const AppName = "market-actors"

// Harness owns a migrated Postgres ledger: the container if one was started,
// a store for the code under test and a separate pool for inspection.
type Harness struct {
	container *PGContainer
	db        *Database
	store     *postgres.Store
	inspect   *pgxpool.Pool
}

// NewHarness resolves a database in order: dsn, a docker container, a local
// server. Runs against a shared database are isolated in their own schema.
func NewHarness(ctx context.Context, dsn string, allowLocal bool) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := dsn != ""
	switch {
	case shared:
	case DockerAvailable(ctx):
		c, d, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, dsn = c, d
	case allowLocal:
		d, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		dsn = d
	default:
		return nil, ErrNoDatabase
	}

	db, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.db = db

	pool, err := db.Pool(ctx, AppName, 32)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.store = postgres.New(pool)

	if h.inspect, err = db.Pool(ctx, "market-inspect", 4); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Store is the ledger under test.
func (h *Harness) Store() *postgres.Store { return h.store }

// Inspect is a pool outside AppName for oracles and dumps.
func (h *Harness) Inspect() *pgxpool.Pool { return h.inspect }

// Reset truncates every ledger table.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.inspect.Exec(ctx, "TRUNCATE TABLE reports, disputes, sales, escrows, purchases, listings CASCADE")
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.store != nil {
		_ = h.store.Close()
	}
	if h.inspect != nil {
		h.inspect.Close()
	}
	if h.db != nil {
		_ = h.db.Teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Package db opens the ledger backends.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"accountmarket/ledger"
	"accountmarket/ledger/postgres"
	"accountmarket/ledger/sqlite"
)

// NewPool constructs a pgx connection pool using the provided connection string.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("db: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// Options selects and tunes the ledger backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	// Migrate applies the embedded Postgres schema before returning.
	Migrate bool
}

// OpenLedger opens the store named by opts.Driver and verifies it answers.
// The caller owns the returned store and must Close it.
func OpenLedger(ctx context.Context, opts Options) (ledger.Store, error) {
	switch opts.Driver {
	case "postgres":
		pool, err := NewPool(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db: ping postgres: %w", err)
		}
		if opts.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return postgres.New(pool), nil
	case "sqlite", "":
		st, err := sqlite.Open(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", opts.Driver)
	}
}

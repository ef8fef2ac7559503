package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accountmarket/ledger/postgres"
)

// Database is a migrated ledger schema on a Postgres server.
type Database struct {
	dsn string
	// schema is empty when the ledger lives in the default search path.
	schema string
}

// ApplyMigrations applies the ledger migrations to dsn. When isolate is true
// they go into a fresh per-run schema that Teardown drops again.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*Database, error) {
	db := &Database{dsn: dsn}
	if isolate {
		db.schema = fmt.Sprintf("market_run_%d", time.Now().UnixNano())
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{db.schema}.Sanitize())
		conn.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("create schema %s: %w", db.schema, err)
		}
	}

	pool, err := db.Pool(ctx, "market-migrate", 1)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		_ = db.Teardown(ctx)
		return nil, err
	}
	return db, nil
}

// Pool opens a pool on the migrated schema. appName tags its backends in
// pg_stat_activity.
func (d *Database) Pool(ctx context.Context, appName string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(d.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	if d.schema != "" {
		setPath := "SET search_path TO " + pgx.Identifier{d.schema}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, nil
}

// Teardown drops the per-run schema, if any.
func (d *Database) Teardown(ctx context.Context) error {
	if d.schema == "" {
		return nil
	}
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{d.schema}.Sanitize()+" CASCADE")
	return err
}

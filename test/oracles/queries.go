// Package oracles holds SQL invariants over the ledger. A query that returns a
// row has found a violation. The SQL runs on both Postgres and SQLite.
package oracles

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_purchase_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM purchases
                  WHERE status NOT IN ('CANCELLED','COMPLETED','REFUNDED')
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_purchase_escrow_lockstep",
			SQL: `SELECT p.id, p.status, e.status FROM purchases p
                  JOIN escrows e ON e.purchase_id = p.id
                  WHERE NOT (
                      (p.status = 'PENDING' AND e.status = 'PENDING') OR
                      (p.status = 'PAID' AND e.status = 'FUNDED') OR
                      (p.status = 'DELIVERED' AND e.status IN ('DELIVERED','CONFIRMED')) OR
                      (p.status = 'COMPLETED' AND e.status = 'RELEASED') OR
                      (p.status = 'CANCELLED' AND e.status = 'CANCELLED') OR
                      (p.status = 'DISPUTED' AND e.status = 'DISPUTED') OR
                      (p.status = 'REFUNDED' AND e.status = 'REFUNDED'))`,
		},
		{
			Name: "O3_sale_mirrors_purchase",
			SQL: `WITH missing AS (
                      SELECT p.id AS id FROM purchases p
                      LEFT JOIN sales s ON s.purchase_id = p.id
                      WHERE p.status IN ('PAID','DELIVERED','COMPLETED','DISPUTED') AND s.id IS NULL
                  ),
                  drift AS (
                      SELECT s.id AS id FROM sales s
                      JOIN purchases p ON p.id = s.purchase_id
                      WHERE NOT ((p.status = 'PAID' AND s.status = 'PENDING') OR p.status = s.status)
                  )
                  SELECT id FROM missing
                  UNION ALL
                  SELECT id FROM drift`,
		},
		{
			Name: "O4_commission_balance",
			SQL: `SELECT id, amount, commission, net_amount FROM sales
                  WHERE CAST(commission AS NUMERIC) + CAST(net_amount AS NUMERIC) <> CAST(amount AS NUMERIC)
                     OR CAST(commission AS NUMERIC) < 0`,
		},
		{
			Name: "O5_single_active_dispute",
			SQL: `SELECT purchase_id, COUNT(*) FROM disputes
                  WHERE status IN ('OPEN','IN_REVIEW')
                  GROUP BY purchase_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_dispute_freezes_escrow",
			SQL: `SELECT d.id, d.status, e.status FROM disputes d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE (d.status IN ('OPEN','IN_REVIEW') AND e.status <> 'DISPUTED')
                     OR (d.status IN ('RESOLVED','CLOSED') AND e.status = 'DISPUTED')`,
		},
		{
			Name: "O7_listing_follows_purchase",
			SQL: `WITH sold AS (
                      SELECT l.id AS id FROM listings l
                      WHERE l.status = 'SOLD' AND NOT EXISTS (
                          SELECT 1 FROM purchases p WHERE p.listing_id = l.id AND p.status = 'COMPLETED')
                  ),
                  unheld AS (
                      SELECT p.listing_id AS id FROM purchases p
                      JOIN listings l ON l.id = p.listing_id
                      WHERE p.status NOT IN ('CANCELLED','COMPLETED','REFUNDED') AND l.status <> 'RESERVED'
                  )
                  SELECT id FROM sold
                  UNION ALL
                  SELECT id FROM unheld`,
		},
		{
			Name: "O8_release_requires_confirmation",
			SQL: `SELECT id FROM escrows
                  WHERE status = 'RELEASED' AND dispute_started_at IS NULL AND buyer_confirmed_at IS NULL`,
		},
	}
}

// Querier runs one query and renders its first row, if any.
type Querier func(ctx context.Context, query string) (row string, found bool, err error)

// PGX queries through a pgx pool.
func PGX(pool *pgxpool.Pool) Querier {
	return func(ctx context.Context, query string) (string, bool, error) {
		rows, err := pool.Query(ctx, query)
		if err != nil {
			return "", false, err
		}
		defer rows.Close()
		if !rows.Next() {
			return "", false, rows.Err()
		}
		vals, err := rows.Values()
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%v", vals), true, nil
	}
}

// SQL queries through database/sql.
func SQL(db *sql.DB) Querier {
	return func(ctx context.Context, query string) (string, bool, error) {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return "", false, err
		}
		defer rows.Close()
		if !rows.Next() {
			return "", false, rows.Err()
		}
		cols, err := rows.Columns()
		if err != nil {
			return "", false, err
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%v", vals), true, nil
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, query Querier) (string, string, error) {
	for _, o := range All() {
		row, found, err := query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if found {
			return o.Name, row, nil
		}
	}
	return "", "", nil
}

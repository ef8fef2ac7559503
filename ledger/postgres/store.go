// Package postgres implements the ledger on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"accountmarket/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type queries struct {
	db dbtx
	// lock appends FOR UPDATE to single-row reads inside a transaction.
	lock bool
}

// Store is a ledger.Store backed by a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// InTx runs fn in one transaction at the default isolation level. Row locks
// taken by Get methods serialise concurrent workflows on the same entity.
func (s *Store) InTx(ctx context.Context, fn func(q ledger.Queries) error) error {
	return runTx(ctx, s.pool, fn)
}

func runTx(ctx context.Context, pool TxBeginner, fn func(q ledger.Queries) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ledger.Storage("postgres: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Storage("postgres: commit tx", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ledger.Storage("postgres: ping", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema in file order. Every statement is
// idempotent, so running it on an up-to-date database is a no-op.
func Migrate(ctx context.Context, db dbtx) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		data, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("postgres: read %s: %w", e.Name(), err)
		}
		if _, err := db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("postgres: apply %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Schema returns the concatenated migration SQL.
func Schema() string {
	entries, _ := fs.ReadDir(migrations, "migrations")
	var b strings.Builder
	for _, e := range entries {
		data, _ := migrations.ReadFile("migrations/" + e.Name())
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String()
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (q *queries) forUpdate(sql string) string {
	if q.lock {
		return sql + " FOR UPDATE"
	}
	return sql
}

// casUpdate writes cols to the row id if its status still equals expected,
// then classifies a miss as not-found or a lost transition race.
func (q *queries) casUpdate(ctx context.Context, table, entity, id, expected string, cols []ledger.Column) error {
	var b strings.Builder
	args := []any{id, expected}
	b.WriteString("UPDATE " + table + " SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		args = append(args, c.Value)
		fmt.Fprintf(&b, "%s = $%d", c.Name, len(args))
	}
	b.WriteString(" WHERE id = $1 AND status = $2")

	tag, err := q.db.Exec(ctx, b.String(), args...)
	if err != nil {
		return ledger.Storage("postgres: save "+entity, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = q.db.QueryRow(ctx, "SELECT status FROM "+table+" WHERE id = $1", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.NotFound(entity, id)
	}
	if err != nil {
		return ledger.Storage("postgres: save "+entity+" fetch", err)
	}
	return &ledger.TransitionError{Entity: entity, ID: id, From: current, To: fmt.Sprint(cols[0].Value)}
}

func bulk[S ~string](ctx context.Context, q *queries, table, key string, t ledger.BulkTransition[S], stamp map[S]string, reasonCol string) (int64, error) {
	if len(t.Keys) == 0 || len(t.From) == 0 {
		return 0, nil
	}
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	at := ledger.Timestamp(t.At)
	set := "status = $3, updated_at = $4"
	args := []any{t.Keys, from, string(t.To), at}
	if col, ok := stamp[t.To]; ok {
		set += ", " + col + " = $4"
	}
	if t.Reason != "" && reasonCol != "" {
		args = append(args, t.Reason)
		set += fmt.Sprintf(", %s = $%d", reasonCol, len(args))
	}
	sql := "UPDATE " + table + " SET " + set + " WHERE " + key + " = ANY($1) AND status = ANY($2)"
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, ledger.Storage("postgres: bulk transition "+table, err)
	}
	return tag.RowsAffected(), nil
}

// filter accumulates WHERE clauses with positional arguments.
type filter struct {
	clauses []string
	args    []any
}

func (f *filter) add(clause string, args ...any) {
	for _, a := range args {
		f.args = append(f.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(f.args)), 1)
	}
	f.clauses = append(f.clauses, clause)
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

func (f *filter) page(req ledger.PageRequest) string {
	req = req.Normalize()
	f.args = append(f.args, req.Limit, req.Offset())
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(f.args)-1, len(f.args))
}

func count(ctx context.Context, q *queries, table string, f *filter) (int, error) {
	var total int
	if err := q.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+f.where(), f.args...).Scan(&total); err != nil {
		return 0, ledger.Storage("postgres: count "+table, err)
	}
	return total, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0, 8)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Package sqlite implements the ledger on gorm with the pure-Go SQLite driver.
// It backs single-node deployments and tests that want real SQL semantics
// without a server.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"accountmarket/ledger"
)

// Store is a ledger.Store on top of *gorm.DB.
type Store struct {
	queries
}

type queries struct {
	db   *gorm.DB
	inTx bool
}

var _ ledger.Store = (*Store)(nil)

// Open connects to dsn, applies the schema and returns a ready store. An empty
// dsn opens a private in-memory database.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = MemoryDSN("ledger")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: handle: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions serial.
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{queries{db: db}}
}

// MemoryDSN returns a shared-cache in-memory DSN unique to name.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", name, uuid.NewString())
}

// Migrate creates tables and the partial unique indexes gorm tags cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ledger.Listing{},
		&ledger.Purchase{},
		&ledger.Escrow{},
		&ledger.Sale{},
		&ledger.Dispute{},
		&ledger.Report{},
	); err != nil {
		return fmt.Errorf("sqlite: automigrate: %w", err)
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_purchases_active_listing
			ON purchases (listing_id) WHERE status NOT IN ('CANCELLED', 'COMPLETED', 'REFUNDED')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_disputes_active_purchase
			ON disputes (purchase_id) WHERE status IN ('OPEN', 'IN_REVIEW')`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("sqlite: migrate index: %w", err)
		}
	}
	return nil
}

// InTx runs fn in one transaction.
func (s *Store) InTx(ctx context.Context, fn func(q ledger.Queries) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&queries{db: tx, inTx: true})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return ledger.Storage("sqlite: tx", err)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return ledger.Storage("sqlite: ping", err)
	}
	return ledger.Storage("sqlite: ping", sqlDB.PingContext(ctx))
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for seeding in tests.
func (s *Store) DB() *gorm.DB { return s.db }

// atomic runs fn in a transaction unless the queries are already bound to one.
func (q *queries) atomic(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if q.inTx {
		return fn(q.db.WithContext(ctx))
	}
	return q.db.WithContext(ctx).Transaction(fn)
}

// read returns a handle that locks selected rows when inside a transaction.
func (q *queries) read(ctx context.Context) *gorm.DB {
	db := q.db.WithContext(ctx)
	if q.inTx {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func isUnique(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func first[T any](ctx context.Context, q *queries, entity, where string, args ...any) (T, error) {
	var out T
	err := q.read(ctx).Where(where, args...).First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return out, ledger.NotFound(entity, fmt.Sprint(args...))
		}
		return out, ledger.Storage("sqlite: get "+entity, err)
	}
	return out, nil
}

// casUpdate applies cols to the row id when its status still equals expected.
func casUpdate[T any](ctx context.Context, q *queries, entity, id, expected string, cols map[string]any) error {
	var model T
	res := q.db.WithContext(ctx).Model(&model).
		Where("id = ? AND status = ?", id, expected).
		Updates(cols)
	if res.Error != nil {
		return ledger.Storage("sqlite: save "+entity, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var statuses []string
	if err := q.db.WithContext(ctx).Model(&model).Where("id = ?", id).Pluck("status", &statuses).Error; err != nil {
		return ledger.Storage("sqlite: save "+entity+" check", err)
	}
	if len(statuses) == 0 {
		return ledger.NotFound(entity, id)
	}
	return &ledger.TransitionError{Entity: entity, ID: id, From: statuses[0], To: fmt.Sprint(cols["status"])}
}

func bulk[S ~string, T any](ctx context.Context, q *queries, key string, t ledger.BulkTransition[S], stamp map[S]string, reasonCol string) (int64, error) {
	if len(t.Keys) == 0 || len(t.From) == 0 {
		return 0, nil
	}
	at := ledger.Timestamp(t.At)
	cols := map[string]any{"status": t.To, "updated_at": at}
	if col, ok := stamp[t.To]; ok {
		cols[col] = at
	}
	if t.Reason != "" && reasonCol != "" {
		cols[reasonCol] = t.Reason
	}
	var model T
	res := q.db.WithContext(ctx).Model(&model).
		Where(key+" IN ? AND status IN ?", t.Keys, t.From).
		Updates(cols)
	if res.Error != nil {
		return 0, ledger.Storage("sqlite: bulk transition", res.Error)
	}
	return res.RowsAffected, nil
}

func paginate(req ledger.PageRequest) func(*gorm.DB) *gorm.DB {
	req = req.Normalize()
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(req.Limit).Offset(req.Offset())
	}
}

func list[T any](ctx context.Context, q *queries, entity string, req ledger.PageRequest, filter func(*gorm.DB) *gorm.DB, order string) (ledger.Page[T], error) {
	var model T
	var total int64
	if err := q.db.WithContext(ctx).Model(&model).Scopes(filter).Count(&total).Error; err != nil {
		return ledger.Page[T]{}, ledger.Storage("sqlite: count "+entity, err)
	}
	var items []T
	if err := q.db.WithContext(ctx).Scopes(filter, paginate(req)).Order(order).Find(&items).Error; err != nil {
		return ledger.Page[T]{}, ledger.Storage("sqlite: list "+entity, err)
	}
	return ledger.NewPage(items, int(total), req), nil
}

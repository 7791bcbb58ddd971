/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine in one database
  file: the ledger itself, cached daily closings, the catalog reference
  data and inventory audits.

INTERFACES IMPLEMENTED:
  ledger.Store:        Entry persistence (append-only)
  ledger.ClosingStore: Cached daily closings
  catalog.Registry:    Products, treasuries, warehouses, reps, suppliers
  audit.Repository:    Inventory audits with their items

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries or ledger_groups
  - No DELETE statements on ledger_entries or ledger_groups
  - Corrections via reversal groups only

KEY TABLES:
  ledger_entries:   Immutable movements, one row per entry
  ledger_groups:    One row per committed group; carries the idempotency key
  daily_closings:   Derived per-day closings (replaceable cache)
  inventory_audits: Audit header with optimistic version
  audit_items:      Counted lines of an audit

INDEXES:
  - idx_entries_account: Balance fold and statements (hot path)
  - idx_entries_correlation: Group lookups and reversals
  - idx_entries_related: Representative and supplier reporting
  - ledger_groups.idempotency_key UNIQUE: exactly-once commits

CONCURRENCY:
  The pool holds a single connection and every write transaction holds
  the single writer slot. The balance read inside WithTx therefore cannot
  change before the group is appended.

AMOUNTS AND TIMES:
  Decimals are stored as TEXT and folded in Go, never with SQL SUM over
  floats. Instants are stored as INTEGER unix nanoseconds so ordering by
  occurred_at is numeric.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  l := ledger.NewLedger(st)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db     *sql.DB
	writer chan struct{} // single writer slot
	clock  ledger.Clock
	logger *zap.Logger
}

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(c ledger.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, writer: make(chan struct{}, 1), clock: ledger.SystemClock{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.logger.Debug("sqlite store ready", zap.String("path", dbPath))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	-- Committed groups (append-only)
	CREATE TABLE IF NOT EXISTS ledger_groups (
		correlation_id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		committed_at INTEGER NOT NULL
	);

	-- Entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL REFERENCES ledger_groups(correlation_id),
		kind TEXT NOT NULL,
		account_key TEXT NOT NULL,
		treasury_id TEXT NOT NULL DEFAULT '',
		warehouse_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		subtype TEXT NOT NULL,
		related_type TEXT NOT NULL DEFAULT '',
		related_id TEXT NOT NULL DEFAULT '',
		order_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		committed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(kind, account_key, occurred_at, id);
	CREATE INDEX IF NOT EXISTS idx_entries_correlation
		ON ledger_entries(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_entries_related
		ON ledger_entries(related_type, related_id) WHERE related_type <> '';
	CREATE INDEX IF NOT EXISTS idx_entries_order
		ON ledger_entries(order_id) WHERE order_id <> '';
	CREATE INDEX IF NOT EXISTS idx_entries_subtype
		ON ledger_entries(subtype);

	-- Cached daily closings
	CREATE TABLE IF NOT EXISTS daily_closings (
		day TEXT NOT NULL,
		account_key TEXT NOT NULL,
		opening TEXT NOT NULL,
		credits TEXT NOT NULL,
		debits TEXT NOT NULL,
		closing TEXT NOT NULL,
		computed_at INTEGER NOT NULL,
		PRIMARY KEY (day, account_key)
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		default_cost TEXT NOT NULL DEFAULT '0',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS treasuries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS representatives (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	-- Inventory audits
	CREATE TABLE IF NOT EXISTS inventory_audits (
		id TEXT PRIMARY KEY,
		warehouse_id TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		submitted_at INTEGER,
		decided_at INTEGER,
		decided_by TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audits_warehouse_status
		ON inventory_audits(warehouse_id, status);

	CREATE TABLE IF NOT EXISTS audit_items (
		audit_id TEXT NOT NULL REFERENCES inventory_audits(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		system_qty TEXT NOT NULL,
		counted_qty TEXT NOT NULL,
		diff_qty TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (audit_id, product_id)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func exec(ctx context.Context, db execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, query, args...)
}

func query(ctx context.Context, db querier, b sq.Sqlizer) (*sql.Rows, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, q, args...)
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s %q: %w", column, s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isBusyError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func isIdempotencyViolation(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key")
}

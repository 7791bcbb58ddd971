/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  The SQLite store serializes every writer. When several engine
  processes share one database, writers must instead serialize per
  account, inside the database.

LOCKING:
  Tx.Lock takes pg_advisory_xact_lock(hashtext(key)) for each key in the
  sorted order the ledger hands over. Locks are released by COMMIT or
  ROLLBACK. Two groups touching disjoint accounts never wait on each
  other; two groups sharing an account are strictly ordered.

  Waiting is bounded by the ledger's lock timeout through ctx, and by
  lock_timeout on the session. A lock_timeout, deadlock or serialization
  failure is reported as ledger.ErrConcurrencyConflict.

TYPES:
  amount:      NUMERIC(20,4), summed in the database (exact)
  occurred_at: TIMESTAMPTZ (microsecond precision)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: Single-node implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

// SQLSTATE codes mapped to ErrConcurrencyConflict.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config holds connection pool configuration.
type Config struct {
	DSN         string
	MaxConns    int32
	LockTimeout time.Duration
}

// Store implements ledger.Store and ledger.ClosingStore on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET application_name = 'ledger-engine'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{pool: pool, cfg: cfg, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_groups (
		correlation_id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		committed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		correlation_id TEXT NOT NULL REFERENCES ledger_groups(correlation_id),
		kind TEXT NOT NULL,
		account_key TEXT NOT NULL,
		treasury_id TEXT NOT NULL DEFAULT '',
		warehouse_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL DEFAULT '',
		amount NUMERIC(20,4) NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		subtype TEXT NOT NULL,
		related_type TEXT NOT NULL DEFAULT '',
		related_id TEXT NOT NULL DEFAULT '',
		order_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		committed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(kind, account_key, occurred_at, id);
	CREATE INDEX IF NOT EXISTS idx_entries_correlation
		ON ledger_entries(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_entries_related
		ON ledger_entries(related_type, related_id) WHERE related_type <> '';

	CREATE TABLE IF NOT EXISTS daily_closings (
		day DATE NOT NULL,
		account_key TEXT NOT NULL,
		opening NUMERIC(20,4) NOT NULL,
		credits NUMERIC(20,4) NOT NULL,
		debits NUMERIC(20,4) NOT NULL,
		closing NUMERIC(20,4) NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (day, account_key)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// mapError converts lock and serialization failures into conflicts.
func mapError(account string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return &ledger.ConflictError{Account: account, Cause: err}
		}
	}
	return err
}

func isIdempotencyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == codeUniqueViolation &&
		pgErr.ConstraintName == "ledger_groups_idempotency_key_key"
}

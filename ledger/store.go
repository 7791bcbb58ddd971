/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the boundary between the commit path and the database.
  Implementations keep append-only semantics: there is no Update and
  no Delete anywhere in this interface.

KEY INTERFACES:
  Store:        Reads plus WithTx, the only way to write
  Tx:           The view a single commit sees while it holds its locks
  ClosingStore: Cached daily closings (derived, never a source of truth)

LOCKING:
  Tx.Lock receives every key the commit touches, already sorted. Memory
  uses a KeyedMutex, SQLite a single-writer transaction, Postgres
  transaction-scoped advisory locks. Whatever the mechanism, the balance
  read by Tx.Sum must not change until the transaction ends.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and the default server
  - store/sqlite/sqlite.go: Single-node persistent storage
  - store/postgres/postgres.go: Row-lock variant for shared databases

SEE ALSO:
  - ledger.go: Commit path built on Tx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Append-only persistence
// =============================================================================

// Store persists entries and answers raw queries.
// IMPORTANT: Store is APPEND-ONLY. Corrections are new entries.
type Store interface {
	// WithTx runs fn in a transaction. If fn returns an error nothing it
	// appended is visible, ever. If fn returns nil everything is.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Load returns every entry of the account ordered by (occurred_at, id).
	Load(ctx context.Context, ref AccountRef) ([]Entry, error)

	// LoadRange returns the account's entries with occurred_at in [from, to].
	LoadRange(ctx context.Context, ref AccountRef, from, to time.Time) ([]Entry, error)

	// Query returns entries matching the filter ordered by (occurred_at, id).
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// LoadCorrelation returns all entries of one committed group ordered by id.
	LoadCorrelation(ctx context.Context, id CorrelationID) ([]Entry, error)

	// Exists checks if an idempotency key was already committed.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// LookupKey returns the correlation id committed under an idempotency key.
	LookupKey(ctx context.Context, idempotencyKey string) (CorrelationID, bool, error)
}

// Tx is the transactional view used by a single commit.
type Tx interface {
	// Lock acquires exclusive locks on keys for the rest of the transaction.
	// Keys arrive sorted; implementations acquire them in that order.
	Lock(ctx context.Context, keys []string) error

	// Sum folds every committed entry of the account.
	Sum(ctx context.Context, ref AccountRef) (decimal.Decimal, error)

	// Exists checks the idempotency key inside the transaction.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// Append writes the group, assigning monotonic ids and committedAt.
	// Returns the entries as stored.
	Append(ctx context.Context, g Group, committedAt time.Time) ([]Entry, error)
}

// =============================================================================
// CLOSING STORE - Cached read-model
// =============================================================================

// ClosingStore caches daily closings computed by the scheduler.
// Saving the same (day, account) again replaces the cached row.
type ClosingStore interface {
	SaveClosing(ctx context.Context, c DailyClosing) error
	LoadClosings(ctx context.Context, ref AccountRef, from, to time.Time) ([]DailyClosing, error)
}

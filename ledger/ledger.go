/*
ledger.go - Append-only movement log and its commit path

PURPOSE:
  The Ledger is the immutable source of truth for treasury cash and
  warehouse stock. Every deposit, expense, transfer, receiving, custody
  movement, adjustment and reversal is recorded here. Balances are always
  computed by folding entries; there is no stored balance to drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. NON-NEGATIVE: No commit may leave a treasury or a stock position below zero
  3. ATOMIC: A group (one correlation id) is applied fully or not at all
  4. IDEMPOTENT: Same idempotency key = same group (no duplicates)

COMMIT SEQUENCE:
  1. Validate the group (no locks held)
  2. Open a store transaction
  3. Lock the idempotency key and every touched account, in sorted order
  4. Reject a key that was already committed
  5. Fold each touched account, add the group's net delta, reject if < 0
  6. Append, assigning ids and committed_at
  The check in (5) and the write in (6) happen under the same locks, so
  two concurrent debits on one treasury can never both pass.

CORRECTIONS:
  Mistakes are not edited. A reversal group negates the original; an
  adjustment group records a counted difference. Both stay in history.

SEE ALSO:
  - store.go: Persistence interface
  - balance.go: Projector built on the same entries
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ledger-engine/ledger")

// MoneyScale is the number of fractional digits a treasury amount may carry.
const MoneyScale = 2

// =============================================================================
// LEDGER - Append-only movement log
// =============================================================================

// Ledger is the source of truth for all balance changes.
//
// INVARIANTS:
//   - Append-only: Commit is the ONLY write operation.
//   - Treasury balances and stock positions never go negative at commit.
//   - A group is visible to readers entirely or not at all.
type Ledger interface {
	// Commit appends one or more entries sharing a correlation id atomically.
	Commit(ctx context.Context, g Group) (CommitResult, error)

	// Entries returns all entries for the account, chronologically.
	Entries(ctx context.Context, ref AccountRef) ([]Entry, error)

	// EntriesAsOf returns entries with occurred_at <= asOf.
	EntriesAsOf(ctx context.Context, ref AccountRef, asOf time.Time) ([]Entry, error)

	// EntriesInRange returns entries with occurred_at in [from, to].
	EntriesInRange(ctx context.Context, ref AccountRef, from, to time.Time) ([]Entry, error)

	// Query is the raw read used by reporting.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// Correlation returns every entry of one committed group.
	Correlation(ctx context.Context, id CorrelationID) ([]Entry, error)

	// GroupByKey returns the group committed under an idempotency key.
	GroupByKey(ctx context.Context, idempotencyKey string) (CommitResult, bool, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store  Store
	Clock  Clock
	Logger *zap.Logger

	// LockTimeout bounds how long a commit waits for account locks.
	// Zero waits until ctx is done.
	LockTimeout time.Duration
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{
		Store:  store,
		Clock:  SystemClock{},
		Logger: zap.NewNop(),
	}
}

func (l *DefaultLedger) Commit(ctx context.Context, g Group) (CommitResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.Commit",
		trace.WithAttributes(attribute.Int("ledger.entries", len(g.Entries))))
	defer span.End()

	g, err := l.prepare(g)
	if err != nil {
		l.reject(span, g, err)
		return CommitResult{}, err
	}
	span.SetAttributes(attribute.String("ledger.correlation_id", string(g.CorrelationID)))

	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	committedAt := l.Clock.Now()
	var stored []Entry
	err = l.Store.WithTx(ctx, func(tx Tx) error {
		if err := l.lock(ctx, tx, g); err != nil {
			return err
		}
		if g.IdempotencyKey != "" {
			exists, err := tx.Exists(ctx, g.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}
		if err := checkInvariants(ctx, tx, g); err != nil {
			return err
		}
		var err error
		stored, err = tx.Append(ctx, g, committedAt)
		return err
	})
	if err != nil {
		l.reject(span, g, err)
		return CommitResult{}, err
	}

	l.Logger.Info("group committed",
		zap.String("correlation_id", string(g.CorrelationID)),
		zap.String("subtype", string(g.Entries[0].Subtype)),
		zap.Int("entries", len(stored)),
	)
	return CommitResult{CorrelationID: g.CorrelationID, Entries: stored, CommittedAt: committedAt}, nil
}

// prepare validates the group and fills correlation id and occurred_at.
func (l *DefaultLedger) prepare(g Group) (Group, error) {
	if len(g.Entries) == 0 {
		return g, NewValidationError("entries", "at least one entry is required")
	}

	corr := g.CorrelationID
	for _, e := range g.Entries {
		if e.CorrelationID == "" {
			continue
		}
		if corr == "" {
			corr = e.CorrelationID
		} else if e.CorrelationID != corr {
			return g, NewValidationError("correlation_id", "entries of one group must share a correlation id")
		}
	}
	if corr == "" {
		corr = NewCorrelationID()
	}

	now := l.Clock.Now()
	entries := make([]Entry, len(g.Entries))
	for i, e := range g.Entries {
		if err := validateEntry(e); err != nil {
			return g, err
		}
		e.ID = 0
		e.CorrelationID = corr
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		entries[i] = e
	}
	return Group{CorrelationID: corr, IdempotencyKey: g.IdempotencyKey, Entries: entries}, nil
}

func validateEntry(e Entry) error {
	if !e.Account.Valid() {
		return NewValidationError("account", fmt.Sprintf("invalid account reference %q", e.Account.Key()))
	}
	if e.Subtype == "" {
		return NewValidationError("subtype", "subtype is required")
	}
	if e.Amount.IsZero() {
		return NewValidationError("amount", "amount must be non-zero")
	}
	if e.Account.Kind == KindTreasury && !HasScale(e.Amount, MoneyScale) {
		return NewValidationError("amount", fmt.Sprintf("money carries at most %d decimal places", MoneyScale))
	}
	if e.Account.Kind == KindTreasury && e.Subtype.RequiresNotes() && strings.TrimSpace(e.Notes) == "" {
		return NewValidationError("notes", fmt.Sprintf("notes are required for %s", e.Subtype))
	}
	return nil
}

// lock takes the idempotency key and account locks, bounded by LockTimeout.
func (l *DefaultLedger) lock(ctx context.Context, tx Tx, g Group) error {
	keys := make([]string, 0, len(g.Entries)+1)
	if g.IdempotencyKey != "" {
		keys = append(keys, "idempotency:"+g.IdempotencyKey)
	}
	for _, ref := range g.Refs() {
		keys = append(keys, ref.Key())
	}
	keys = SortKeys(keys)

	wait := ctx
	if l.LockTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, l.LockTimeout)
		defer cancel()
	}
	err := tx.Lock(wait, keys)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrConcurrencyConflict) {
		return &ConflictError{Account: strings.Join(keys, ","), Cause: err}
	}
	return err
}

// checkInvariants folds every touched account and rejects a net debit
// that would take it below zero.
func checkInvariants(ctx context.Context, tx Tx, g Group) error {
	deltas := g.NetDeltas()
	for _, ref := range g.Refs() {
		delta := deltas[ref.Key()]
		if !delta.IsNegative() {
			continue
		}
		current, err := tx.Sum(ctx, ref)
		if err != nil {
			return err
		}
		if current.Add(delta).IsNegative() {
			return shortage(ref, current, delta.Neg())
		}
	}
	return nil
}

func shortage(ref AccountRef, available, requested decimal.Decimal) error {
	if ref.Kind == KindTreasury {
		return &InsufficientBalanceError{TreasuryID: ref.TreasuryID, Available: available, Requested: requested}
	}
	return &InsufficientStockError{
		WarehouseID: ref.WarehouseID,
		ProductID:   ref.ProductID,
		Available:   available,
		Requested:   requested,
	}
}

func (l *DefaultLedger) reject(span trace.Span, g Group, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	fields := []zap.Field{
		zap.String("correlation_id", string(g.CorrelationID)),
		zap.Int("entries", len(g.Entries)),
		zap.Error(err),
	}
	if IsClientError(err) || IsRetryable(err) {
		l.Logger.Warn("group rejected", fields...)
		return
	}
	l.Logger.Error("group commit failed", fields...)
}

func (l *DefaultLedger) Entries(ctx context.Context, ref AccountRef) ([]Entry, error) {
	return l.Store.Load(ctx, ref)
}

func (l *DefaultLedger) EntriesAsOf(ctx context.Context, ref AccountRef, asOf time.Time) ([]Entry, error) {
	entries, err := l.Store.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if !e.OccurredAt.After(asOf) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *DefaultLedger) EntriesInRange(ctx context.Context, ref AccountRef, from, to time.Time) ([]Entry, error) {
	return l.Store.LoadRange(ctx, ref, from, to)
}

func (l *DefaultLedger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return l.Store.Query(ctx, f)
}

func (l *DefaultLedger) Correlation(ctx context.Context, id CorrelationID) ([]Entry, error) {
	return l.Store.LoadCorrelation(ctx, id)
}

func (l *DefaultLedger) GroupByKey(ctx context.Context, idempotencyKey string) (CommitResult, bool, error) {
	corr, ok, err := l.Store.LookupKey(ctx, idempotencyKey)
	if err != nil || !ok {
		return CommitResult{}, false, err
	}
	entries, err := l.Store.LoadCorrelation(ctx, corr)
	if err != nil {
		return CommitResult{}, false, err
	}
	res := CommitResult{CorrelationID: corr, Entries: entries}
	if len(entries) > 0 {
		res.CommittedAt = entries[0].CommittedAt
	}
	return res, true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// NewCorrelationID returns a time-ordered UUIDv7 string.
func NewCorrelationID() CorrelationID {
	return CorrelationID(NewID())
}

// NewID generates a UUIDv7, falling back to v4 if the clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// HasScale reports whether d has at most places fractional digits.
func HasScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

var entryColumns = []string{
	"id", "correlation_id", "kind", "treasury_id", "warehouse_id", "product_id",
	"amount", "occurred_at", "subtype", "related_type", "related_id",
	"order_id", "notes", "created_by", "committed_at",
}

var insertColumns = []string{
	"correlation_id", "kind", "account_key", "treasury_id", "warehouse_id", "product_id",
	"amount", "occurred_at", "subtype", "related_type", "related_id",
	"order_id", "notes", "created_by", "committed_at",
}

func selectEntries() sq.SelectBuilder {
	return builder.Select(entryColumns...).From("ledger_entries")
}

// Load returns all entries of an account ordered by (occurred_at, id).
func (s *Store) Load(ctx context.Context, ref ledger.AccountRef) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, s.db, selectEntries().
		Where(sq.Eq{"account_key": ref.Key()}).
		OrderBy("occurred_at ASC", "id ASC"))
}

// LoadRange returns the account's entries with occurred_at in [from, to].
func (s *Store) LoadRange(ctx context.Context, ref ledger.AccountRef, from, to time.Time) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, s.db, selectEntries().
		Where(sq.Eq{"account_key": ref.Key()}).
		Where(sq.GtOrEq{"occurred_at": nanos(from)}).
		Where(sq.LtOrEq{"occurred_at": nanos(to)}).
		OrderBy("occurred_at ASC", "id ASC"))
}

// Query translates the filter into a WHERE clause.
func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, s.db, filterQuery(f))
}

func filterQuery(f ledger.Filter) sq.SelectBuilder {
	q := selectEntries()
	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": string(f.Kind)})
	}
	if f.Account != nil {
		q = q.Where(sq.Eq{"account_key": f.Account.Key()})
	}
	if f.TreasuryID != "" {
		q = q.Where(sq.Eq{"kind": string(ledger.KindTreasury), "treasury_id": f.TreasuryID})
	}
	if f.WarehouseID != "" {
		q = q.Where(sq.Eq{"kind": string(ledger.KindStock), "warehouse_id": f.WarehouseID})
	}
	if f.ProductID != "" {
		q = q.Where(sq.Eq{"kind": string(ledger.KindStock), "product_id": f.ProductID})
	}
	if len(f.Subtypes) > 0 {
		subtypes := make([]string, len(f.Subtypes))
		for i, st := range f.Subtypes {
			subtypes[i] = string(st)
		}
		q = q.Where(sq.Eq{"subtype": subtypes})
	}
	if f.Related != nil {
		q = q.Where(sq.Eq{"related_type": string(f.Related.Type), "related_id": f.Related.ID})
	}
	if f.OrderID != "" {
		q = q.Where(sq.Eq{"order_id": f.OrderID})
	}
	if f.CorrelationID != "" {
		q = q.Where(sq.Eq{"correlation_id": string(f.CorrelationID)})
	}
	if f.From != nil {
		q = q.Where(sq.GtOrEq{"occurred_at": nanos(*f.From)})
	}
	if f.To != nil {
		q = q.Where(sq.LtOrEq{"occurred_at": nanos(*f.To)})
	}
	q = q.OrderBy("occurred_at ASC", "id ASC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

// LoadCorrelation returns one committed group ordered by id.
func (s *Store) LoadCorrelation(ctx context.Context, id ledger.CorrelationID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, s.db, selectEntries().
		Where(sq.Eq{"correlation_id": string(id)}).
		OrderBy("id ASC"))
}

// Exists checks if an idempotency key was committed.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	_, ok, err := lookupKey(ctx, s.db, idempotencyKey)
	return ok, err
}

// LookupKey returns the group committed under an idempotency key.
func (s *Store) LookupKey(ctx context.Context, idempotencyKey string) (ledger.CorrelationID, bool, error) {
	return lookupKey(ctx, s.db, idempotencyKey)
}

func lookupKey(ctx context.Context, db querier, idempotencyKey string) (ledger.CorrelationID, bool, error) {
	if idempotencyKey == "" {
		return "", false, nil
	}
	rows, err := query(ctx, db, builder.Select("correlation_id").
		From("ledger_groups").
		Where(sq.Eq{"idempotency_key": idempotencyKey}))
	if err != nil {
		return "", false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var corr string
	if err := rows.Scan(&corr); err != nil {
		return "", false, err
	}
	return ledger.CorrelationID(corr), true, nil
}

func (s *Store) queryEntries(ctx context.Context, db querier, b sq.SelectBuilder) ([]ledger.Entry, error) {
	rows, err := query(ctx, db, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e           ledger.Entry
		id          int64
		corr        string
		kind        string
		treasuryID  string
		warehouseID string
		productID   string
		amount      string
		occurredAt  int64
		subtype     string
		relatedType string
		relatedID   string
		committedAt int64
	)

	err := rows.Scan(
		&id, &corr, &kind, &treasuryID, &warehouseID, &productID,
		&amount, &occurredAt, &subtype, &relatedType, &relatedID,
		&e.OrderID, &e.Notes, &e.CreatedBy, &committedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ID = ledger.EntryID(id)
	e.CorrelationID = ledger.CorrelationID(corr)
	e.Account = ledger.AccountRef{
		Kind:        ledger.Kind(kind),
		TreasuryID:  treasuryID,
		WarehouseID: warehouseID,
		ProductID:   productID,
	}
	if e.Amount, err = parseDecimal("amount", amount); err != nil {
		return e, err
	}
	e.OccurredAt = fromNanos(occurredAt)
	e.Subtype = ledger.Subtype(subtype)
	if relatedType != "" {
		e.Related = &ledger.RelatedEntity{Type: ledger.RelatedType(relatedType), ID: relatedID}
	}
	e.CommittedAt = fromNanos(committedAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL VIEW (ledger.Tx interface)
// =============================================================================

// WithTx runs fn inside one SQLite transaction while holding the writer
// slot. Waiting for the slot honours ctx.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{tx: sqlTx, store: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return &ledger.ConflictError{Account: "sqlite", Cause: err}
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txView struct {
	tx    *sql.Tx
	store *Store
}

// Lock is satisfied by the writer slot held for the whole transaction.
func (t *txView) Lock(ctx context.Context, _ []string) error {
	return ctx.Err()
}

func (t *txView) Sum(ctx context.Context, ref ledger.AccountRef) (decimal.Decimal, error) {
	rows, err := query(ctx, t.tx, builder.Select("amount").
		From("ledger_entries").
		Where(sq.Eq{"account_key": ref.Key()}))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum %s: %w", ref.Key(), err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := parseDecimal("amount", raw)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (t *txView) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	_, ok, err := lookupKey(ctx, t.tx, idempotencyKey)
	return ok, err
}

func (t *txView) Append(ctx context.Context, g ledger.Group, committedAt time.Time) ([]ledger.Entry, error) {
	_, err := exec(ctx, t.tx, builder.Insert("ledger_groups").
		Columns("correlation_id", "idempotency_key", "committed_at").
		Values(string(g.CorrelationID), nullString(g.IdempotencyKey), nanos(committedAt)))
	if err != nil {
		if isIdempotencyViolation(err) {
			return nil, ledger.ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("failed to append group: %w", err)
	}

	stored := make([]ledger.Entry, len(g.Entries))
	for i, e := range g.Entries {
		e.CorrelationID = g.CorrelationID
		e.CommittedAt = committedAt

		var relatedType, relatedID string
		if e.Related != nil {
			relatedType, relatedID = string(e.Related.Type), e.Related.ID
		}
		res, err := exec(ctx, t.tx, builder.Insert("ledger_entries").
			Columns(insertColumns...).
			Values(
				string(e.CorrelationID), string(e.Account.Kind), e.Account.Key(),
				e.Account.TreasuryID, e.Account.WarehouseID, e.Account.ProductID,
				e.Amount.String(), nanos(e.OccurredAt), string(e.Subtype),
				relatedType, relatedID, e.OrderID, e.Notes, e.CreatedBy,
				nanos(e.CommittedAt),
			))
		if err != nil {
			return nil, fmt.Errorf("failed to append entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		e.ID = ledger.EntryID(id)
		stored[i] = e
	}

	t.store.logger.Debug("group appended",
		zap.String("correlation_id", string(g.CorrelationID)),
		zap.Int("entries", len(stored)),
	)
	return stored, nil
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.ClosingStore = (*Store)(nil)
)

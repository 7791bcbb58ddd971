package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.ClosingStore = (*Store)(nil)
)

// entryRow is the scan target for ledger_entries.
type entryRow struct {
	ID            int64     `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	Kind          string    `db:"kind"`
	TreasuryID    string    `db:"treasury_id"`
	WarehouseID   string    `db:"warehouse_id"`
	ProductID     string    `db:"product_id"`
	Amount        string    `db:"amount"`
	OccurredAt    time.Time `db:"occurred_at"`
	Subtype       string    `db:"subtype"`
	RelatedType   string    `db:"related_type"`
	RelatedID     string    `db:"related_id"`
	OrderID       string    `db:"order_id"`
	Notes         string    `db:"notes"`
	CreatedBy     string    `db:"created_by"`
	CommittedAt   time.Time `db:"committed_at"`
}

func (r entryRow) toEntry() (ledger.Entry, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("corrupt amount %q: %w", r.Amount, err)
	}
	e := ledger.Entry{
		ID:            ledger.EntryID(r.ID),
		CorrelationID: ledger.CorrelationID(r.CorrelationID),
		Account: ledger.AccountRef{
			Kind:        ledger.Kind(r.Kind),
			TreasuryID:  r.TreasuryID,
			WarehouseID: r.WarehouseID,
			ProductID:   r.ProductID,
		},
		Amount:      amount,
		OccurredAt:  r.OccurredAt.UTC(),
		Subtype:     ledger.Subtype(r.Subtype),
		OrderID:     r.OrderID,
		Notes:       r.Notes,
		CreatedBy:   r.CreatedBy,
		CommittedAt: r.CommittedAt.UTC(),
	}
	if r.RelatedType != "" {
		e.Related = &ledger.RelatedEntity{Type: ledger.RelatedType(r.RelatedType), ID: r.RelatedID}
	}
	return e, nil
}

func selectEntries() sq.SelectBuilder {
	return builder.Select(
		"id", "correlation_id", "kind", "treasury_id", "warehouse_id", "product_id",
		"amount::text AS amount", "occurred_at", "subtype", "related_type", "related_id",
		"order_id", "notes", "created_by", "committed_at",
	).From("ledger_entries")
}

func (s *Store) Load(ctx context.Context, ref ledger.AccountRef) ([]ledger.Entry, error) {
	return selectInto(ctx, s.pool, selectEntries().
		Where(sq.Eq{"account_key": ref.Key()}).
		OrderBy("occurred_at", "id"))
}

func (s *Store) LoadRange(ctx context.Context, ref ledger.AccountRef, from, to time.Time) ([]ledger.Entry, error) {
	return selectInto(ctx, s.pool, selectEntries().
		Where(sq.Eq{"account_key": ref.Key()}).
		Where(sq.GtOrEq{"occurred_at": from}).
		Where(sq.LtOrEq{"occurred_at": to}).
		OrderBy("occurred_at", "id"))
}

func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	return selectInto(ctx, s.pool, filterQuery(f))
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
		q = q.Where(sq.GtOrEq{"occurred_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(sq.LtOrEq{"occurred_at": *f.To})
	}
	q = q.OrderBy("occurred_at", "id")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

func (s *Store) LoadCorrelation(ctx context.Context, id ledger.CorrelationID) ([]ledger.Entry, error) {
	return selectInto(ctx, s.pool, selectEntries().
		Where(sq.Eq{"correlation_id": string(id)}).
		OrderBy("id"))
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	_, ok, err := lookupKey(ctx, s.pool, idempotencyKey)
	return ok, err
}

func (s *Store) LookupKey(ctx context.Context, idempotencyKey string) (ledger.CorrelationID, bool, error) {
	return lookupKey(ctx, s.pool, idempotencyKey)
}

func lookupKey(ctx context.Context, db pgxscan.Querier, idempotencyKey string) (ledger.CorrelationID, bool, error) {
	if idempotencyKey == "" {
		return "", false, nil
	}
	sql, args, err := builder.Select("correlation_id").
		From("ledger_groups").
		Where(sq.Eq{"idempotency_key": idempotencyKey}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("build query: %w", err)
	}
	var corr string
	if err := pgxscan.Get(ctx, db, &corr, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return ledger.CorrelationID(corr), true, nil
}

func selectInto(ctx context.Context, db pgxscan.Querier, b sq.SelectBuilder) ([]ledger.Entry, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []entryRow
	if err := pgxscan.Select(ctx, db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. Advisory locks taken by
// Tx.Lock make the balance read by Tx.Sum stable until commit.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError("begin", fmt.Errorf("begin transaction: %w", err))
	}

	if s.cfg.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())); err != nil {
			_ = tx.Rollback(context.Background())
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if err := fn(&txView{tx: tx, store: s}); err != nil {
		// Background context so the rollback completes after cancellation.
		if rbErr := tx.Rollback(context.Background()); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr), zap.NamedError("original_error", err))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type txView struct {
	tx    pgx.Tx
	store *Store
}

func (t *txView) Lock(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return mapError(key, fmt.Errorf("lock %s: %w", key, err))
		}
	}
	return nil
}

func (t *txView) Sum(ctx context.Context, ref ledger.AccountRef) (decimal.Decimal, error) {
	var raw string
	err := pgxscan.Get(ctx, t.tx, &raw,
		"SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries WHERE account_key = $1", ref.Key())
	if err != nil {
		return decimal.Zero, mapError(ref.Key(), fmt.Errorf("sum %s: %w", ref.Key(), err))
	}
	return decimal.NewFromString(raw)
}

func (t *txView) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	_, ok, err := lookupKey(ctx, t.tx, idempotencyKey)
	return ok, err
}

func (t *txView) Append(ctx context.Context, g ledger.Group, committedAt time.Time) ([]ledger.Entry, error) {
	var key *string
	if g.IdempotencyKey != "" {
		key = &g.IdempotencyKey
	}
	sql, args, err := builder.Insert("ledger_groups").
		Columns("correlation_id", "idempotency_key", "committed_at").
		Values(string(g.CorrelationID), key, committedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		if isIdempotencyViolation(err) {
			return nil, ledger.ErrDuplicateIdempotencyKey
		}
		return nil, mapError("ledger_groups", fmt.Errorf("insert group: %w", err))
	}

	stored := make([]ledger.Entry, len(g.Entries))
	for i, e := range g.Entries {
		e.CorrelationID = g.CorrelationID
		e.CommittedAt = committedAt

		var relatedType, relatedID string
		if e.Related != nil {
			relatedType, relatedID = string(e.Related.Type), e.Related.ID
		}
		sql, args, err := builder.Insert("ledger_entries").
			Columns(
				"correlation_id", "kind", "account_key", "treasury_id", "warehouse_id", "product_id",
				"amount", "occurred_at", "subtype", "related_type", "related_id",
				"order_id", "notes", "created_by", "committed_at",
			).
			Values(
				string(e.CorrelationID), string(e.Account.Kind), e.Account.Key(),
				e.Account.TreasuryID, e.Account.WarehouseID, e.Account.ProductID,
				e.Amount.String(), e.OccurredAt, string(e.Subtype), relatedType, relatedID,
				e.OrderID, e.Notes, e.CreatedBy, e.CommittedAt,
			).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert: %w", err)
		}
		var id int64
		if err := t.tx.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
			return nil, mapError(e.Account.Key(), fmt.Errorf("insert entry: %w", err))
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

// =============================================================================
// DAILY CLOSINGS
// =============================================================================

type closingRow struct {
	Day        time.Time `db:"day"`
	Opening    string    `db:"opening"`
	Credits    string    `db:"credits"`
	Debits     string    `db:"debits"`
	Closing    string    `db:"closing"`
	ComputedAt time.Time `db:"computed_at"`
}

func (s *Store) SaveClosing(ctx context.Context, c ledger.DailyClosing) error {
	sql, args, err := builder.Insert("daily_closings").
		Columns("day", "account_key", "opening", "credits", "debits", "closing", "computed_at").
		Values(
			c.Day.UTC().Format(time.DateOnly), c.Account.Key(),
			c.Opening.String(), c.Credits.String(), c.Debits.String(), c.Closing.String(),
			c.ComputedAt,
		).
		Suffix(`ON CONFLICT (day, account_key) DO UPDATE SET
			opening = EXCLUDED.opening,
			credits = EXCLUDED.credits,
			debits = EXCLUDED.debits,
			closing = EXCLUDED.closing,
			computed_at = EXCLUDED.computed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("save closing: %w", err)
	}
	return nil
}

func (s *Store) LoadClosings(ctx context.Context, ref ledger.AccountRef, from, to time.Time) ([]ledger.DailyClosing, error) {
	sql, args, err := builder.Select(
		"day", "opening::text AS opening", "credits::text AS credits",
		"debits::text AS debits", "closing::text AS closing", "computed_at",
	).From("daily_closings").
		Where(sq.Eq{"account_key": ref.Key()}).
		Where(sq.GtOrEq{"day": from.UTC().Format(time.DateOnly)}).
		Where(sq.LtOrEq{"day": to.UTC().Format(time.DateOnly)}).
		OrderBy("day").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []closingRow
	if err := pgxscan.Select(ctx, s.pool, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select closings: %w", err)
	}
	out := make([]ledger.DailyClosing, 0, len(rows))
	for _, r := range rows {
		c := ledger.DailyClosing{
			Day:        time.Date(r.Day.Year(), r.Day.Month(), r.Day.Day(), 0, 0, 0, 0, time.UTC),
			Account:    ref,
			ComputedAt: r.ComputedAt.UTC(),
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&c.Opening, r.Opening}, {&c.Credits, r.Credits}, {&c.Debits, r.Debits}, {&c.Closing, r.Closing},
		} {
			d, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("corrupt closing value %q: %w", f.raw, err)
			}
			*f.dst = d
		}
		out = append(out, c)
	}
	return out, nil
}

/*
balance.go - Balance projector

PURPOSE:
  Answers "how much cash is in this treasury?" and "how many pieces of
  this product are in this warehouse?" by folding ledger entries. The
  projector holds no state; every answer is recomputed on demand.

KEY INSIGHT:
  Fold is the same computation the commit path uses for its invariant
  check. The current balance (asOf == nil) folds every entry regardless
  of occurred_at, so a backdated entry counts toward what is available
  now, exactly as it counted when it was checked.

AS-OF SEMANTICS:
  BalanceOf(asOf)      = sum of entries with occurred_at <= asOf
  OpeningBalance(day)  = sum of entries with occurred_at <  midnight of day in day's location

SEE ALSO:
  - snapshot.go: Statement and DailyClosing read-models
  - ledger.go: Commit path (uses Tx.Sum, equivalent to Fold(entries, nil))
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FOLD - Pure balance computation
// =============================================================================

// Fold sums the amounts of entries with occurred_at <= asOf, or all of
// them when asOf is nil. Zero entries fold to zero. Order does not matter.
func Fold(entries []Entry, asOf *time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if asOf != nil && e.OccurredAt.After(*asOf) {
			continue
		}
		total = total.Add(e.Amount)
	}
	return total
}

// FoldBefore sums entries strictly before t.
func FoldBefore(entries []Entry, t time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.OccurredAt.Before(t) {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// =============================================================================
// PROJECTOR - Read-side balances
// =============================================================================

type Projector struct {
	Ledger Ledger
}

func NewProjector(l Ledger) *Projector {
	return &Projector{Ledger: l}
}

// BalanceOf returns the treasury balance as of asOf (nil = current).
func (p *Projector) BalanceOf(ctx context.Context, treasuryID string, asOf *time.Time) (decimal.Decimal, error) {
	return p.fold(ctx, TreasuryRef(treasuryID), asOf)
}

// StockOf returns the on-hand quantity as of asOf (nil = current).
func (p *Projector) StockOf(ctx context.Context, warehouseID, productID string, asOf *time.Time) (decimal.Decimal, error) {
	return p.fold(ctx, StockRef(warehouseID, productID), asOf)
}

// Position is BalanceOf / StockOf for any account reference.
func (p *Projector) Position(ctx context.Context, ref AccountRef, asOf *time.Time) (decimal.Decimal, error) {
	return p.fold(ctx, ref, asOf)
}

func (p *Projector) fold(ctx context.Context, ref AccountRef, asOf *time.Time) (decimal.Decimal, error) {
	if !ref.Valid() {
		return decimal.Zero, NewValidationError("account", "invalid account reference")
	}
	entries, err := p.Ledger.Entries(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	return Fold(entries, asOf), nil
}

// OpeningBalance is the starting balance of day: everything that occurred
// before midnight of day in day's location.
func (p *Projector) OpeningBalance(ctx context.Context, ref AccountRef, day time.Time) (decimal.Decimal, error) {
	entries, err := p.Ledger.Entries(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	return FoldBefore(entries, StartOfDay(day)), nil
}

// WarehouseStock returns product id -> current on-hand for a warehouse.
// Products whose entries net to zero are included.
func (p *Projector) WarehouseStock(ctx context.Context, warehouseID string) (map[string]decimal.Decimal, error) {
	entries, err := p.Ledger.Query(ctx, Filter{Kind: KindStock, WarehouseID: warehouseID})
	if err != nil {
		return nil, err
	}
	stock := make(map[string]decimal.Decimal)
	for _, e := range entries {
		stock[e.Account.ProductID] = stock[e.Account.ProductID].Add(e.Amount)
	}
	return stock, nil
}

// TreasuryBalances returns treasury id -> current balance for every
// treasury that has at least one entry.
func (p *Projector) TreasuryBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	entries, err := p.Ledger.Query(ctx, Filter{Kind: KindTreasury})
	if err != nil {
		return nil, err
	}
	balances := make(map[string]decimal.Decimal)
	for _, e := range entries {
		balances[e.Account.TreasuryID] = balances[e.Account.TreasuryID].Add(e.Amount)
	}
	return balances, nil
}

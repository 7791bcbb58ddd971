/*
Package engine turns business operations into ledger commits.

PURPOSE:
  Each operation variant becomes exactly one correlation group. The
  engine validates shape, resolves catalog references and category
  precision, builds signed entries and hands the group to the ledger.
  It never checks balances itself: non-negativity is enforced inside
  Ledger.Commit under the account locks.

FLOW:
  op.Validate()            -> ValidationError, nothing looked up yet
  catalog lookups          -> NotFoundError, no locks held
  precision checks         -> ValidationError (money scale 2, pieces / fabric)
  Ledger.Commit(group)     -> InsufficientBalance / InsufficientStock / conflict

USAGE:
  eng := engine.New(l, cat, reconciler)
  res, err := eng.Expense(ctx, engine.Expense{
      TreasuryID: "main", Amount: decimal.NewFromInt(300), Notes: "rent",
  })

SEE ALSO:
  - ops.go: Operation variants
  - ledger/ledger.go: Commit path
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/custody"
	"github.com/warp/ledger-engine/ledger"
)

type Engine struct {
	Ledger  ledger.Ledger
	Catalog catalog.Catalog
	Custody *custody.Reconciler
	Clock   ledger.Clock
	Logger  *zap.Logger
}

func New(l ledger.Ledger, c catalog.Catalog, r *custody.Reconciler) *Engine {
	return &Engine{Ledger: l, Catalog: c, Custody: r, Clock: ledger.SystemClock{}, Logger: zap.NewNop()}
}

// Execute dispatches any operation variant.
func (e *Engine) Execute(ctx context.Context, op Operation) (ledger.CommitResult, error) {
	switch o := op.(type) {
	case Expense:
		return e.Expense(ctx, o)
	case Deposit:
		return e.Deposit(ctx, o)
	case SupplierPayment:
		return e.SupplierPayment(ctx, o)
	case TreasuryTransfer:
		return e.TreasuryTransfer(ctx, o)
	case StockTransfer:
		return e.StockTransfer(ctx, o)
	case Receiving:
		return e.Receiving(ctx, o)
	case Return:
		return e.Return(ctx, o)
	case CustodyAssignment:
		return e.CustodyAssignment(ctx, o)
	case CustodyReturn:
		return e.CustodyReturn(ctx, o)
	case RepresentativeCash:
		return e.RepresentativeCash(ctx, o)
	case Adjustment:
		return e.Adjust(ctx, o)
	case OpeningBalance:
		return e.OpeningBalance(ctx, o)
	case Reversal:
		return e.Reverse(ctx, o)
	case DailyCycle:
		return e.CompleteDailyCycle(ctx, o)
	}
	return ledger.CommitResult{}, ledger.NewValidationError("kind", fmt.Sprintf("unsupported operation %T", op))
}

// =============================================================================
// TREASURY OPERATIONS
// =============================================================================

func (e *Engine) Expense(ctx context.Context, op Expense) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Treasury(ctx, op.TreasuryID); err != nil {
		return ledger.CommitResult{}, err
	}
	return e.commit(ctx, op.Kind(), op.Meta,
		e.entry(op.Meta, ledger.TreasuryRef(op.TreasuryID), op.Amount.Neg(), ledger.SubtypeExpense, op.Notes),
	)
}

func (e *Engine) Deposit(ctx context.Context, op Deposit) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Treasury(ctx, op.TreasuryID); err != nil {
		return ledger.CommitResult{}, err
	}
	return e.commit(ctx, op.Kind(), op.Meta,
		e.entry(op.Meta, ledger.TreasuryRef(op.TreasuryID), op.Amount, ledger.SubtypeDeposit, op.Notes),
	)
}

func (e *Engine) SupplierPayment(ctx context.Context, op SupplierPayment) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Treasury(ctx, op.TreasuryID); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Supplier(ctx, op.SupplierID); err != nil {
		return ledger.CommitResult{}, err
	}
	en := e.entry(op.Meta, ledger.TreasuryRef(op.TreasuryID), op.Amount.Neg(), ledger.SubtypeSupplierPayment, op.Notes)
	en.Related = ledger.Supplier(op.SupplierID)
	return e.commit(ctx, op.Kind(), op.Meta, en)
}

func (e *Engine) TreasuryTransfer(ctx context.Context, op TreasuryTransfer) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	for _, id := range []string{op.FromTreasuryID, op.ToTreasuryID} {
		if _, err := e.Catalog.Treasury(ctx, id); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	return e.commit(ctx, op.Kind(), op.Meta,
		e.entry(op.Meta, ledger.TreasuryRef(op.FromTreasuryID), op.Amount.Neg(), ledger.SubtypeTransferOut, op.Notes),
		e.entry(op.Meta, ledger.TreasuryRef(op.ToTreasuryID), op.Amount, ledger.SubtypeTransferIn, op.Notes),
	)
}

func (e *Engine) RepresentativeCash(ctx context.Context, op RepresentativeCash) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Treasury(ctx, op.TreasuryID); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Representative(ctx, op.RepresentativeID); err != nil {
		return ledger.CommitResult{}, err
	}
	en := e.entry(op.Meta, ledger.TreasuryRef(op.TreasuryID), op.SignedAmount(), op.Type, op.Notes)
	en.Related = ledger.Representative(op.RepresentativeID)
	en.OrderID = op.OrderID
	return e.commit(ctx, op.Kind(), op.Meta, en)
}

// =============================================================================
// STOCK OPERATIONS
// =============================================================================

func (e *Engine) StockTransfer(ctx context.Context, op StockTransfer) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	for _, id := range []string{op.FromWarehouseID, op.ToWarehouseID} {
		if _, err := e.Catalog.Warehouse(ctx, id); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	if err := e.checkLines(ctx, op.Lines); err != nil {
		return ledger.CommitResult{}, err
	}

	entries := make([]ledger.Entry, 0, 2*len(op.Lines))
	for _, l := range op.Lines {
		entries = append(entries,
			e.entry(op.Meta, ledger.StockRef(op.FromWarehouseID, l.ProductID), l.Quantity.Neg(), ledger.SubtypeTransferOut, op.Notes),
			e.entry(op.Meta, ledger.StockRef(op.ToWarehouseID, l.ProductID), l.Quantity, ledger.SubtypeTransferIn, op.Notes),
		)
	}
	return e.commit(ctx, op.Kind(), op.Meta, entries...)
}

// Receiving registers any new products first; a registered product stays
// in the catalog even if the ledger later rejects the group.
func (e *Engine) Receiving(ctx context.Context, op Receiving) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Warehouse(ctx, op.WarehouseID); err != nil {
		return ledger.CommitResult{}, err
	}
	if op.SupplierID != "" {
		if _, err := e.Catalog.Supplier(ctx, op.SupplierID); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	if op.Paid.IsPositive() {
		if _, err := e.Catalog.Treasury(ctx, op.TreasuryID); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	for i, l := range op.Lines {
		var category catalog.Category
		if l.NewProduct != nil {
			category = l.NewProduct.Category
		} else {
			p, err := e.Catalog.Product(ctx, l.ProductID)
			if err != nil {
				return ledger.CommitResult{}, err
			}
			category = p.Category
		}
		if err := category.CheckQuantity(fmt.Sprintf("lines[%d].quantity", i), l.Quantity); err != nil {
			return ledger.CommitResult{}, err
		}
	}

	notes := receivingNotes(op.InvoiceRef, op.Notes)
	var related *ledger.RelatedEntity
	if op.SupplierID != "" {
		related = ledger.Supplier(op.SupplierID)
	}

	entries := make([]ledger.Entry, 0, len(op.Lines)+1)
	for _, l := range op.Lines {
		productID := l.ProductID
		if l.NewProduct != nil {
			p, err := e.Catalog.RegisterProduct(ctx, *l.NewProduct)
			if err != nil {
				return ledger.CommitResult{}, fmt.Errorf("register product %q: %w", l.NewProduct.Name, err)
			}
			e.Logger.Info("product registered from receiving",
				zap.String("product_id", p.ID), zap.String("name", p.Name))
			productID = p.ID
		}
		en := e.entry(op.Meta, ledger.StockRef(op.WarehouseID, productID), l.Quantity, ledger.SubtypePurchase, notes)
		en.Related = related
		entries = append(entries, en)
	}
	if op.Paid.IsPositive() {
		en := e.entry(op.Meta, ledger.TreasuryRef(op.TreasuryID), op.Paid.Neg(), ledger.SubtypePurchase, notes)
		en.Related = related
		entries = append(entries, en)
	}
	return e.commit(ctx, op.Kind(), op.Meta, entries...)
}

func receivingNotes(invoiceRef, notes string) string {
	if invoiceRef == "" {
		return notes
	}
	if notes == "" {
		return "invoice " + invoiceRef
	}
	return "invoice " + invoiceRef + ": " + notes
}

func (e *Engine) Return(ctx context.Context, op Return) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Warehouse(ctx, op.WarehouseID); err != nil {
		return ledger.CommitResult{}, err
	}
	var related *ledger.RelatedEntity
	if op.SupplierID != "" {
		if _, err := e.Catalog.Supplier(ctx, op.SupplierID); err != nil {
			return ledger.CommitResult{}, err
		}
		related = ledger.Supplier(op.SupplierID)
	}
	if op.Refund.IsPositive() {
		if _, err := e.Catalog.Treasury(ctx, op.TreasuryID); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	if err := e.checkLines(ctx, op.Lines); err != nil {
		return ledger.CommitResult{}, err
	}

	entries := make([]ledger.Entry, 0, len(op.Lines)+1)
	for _, l := range op.Lines {
		en := e.entry(op.Meta, ledger.StockRef(op.WarehouseID, l.ProductID), l.Quantity.Neg(), ledger.SubtypeReturnOut, op.Notes)
		en.Related = related
		entries = append(entries, en)
	}
	if op.Refund.IsPositive() {
		en := e.entry(op.Meta, ledger.TreasuryRef(op.TreasuryID), op.Refund, ledger.SubtypeReturnOut, op.Notes)
		en.Related = related
		entries = append(entries, en)
	}
	return e.commit(ctx, op.Kind(), op.Meta, entries...)
}

func (e *Engine) CustodyAssignment(ctx context.Context, op CustodyAssignment) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	entries, err := e.custodyEntries(ctx, op.Meta, op.WarehouseID, op.RepresentativeID, op.OrderID, op.Lines, op.Notes, true)
	if err != nil {
		return ledger.CommitResult{}, err
	}
	return e.commit(ctx, op.Kind(), op.Meta, entries...)
}

func (e *Engine) CustodyReturn(ctx context.Context, op CustodyReturn) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	entries, err := e.custodyEntries(ctx, op.Meta, op.WarehouseID, op.RepresentativeID, op.OrderID, op.Lines, op.Notes, false)
	if err != nil {
		return ledger.CommitResult{}, err
	}
	return e.commit(ctx, op.Kind(), op.Meta, entries...)
}

func (e *Engine) custodyEntries(ctx context.Context, meta Meta, warehouseID, repID, orderID string, lines []Line, notes string, assign bool) ([]ledger.Entry, error) {
	if _, err := e.Catalog.Warehouse(ctx, warehouseID); err != nil {
		return nil, err
	}
	if _, err := e.Catalog.Representative(ctx, repID); err != nil {
		return nil, err
	}
	if err := e.checkLines(ctx, lines); err != nil {
		return nil, err
	}
	entries := make([]ledger.Entry, 0, len(lines))
	for _, l := range lines {
		qty, subtype := l.Quantity, ledger.SubtypeRepReturn
		if assign {
			qty, subtype = l.Quantity.Neg(), ledger.SubtypeRepAssign
		}
		en := e.entry(meta, ledger.StockRef(warehouseID, l.ProductID), qty, subtype, notes)
		en.Related = ledger.Representative(repID)
		en.OrderID = orderID
		entries = append(entries, en)
	}
	return entries, nil
}

func (e *Engine) Adjust(ctx context.Context, op Adjustment) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Warehouse(ctx, op.WarehouseID); err != nil {
		return ledger.CommitResult{}, err
	}
	entries := make([]ledger.Entry, 0, len(op.Lines))
	for i, l := range op.Lines {
		p, err := e.Catalog.Product(ctx, l.ProductID)
		if err != nil {
			return ledger.CommitResult{}, err
		}
		if err := p.Category.CheckQuantity(fmt.Sprintf("lines[%d].quantity", i), l.Quantity); err != nil {
			return ledger.CommitResult{}, err
		}
		en := e.entry(op.Meta, ledger.StockRef(op.WarehouseID, l.ProductID), l.Quantity, ledger.SubtypeAdjustment, op.Notes)
		en.Related = op.Related
		entries = append(entries, en)
	}
	return e.commit(ctx, op.Kind(), op.Meta, entries...)
}

func (e *Engine) OpeningBalance(ctx context.Context, op OpeningBalance) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	ref := op.Account()
	if ref.Kind == ledger.KindTreasury {
		if _, err := e.Catalog.Treasury(ctx, ref.TreasuryID); err != nil {
			return ledger.CommitResult{}, err
		}
	} else {
		if _, err := e.Catalog.Warehouse(ctx, ref.WarehouseID); err != nil {
			return ledger.CommitResult{}, err
		}
		if err := e.checkLines(ctx, []Line{{ProductID: ref.ProductID, Quantity: op.Amount}}); err != nil {
			return ledger.CommitResult{}, err
		}
	}
	return e.commit(ctx, op.Kind(), op.Meta,
		e.entry(op.Meta, ref, op.Amount, ledger.SubtypeInitialBalance, op.Notes),
	)
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReversalKey is the idempotency key that lets a group be reversed once.
func ReversalKey(id ledger.CorrelationID) string {
	return "reversal:" + string(id)
}

// Reverse negates every entry of a committed group in a new group.
// The reversal is subject to the same non-negativity checks as any commit.
func (e *Engine) Reverse(ctx context.Context, op Reversal) (ledger.CommitResult, error) {
	if err := op.Validate(); err != nil {
		return ledger.CommitResult{}, err
	}
	original, err := e.Ledger.Correlation(ctx, op.CorrelationID)
	if err != nil {
		return ledger.CommitResult{}, err
	}
	if len(original) == 0 {
		return ledger.CommitResult{}, ledger.NewNotFoundError("correlation group", string(op.CorrelationID))
	}

	entries := make([]ledger.Entry, 0, len(original))
	for _, o := range original {
		if o.Subtype == ledger.SubtypeReversal {
			return ledger.CommitResult{}, ledger.NewValidationError("correlation_id", "a reversal cannot be reversed")
		}
		en := e.entry(op.Meta, o.Account, o.Amount.Neg(), ledger.SubtypeReversal,
			fmt.Sprintf("reversal of %s: %s", op.CorrelationID, op.Notes))
		en.Related = o.Related
		en.OrderID = o.OrderID
		entries = append(entries, en)
	}
	meta := op.Meta
	meta.IdempotencyKey = ReversalKey(op.CorrelationID)
	return e.commit(ctx, op.Kind(), meta, entries...)
}

// =============================================================================
// DAILY CYCLE
// =============================================================================

// CycleKey is the idempotency key that closes a representative's day once.
func CycleKey(representativeID string, day time.Time) string {
	return "cycle:" + representativeID + ":" + day.Format(time.DateOnly)
}

// CompleteDailyCycle validates the hand-over against the day's order
// outcomes, then posts returns, collected cash and settlement as one group.
func (e *Engine) CompleteDailyCycle(ctx context.Context, op DailyCycle) (ledger.CommitResult, error) {
	c := op.DailyCycle
	if e.Custody == nil {
		return ledger.CommitResult{}, fmt.Errorf("complete daily cycle: no custody reconciler configured")
	}
	if _, err := e.Custody.ValidateCycle(ctx, c); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Representative(ctx, c.RepresentativeID); err != nil {
		return ledger.CommitResult{}, err
	}
	if _, err := e.Catalog.Treasury(ctx, c.TreasuryID); err != nil {
		return ledger.CommitResult{}, err
	}
	if len(c.Returns) > 0 {
		if _, err := e.Catalog.Warehouse(ctx, c.WarehouseID); err != nil {
			return ledger.CommitResult{}, err
		}
	}

	meta := Meta{OccurredAt: c.Day, CreatedBy: c.CreatedBy, IdempotencyKey: op.IdempotencyKey}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = CycleKey(c.RepresentativeID, c.Day)
	}
	rep := ledger.Representative(c.RepresentativeID)

	var entries []ledger.Entry
	for i, l := range c.Returns {
		p, err := e.Catalog.Product(ctx, l.ProductID)
		if err != nil {
			return ledger.CommitResult{}, err
		}
		if err := p.Category.CheckQuantity(fmt.Sprintf("returns[%d].quantity", i), l.Quantity); err != nil {
			return ledger.CommitResult{}, err
		}
		en := e.entry(meta, ledger.StockRef(c.WarehouseID, l.ProductID), l.Quantity, ledger.SubtypeRepReturn, c.Notes)
		en.Related = rep
		en.OrderID = l.OrderID
		entries = append(entries, en)
	}
	if c.CashCollected.IsPositive() {
		en := e.entry(meta, ledger.TreasuryRef(c.TreasuryID), c.CashCollected, ledger.SubtypeRepPaymentIn, c.Notes)
		en.Related = rep
		entries = append(entries, en)
	}
	if !c.Adjustment.IsZero() {
		en := e.entry(meta, ledger.TreasuryRef(c.TreasuryID), c.Adjustment, ledger.SubtypeRepSettlement, c.Notes)
		en.Related = rep
		entries = append(entries, en)
	}
	if len(entries) == 0 {
		return ledger.CommitResult{}, ledger.NewValidationError("daily_cycle", "nothing to post: no returns, cash or adjustment")
	}
	return e.commit(ctx, op.Kind(), meta, entries...)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) entry(meta Meta, ref ledger.AccountRef, amount decimal.Decimal, subtype ledger.Subtype, notes string) ledger.Entry {
	return ledger.Entry{
		Account:    ref,
		Amount:     amount,
		OccurredAt: meta.OccurredAt,
		Subtype:    subtype,
		Notes:      strings.TrimSpace(notes),
		CreatedBy:  meta.CreatedBy,
	}
}

// checkLines resolves every product and enforces its category precision.
func (e *Engine) checkLines(ctx context.Context, lines []Line) error {
	for i, l := range lines {
		p, err := e.Catalog.Product(ctx, l.ProductID)
		if err != nil {
			return err
		}
		if err := p.Category.CheckQuantity(fmt.Sprintf("lines[%d].quantity", i), l.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, kind string, meta Meta, entries ...ledger.Entry) (ledger.CommitResult, error) {
	res, err := e.Ledger.Commit(ctx, ledger.Group{IdempotencyKey: meta.IdempotencyKey, Entries: entries})
	if err != nil {
		return ledger.CommitResult{}, fmt.Errorf("%s: %w", kind, err)
	}
	e.Logger.Info("operation committed",
		zap.String("kind", kind),
		zap.String("correlation_id", string(res.CorrelationID)),
		zap.Int("entries", len(res.Entries)),
	)
	return res, nil
}

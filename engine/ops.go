/*
ops.go - Tagged operation variants

PURPOSE:
  One struct per business operation, each with explicit required fields.
  An operation knows how to validate its own shape; the engine turns it
  into ledger entries after resolving catalog references.

KEY TYPES:
  Operation:          Kind() + Validate()
  Meta:               Fields common to all operations (occurred_at, actor, idempotency)
  Line / ReceivingLine / AdjustmentLine: product quantities

SIGN CONVENTIONS:
  Amounts and quantities on operations are unsigned (> 0) unless the
  field says otherwise. The engine applies the sign of each leg.
  Exceptions, which carry their own sign: Adjustment lines and the
  settlement amount of RepresentativeCash.

SEE ALSO:
  - engine.go: Builds and commits entries
  - factory/operation.go: Decodes operations from JSON
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/custody"
	"github.com/warp/ledger-engine/ledger"
)

// Operation is implemented by every variant below.
type Operation interface {
	Kind() string
	Validate() error
}

const (
	KindExpense            = "expense"
	KindDeposit            = "deposit"
	KindSupplierPayment    = "supplier_payment"
	KindTreasuryTransfer   = "treasury_transfer"
	KindStockTransfer      = "stock_transfer"
	KindReceiving          = "receiving"
	KindReturn             = "return"
	KindCustodyAssignment  = "custody_assignment"
	KindCustodyReturn      = "custody_return"
	KindRepresentativeCash = "representative_cash"
	KindAdjustment         = "adjustment"
	KindOpeningBalance     = "opening_balance"
	KindReversal           = "reversal"
	KindDailyCycle         = "daily_cycle"
)

// Meta is embedded in every operation.
type Meta struct {
	OccurredAt     time.Time `json:"occurred_at,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Line moves a quantity of one product.
type Line struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// =============================================================================
// TREASURY OPERATIONS
// =============================================================================

type Expense struct {
	Meta
	TreasuryID string          `json:"treasury_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes" validate:"required"`
}

func (Expense) Kind() string { return KindExpense }

func (o Expense) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveMoney("amount", o.Amount)
}

type Deposit struct {
	Meta
	TreasuryID string          `json:"treasury_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes" validate:"required"`
}

func (Deposit) Kind() string { return KindDeposit }

func (o Deposit) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveMoney("amount", o.Amount)
}

type SupplierPayment struct {
	Meta
	TreasuryID string          `json:"treasury_id" validate:"required"`
	SupplierID string          `json:"supplier_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes" validate:"required"`
}

func (SupplierPayment) Kind() string { return KindSupplierPayment }

func (o SupplierPayment) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveMoney("amount", o.Amount)
}

type TreasuryTransfer struct {
	Meta
	FromTreasuryID string          `json:"from_treasury_id" validate:"required"`
	ToTreasuryID   string          `json:"to_treasury_id" validate:"required,nefield=FromTreasuryID"`
	Amount         decimal.Decimal `json:"amount"`
	Notes          string          `json:"notes" validate:"required"`
}

func (TreasuryTransfer) Kind() string { return KindTreasuryTransfer }

func (o TreasuryTransfer) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveMoney("amount", o.Amount)
}

// RepresentativeCash records cash flowing between a representative and a treasury.
// Type is one of rep_payment_in, rep_payment_out, rep_penalty, rep_settlement.
type RepresentativeCash struct {
	Meta
	TreasuryID       string          `json:"treasury_id" validate:"required"`
	RepresentativeID string          `json:"representative_id" validate:"required"`
	Type             ledger.Subtype  `json:"type" validate:"required"`
	Amount           decimal.Decimal `json:"amount"` // signed for rep_settlement only
	OrderID          string          `json:"order_id,omitempty"`
	Notes            string          `json:"notes,omitempty"`
}

func (RepresentativeCash) Kind() string { return KindRepresentativeCash }

func (o RepresentativeCash) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	switch o.Type {
	case ledger.SubtypeRepPaymentIn, ledger.SubtypeRepPaymentOut, ledger.SubtypeRepPenalty:
		return positiveMoney("amount", o.Amount)
	case ledger.SubtypeRepSettlement:
		return nonZeroMoney("amount", o.Amount)
	}
	return ledger.NewValidationError("type", fmt.Sprintf("%q is not a representative cash type", o.Type))
}

// SignedAmount applies the direction implied by Type.
func (o RepresentativeCash) SignedAmount() decimal.Decimal {
	if o.Type == ledger.SubtypeRepPaymentOut {
		return o.Amount.Neg()
	}
	return o.Amount
}

// =============================================================================
// STOCK OPERATIONS
// =============================================================================

type StockTransfer struct {
	Meta
	FromWarehouseID string `json:"from_warehouse_id" validate:"required"`
	ToWarehouseID   string `json:"to_warehouse_id" validate:"required,nefield=FromWarehouseID"`
	Lines           []Line `json:"lines" validate:"min=1,dive"`
	Notes           string `json:"notes,omitempty"`
}

func (StockTransfer) Kind() string { return KindStockTransfer }

func (o StockTransfer) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveLines(o.Lines)
}

// ReceivingLine names an existing product or registers a new one.
type ReceivingLine struct {
	ProductID  string              `json:"product_id,omitempty"`
	NewProduct *catalog.NewProduct `json:"new_product,omitempty"`
	Quantity   decimal.Decimal     `json:"quantity"`
	UnitCost   decimal.Decimal     `json:"unit_cost"`
}

// Receiving books purchased goods into a warehouse and, when Paid > 0,
// the payment out of a treasury.
type Receiving struct {
	Meta
	WarehouseID string          `json:"warehouse_id" validate:"required"`
	SupplierID  string          `json:"supplier_id,omitempty"`
	TreasuryID  string          `json:"treasury_id,omitempty"`
	Lines       []ReceivingLine `json:"lines" validate:"min=1,dive"`
	Paid        decimal.Decimal `json:"paid"`
	InvoiceRef  string          `json:"invoice_ref,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

func (Receiving) Kind() string { return KindReceiving }

func (o Receiving) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	for i, l := range o.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if (l.ProductID == "") == (l.NewProduct == nil) {
			return ledger.NewValidationError(field, "exactly one of product_id and new_product is required")
		}
		if l.NewProduct != nil {
			if err := l.NewProduct.Validate(); err != nil {
				return err
			}
		}
		if !l.Quantity.IsPositive() {
			return ledger.NewValidationError(field+".quantity", "quantity must be positive")
		}
		if l.UnitCost.IsNegative() || !ledger.HasScale(l.UnitCost, ledger.MoneyScale) {
			return ledger.NewValidationError(field+".unit_cost", "unit cost must be a non-negative amount with at most 2 decimals")
		}
	}
	if o.Paid.IsNegative() || !ledger.HasScale(o.Paid, ledger.MoneyScale) {
		return ledger.NewValidationError("paid", "paid must be a non-negative amount with at most 2 decimals")
	}
	if o.Paid.IsPositive() && o.TreasuryID == "" {
		return ledger.NewValidationError("treasury_id", "treasury is required when paid > 0")
	}
	return nil
}

// TotalCost is the sum of quantity * unit cost.
func (o Receiving) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Quantity.Mul(l.UnitCost))
	}
	return total
}

// Return sends goods back to a supplier, optionally with a cash refund.
type Return struct {
	Meta
	WarehouseID string          `json:"warehouse_id" validate:"required"`
	SupplierID  string          `json:"supplier_id,omitempty"`
	TreasuryID  string          `json:"treasury_id,omitempty"`
	Lines       []Line          `json:"lines" validate:"min=1,dive"`
	Refund      decimal.Decimal `json:"refund"`
	Notes       string          `json:"notes,omitempty"`
}

func (Return) Kind() string { return KindReturn }

func (o Return) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	if err := positiveLines(o.Lines); err != nil {
		return err
	}
	if o.Refund.IsNegative() || !ledger.HasScale(o.Refund, ledger.MoneyScale) {
		return ledger.NewValidationError("refund", "refund must be a non-negative amount with at most 2 decimals")
	}
	if o.Refund.IsPositive() && o.TreasuryID == "" {
		return ledger.NewValidationError("treasury_id", "treasury is required when refund > 0")
	}
	return nil
}

// CustodyAssignment hands goods from a warehouse to a representative.
type CustodyAssignment struct {
	Meta
	WarehouseID      string `json:"warehouse_id" validate:"required"`
	RepresentativeID string `json:"representative_id" validate:"required"`
	OrderID          string `json:"order_id,omitempty"`
	Lines            []Line `json:"lines" validate:"min=1,dive"`
	Notes            string `json:"notes,omitempty"`
}

func (CustodyAssignment) Kind() string { return KindCustodyAssignment }

func (o CustodyAssignment) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveLines(o.Lines)
}

// CustodyReturn takes goods back from a representative into a warehouse.
type CustodyReturn struct {
	Meta
	WarehouseID      string `json:"warehouse_id" validate:"required"`
	RepresentativeID string `json:"representative_id" validate:"required"`
	OrderID          string `json:"order_id,omitempty"`
	Lines            []Line `json:"lines" validate:"min=1,dive"`
	Notes            string `json:"notes,omitempty"`
}

func (CustodyReturn) Kind() string { return KindCustodyReturn }

func (o CustodyReturn) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	return positiveLines(o.Lines)
}

// AdjustmentLine carries a signed quantity.
type AdjustmentLine struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Adjustment corrects stock by signed quantities, e.g. after a physical count.
type Adjustment struct {
	Meta
	WarehouseID string                `json:"warehouse_id" validate:"required"`
	Lines       []AdjustmentLine      `json:"lines" validate:"min=1,dive"`
	Related     *ledger.RelatedEntity `json:"-"`
	Notes       string                `json:"notes,omitempty"`
}

func (Adjustment) Kind() string { return KindAdjustment }

func (o Adjustment) Validate() error {
	if err := ValidateStruct(o); err != nil {
		return err
	}
	for i, l := range o.Lines {
		if l.Quantity.IsZero() {
			return ledger.NewValidationError(fmt.Sprintf("lines[%d].quantity", i), "quantity must be non-zero")
		}
	}
	return nil
}

// OpeningBalance seeds a treasury (TreasuryID) or a stock position
// (WarehouseID + ProductID) with an initial_balance entry.
type OpeningBalance struct {
	Meta
	TreasuryID  string          `json:"treasury_id,omitempty"`
	WarehouseID string          `json:"warehouse_id,omitempty"`
	ProductID   string          `json:"product_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Notes       string          `json:"notes,omitempty"`
}

func (OpeningBalance) Kind() string { return KindOpeningBalance }

func (o OpeningBalance) Validate() error {
	hasTreasury := o.TreasuryID != ""
	hasStock := o.WarehouseID != "" || o.ProductID != ""
	switch {
	case hasTreasury && hasStock:
		return ledger.NewValidationError("treasury_id", "either a treasury or a warehouse/product, not both")
	case hasTreasury:
		return positiveMoney("amount", o.Amount)
	case o.WarehouseID == "" || o.ProductID == "":
		return ledger.NewValidationError("warehouse_id", "treasury_id or warehouse_id and product_id are required")
	}
	if !o.Amount.IsPositive() {
		return ledger.NewValidationError("amount", "amount must be positive")
	}
	return nil
}

// Account returns the target account.
func (o OpeningBalance) Account() ledger.AccountRef {
	if o.TreasuryID != "" {
		return ledger.TreasuryRef(o.TreasuryID)
	}
	return ledger.StockRef(o.WarehouseID, o.ProductID)
}

// Reversal negates every entry of an earlier group.
type Reversal struct {
	Meta
	CorrelationID ledger.CorrelationID `json:"correlation_id" validate:"required"`
	Notes         string               `json:"notes" validate:"required"`
}

func (Reversal) Kind() string { return KindReversal }

func (o Reversal) Validate() error { return ValidateStruct(o) }

// DailyCycle closes a representative's day.
type DailyCycle struct {
	custody.DailyCycle
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (DailyCycle) Kind() string { return KindDailyCycle }

func (o DailyCycle) Validate() error { return o.DailyCycle.Validate() }

// =============================================================================
// SHARED CHECKS
// =============================================================================

func positiveMoney(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return ledger.NewValidationError(field, "amount must be positive")
	}
	if !ledger.HasScale(d, ledger.MoneyScale) {
		return ledger.NewValidationError(field, "money carries at most 2 decimal places")
	}
	return nil
}

func nonZeroMoney(field string, d decimal.Decimal) error {
	if d.IsZero() {
		return ledger.NewValidationError(field, "amount must be non-zero")
	}
	if !ledger.HasScale(d, ledger.MoneyScale) {
		return ledger.NewValidationError(field, "money carries at most 2 decimal places")
	}
	return nil
}

func positiveLines(lines []Line) error {
	for i, l := range lines {
		if !l.Quantity.IsPositive() {
			return ledger.NewValidationError(fmt.Sprintf("lines[%d].quantity", i), "quantity must be positive")
		}
	}
	return nil
}

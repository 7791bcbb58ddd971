/*
Package ledger provides the append-only movement ledger and its projector.

PURPOSE:
  This package holds the domain-agnostic core of the engine: signed
  monetary entries against treasuries and signed quantity entries against
  (warehouse, product) pairs. Balances are never stored; they are always
  folded from entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountRef: What an entry moves (a treasury or a warehouse+product pair)
  - Entry: An immutable ledger row
  - Group: Entries sharing a correlation id, committed all-or-nothing
  - RelatedEntity: Optional tag linking an entry to a rep, supplier, order...

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed or adjusted
  2. Precision: decimal.Decimal for money (scale 2) and quantities
  3. Atomicity: A Group is the unit of commit
  4. Auditability: Every entry carries subtype, notes, actor and correlation

USAGE:
  group := ledger.Group{
      Entries: []ledger.Entry{{
          Account: ledger.TreasuryRef("main"),
          Amount:  decimal.RequireFromString("1000"),
          Subtype: ledger.SubtypeDeposit,
          Notes:   "opening",
      }},
  }
  result, err := l.Commit(ctx, group)

SEE ALSO:
  - ledger.go: Commit path and invariant checks
  - balance.go: Projector (balance / stock folds)
  - store.go: Persistence interface
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT REFERENCE - What an entry moves
// =============================================================================

type Kind string

const (
	KindTreasury Kind = "treasury"
	KindStock    Kind = "stock"
)

// AccountRef identifies a treasury, or a (warehouse, product) pair for stock.
type AccountRef struct {
	Kind        Kind
	TreasuryID  string
	WarehouseID string
	ProductID   string
}

func TreasuryRef(treasuryID string) AccountRef {
	return AccountRef{Kind: KindTreasury, TreasuryID: treasuryID}
}

func StockRef(warehouseID, productID string) AccountRef {
	return AccountRef{Kind: KindStock, WarehouseID: warehouseID, ProductID: productID}
}

// KeySeparator joins warehouse and product in a stock key. Account ids
// may not contain it, so every key maps back to exactly one account.
const KeySeparator = "/"

// Key is the canonical string form, used for locking and indexing.
func (r AccountRef) Key() string {
	if r.Kind == KindStock {
		return "stock:" + r.WarehouseID + KeySeparator + r.ProductID
	}
	return "treasury:" + r.TreasuryID
}

func (r AccountRef) String() string { return r.Key() }

// Valid reports whether the reference names a complete account whose
// ids are usable in a key.
func (r AccountRef) Valid() bool {
	switch r.Kind {
	case KindTreasury:
		return validAccountID(r.TreasuryID)
	case KindStock:
		return validAccountID(r.WarehouseID) && validAccountID(r.ProductID)
	}
	return false
}

func validAccountID(id string) bool {
	return id != "" && !strings.Contains(id, KeySeparator)
}

// CheckAccountID validates a treasury, warehouse or product id before it
// is registered.
func CheckAccountID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "id is required")
	}
	if strings.Contains(id, KeySeparator) {
		return NewValidationError(field, fmt.Sprintf("id may not contain %q", KeySeparator))
	}
	return nil
}

// ParseAccountKey is the inverse of AccountRef.Key.
func ParseAccountKey(key string) (AccountRef, error) {
	var ref AccountRef
	if id, ok := strings.CutPrefix(key, "treasury:"); ok {
		ref = TreasuryRef(id)
	} else if rest, ok := strings.CutPrefix(key, "stock:"); ok {
		w, p, _ := strings.Cut(rest, KeySeparator)
		ref = StockRef(w, p)
	}
	if ref.Valid() {
		return ref, nil
	}
	return AccountRef{}, fmt.Errorf("malformed account key %q", key)
}

// =============================================================================
// SUBTYPES
// =============================================================================

type Subtype string

const (
	SubtypeDeposit         Subtype = "deposit"
	SubtypeExpense         Subtype = "expense"
	SubtypeSupplierPayment Subtype = "supplier_payment"
	SubtypeTransferOut     Subtype = "transfer_out"
	SubtypeTransferIn      Subtype = "transfer_in"
	SubtypePurchase        Subtype = "purchase"
	SubtypeSale            Subtype = "sale"
	SubtypeReturnIn        Subtype = "return_in"
	SubtypeReturnOut       Subtype = "return_out"
	SubtypeInitialBalance  Subtype = "initial_balance"
	SubtypeAdjustment      Subtype = "adjustment"
	SubtypeReversal        Subtype = "reversal"

	// Representative custody
	SubtypeRepAssign     Subtype = "rep_assign"
	SubtypeRepReturn     Subtype = "rep_return"
	SubtypeRepPaymentIn  Subtype = "rep_payment_in"
	SubtypeRepPaymentOut Subtype = "rep_payment_out"
	SubtypeRepPenalty    Subtype = "rep_penalty"
	SubtypeRepSettlement Subtype = "rep_settlement"
)

// RequiresNotes reports whether the subtype is a manually-entered financial
// movement, for which notes are mandatory on treasury entries.
func (s Subtype) RequiresNotes() bool {
	switch s {
	case SubtypeExpense, SubtypeDeposit, SubtypeSupplierPayment, SubtypeTransferOut, SubtypeTransferIn:
		return true
	}
	return false
}

// =============================================================================
// RELATED ENTITY
// =============================================================================

type RelatedType string

const (
	RelatedRepresentative RelatedType = "representative"
	RelatedSupplier       RelatedType = "supplier"
	RelatedCustomer       RelatedType = "customer"
	RelatedOrder          RelatedType = "order"
	RelatedAudit          RelatedType = "audit"
)

type RelatedEntity struct {
	Type RelatedType
	ID   string
}

func Representative(id string) *RelatedEntity {
	return &RelatedEntity{Type: RelatedRepresentative, ID: id}
}

func Supplier(id string) *RelatedEntity {
	return &RelatedEntity{Type: RelatedSupplier, ID: id}
}

func (r *RelatedEntity) Equal(other *RelatedEntity) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Type == other.Type && r.ID == other.ID
}

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

type EntryID int64

type CorrelationID string

type Entry struct {
	ID            EntryID
	Account       AccountRef
	Amount        decimal.Decimal
	OccurredAt    time.Time
	Subtype       Subtype
	Related       *RelatedEntity
	OrderID       string // secondary tag for representative entries
	CorrelationID CorrelationID
	Notes         string

	// Audit fields
	CreatedBy   string
	CommittedAt time.Time
}

func (e Entry) Kind() Kind { return e.Account.Kind }

// =============================================================================
// GROUP - Entries committed together
// =============================================================================

// Group is the unit of commit. Every entry in it shares CorrelationID.
type Group struct {
	CorrelationID  CorrelationID
	IdempotencyKey string
	Entries        []Entry
}

// Refs returns the distinct accounts touched by the group, in entry order.
func (g Group) Refs() []AccountRef {
	seen := make(map[string]bool, len(g.Entries))
	var refs []AccountRef
	for _, e := range g.Entries {
		k := e.Account.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		refs = append(refs, e.Account)
	}
	return refs
}

// NetDeltas sums the group's amounts per account key.
func (g Group) NetDeltas() map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal, len(g.Entries))
	for _, e := range g.Entries {
		k := e.Account.Key()
		deltas[k] = deltas[k].Add(e.Amount)
	}
	return deltas
}

// CommitResult reports a fully applied group.
type CommitResult struct {
	CorrelationID CorrelationID
	Entries       []Entry
	CommittedAt   time.Time
}

// =============================================================================
// FILTER - Raw entry queries for reporting
// =============================================================================

type Filter struct {
	Kind          Kind
	Account       *AccountRef
	TreasuryID    string
	WarehouseID   string
	ProductID     string
	Subtypes      []Subtype
	Related       *RelatedEntity
	OrderID       string
	CorrelationID CorrelationID
	From          *time.Time // occurred_at >= From
	To            *time.Time // occurred_at <= To
	Limit         int
}

// Matches applies the filter in memory. Stores backed by SQL translate the
// same fields into WHERE clauses.
func (f Filter) Matches(e Entry) bool {
	if f.Kind != "" && e.Account.Kind != f.Kind {
		return false
	}
	if f.Account != nil && e.Account.Key() != f.Account.Key() {
		return false
	}
	if f.TreasuryID != "" && (e.Account.Kind != KindTreasury || e.Account.TreasuryID != f.TreasuryID) {
		return false
	}
	if f.WarehouseID != "" && (e.Account.Kind != KindStock || e.Account.WarehouseID != f.WarehouseID) {
		return false
	}
	if f.ProductID != "" && (e.Account.Kind != KindStock || e.Account.ProductID != f.ProductID) {
		return false
	}
	if len(f.Subtypes) > 0 {
		found := false
		for _, s := range f.Subtypes {
			if e.Subtype == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Related != nil && !f.Related.Equal(e.Related) {
		return false
	}
	if f.OrderID != "" && e.OrderID != f.OrderID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.From != nil && e.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.OccurredAt.After(*f.To) {
		return false
	}
	return true
}

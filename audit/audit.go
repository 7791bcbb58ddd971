/*
Package audit implements the inventory count workflow.

PURPOSE:
  A stock count is an explicit state machine. Counted quantities are
  captured in draft, frozen at submit, and turned into exactly one
  adjustment group when approved.

STATE MACHINE:
  draft --submit--> pending --approve--> approved
                           \--reject---> rejected

  approved and rejected are terminal. Any other transition is a StateError.

DIFF CAPTURE:
  SystemQty is read from the projector when an item is saved, so the diff
  (counted - system) is fixed the moment the counter records it, not when
  a manager later approves.

EXACTLY ONCE:
  Approval commits under the idempotency key "audit:<id>". If a previous
  approval attempt committed but failed to record the transition, the
  retry finds the existing group and only completes the transition.

SEE ALSO:
  - workflow.go: Operations
  - engine.Adjust: Posts the adjustment group
*/
package audit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusDraft:   {StatusPending},
	StatusPending: {StatusApproved, StatusRejected},
}

// CanTransitionTo reports whether next is reachable in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// =============================================================================
// AUDIT
// =============================================================================

type Item struct {
	ProductID  string
	SystemQty  decimal.Decimal
	CountedQty decimal.Decimal
	DiffQty    decimal.Decimal // CountedQty - SystemQty, frozen at save
	Notes      string
}

type Audit struct {
	ID              string
	WarehouseID     string
	Status          Status
	Notes           string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SubmittedAt     *time.Time
	DecidedAt       *time.Time
	DecidedBy       string
	RejectionReason string
	CorrelationID   ledger.CorrelationID
	Version         int
	Items           []Item
}

// Item returns the item for productID, if any.
func (a *Audit) Item(productID string) (Item, bool) {
	for _, it := range a.Items {
		if it.ProductID == productID {
			return it, true
		}
	}
	return Item{}, false
}

// upsert replaces the item for the same product or appends it.
func (a *Audit) upsert(item Item) {
	for i := range a.Items {
		if a.Items[i].ProductID == item.ProductID {
			a.Items[i] = item
			return
		}
	}
	a.Items = append(a.Items, item)
}

func (a *Audit) remove(productIDs []string) int {
	drop := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		drop[id] = true
	}
	kept := a.Items[:0]
	removed := 0
	for _, it := range a.Items {
		if drop[it.ProductID] {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	a.Items = kept
	return removed
}

// Differences returns the items whose diff is non-zero.
func (a *Audit) Differences() []Item {
	var out []Item
	for _, it := range a.Items {
		if !it.DiffQty.IsZero() {
			out = append(out, it)
		}
	}
	return out
}

func (a *Audit) stateError(action string) error {
	return &ledger.StateError{Entity: "audit", ID: a.ID, Current: string(a.Status), Action: action}
}

// IdempotencyKey is the ledger key for this audit's adjustments.
func IdempotencyKey(auditID string) string {
	return "audit:" + auditID
}

// =============================================================================
// REPOSITORY
// =============================================================================

type Filter struct {
	WarehouseID string
	Status      Status
}

// Repository persists audits with their items. Update is optimistic: it
// fails with ledger.ErrConcurrencyConflict if the stored version differs
// from a.Version, and stores a.Version+1 on success.
type Repository interface {
	Create(ctx context.Context, a Audit) error
	Get(ctx context.Context, id string) (Audit, error)
	Update(ctx context.Context, a Audit) error
	List(ctx context.Context, f Filter) ([]Audit, error)
}

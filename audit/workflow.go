package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ledger"
)

// Poster posts the approval's adjustment group.
type Poster interface {
	Adjust(ctx context.Context, op engine.Adjustment) (ledger.CommitResult, error)
}

// =============================================================================
// WORKFLOW
// =============================================================================

type Workflow struct {
	Repo      Repository
	Poster    Poster
	Ledger    ledger.Ledger
	Projector *ledger.Projector
	Catalog   catalog.Catalog
	Clock     ledger.Clock
	Logger    *zap.Logger

	locks *ledger.KeyedMutex
}

func NewWorkflow(repo Repository, poster Poster, l ledger.Ledger, c catalog.Catalog) *Workflow {
	return &Workflow{
		Repo:      repo,
		Poster:    poster,
		Ledger:    l,
		Projector: ledger.NewProjector(l),
		Catalog:   c,
		Clock:     ledger.SystemClock{},
		Logger:    zap.NewNop(),
		locks:     ledger.NewKeyedMutex(),
	}
}

type CreateInput struct {
	WarehouseID string
	Notes       string
	CreatedBy   string
}

type ItemInput struct {
	ProductID  string
	CountedQty decimal.Decimal
	Notes      string
}

// CreateAudit opens a draft count for a warehouse.
func (w *Workflow) CreateAudit(ctx context.Context, in CreateInput) (Audit, error) {
	if in.WarehouseID == "" {
		return Audit{}, ledger.NewValidationError("warehouse_id", "warehouse id is required")
	}
	if _, err := w.Catalog.Warehouse(ctx, in.WarehouseID); err != nil {
		return Audit{}, err
	}
	now := w.Clock.Now()
	a := Audit{
		ID:          ledger.NewID(),
		WarehouseID: in.WarehouseID,
		Status:      StatusDraft,
		Notes:       in.Notes,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.Repo.Create(ctx, a); err != nil {
		return Audit{}, fmt.Errorf("create audit: %w", err)
	}
	w.Logger.Info("audit created", zap.String("audit_id", a.ID), zap.String("warehouse_id", a.WarehouseID))
	return a, nil
}

// SaveItems upserts counted quantities. The system quantity is read now.
func (w *Workflow) SaveItems(ctx context.Context, auditID string, items []ItemInput) (Audit, error) {
	if len(items) == 0 {
		return Audit{}, ledger.NewValidationError("items", "at least one item is required")
	}
	return w.mutate(ctx, auditID, func(a *Audit) error {
		if a.Status != StatusDraft {
			return a.stateError("edit items of")
		}
		for i, in := range items {
			item, err := w.countItem(ctx, a.WarehouseID, i, in)
			if err != nil {
				return err
			}
			a.upsert(item)
		}
		return nil
	})
}

func (w *Workflow) countItem(ctx context.Context, warehouseID string, i int, in ItemInput) (Item, error) {
	field := fmt.Sprintf("items[%d]", i)
	if in.ProductID == "" {
		return Item{}, ledger.NewValidationError(field+".product_id", "product id is required")
	}
	if in.CountedQty.IsNegative() {
		return Item{}, ledger.NewValidationError(field+".counted_qty", "counted quantity cannot be negative")
	}
	p, err := w.Catalog.Product(ctx, in.ProductID)
	if err != nil {
		return Item{}, err
	}
	if err := p.Category.CheckQuantity(field+".counted_qty", in.CountedQty); err != nil {
		return Item{}, err
	}
	system, err := w.Projector.StockOf(ctx, warehouseID, in.ProductID, nil)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ProductID:  in.ProductID,
		SystemQty:  system,
		CountedQty: in.CountedQty,
		DiffQty:    in.CountedQty.Sub(system),
		Notes:      in.Notes,
	}, nil
}

// RemoveItems drops counted products from a draft.
func (w *Workflow) RemoveItems(ctx context.Context, auditID string, productIDs []string) (Audit, error) {
	return w.mutate(ctx, auditID, func(a *Audit) error {
		if a.Status != StatusDraft {
			return a.stateError("edit items of")
		}
		if a.remove(productIDs) == 0 {
			return ledger.NewNotFoundError("audit item", strings.Join(productIDs, ","))
		}
		return nil
	})
}

// SubmitAudit freezes the items and asks for a decision.
func (w *Workflow) SubmitAudit(ctx context.Context, auditID string) (Audit, error) {
	return w.mutate(ctx, auditID, func(a *Audit) error {
		if !a.Status.CanTransitionTo(StatusPending) {
			return a.stateError("submit")
		}
		if len(a.Items) == 0 {
			return ledger.NewValidationError("items", "cannot submit an audit without items")
		}
		now := w.Clock.Now()
		a.Status = StatusPending
		a.SubmittedAt = &now
		return nil
	})
}

// ApproveAudit posts every non-zero diff as one adjustment group, then
// marks the audit approved. If the ledger rejects the group the audit
// stays pending.
func (w *Workflow) ApproveAudit(ctx context.Context, auditID, approver string) (Audit, error) {
	return w.mutate(ctx, auditID, func(a *Audit) error {
		if !a.Status.CanTransitionTo(StatusApproved) {
			return a.stateError("approve")
		}
		corr, err := w.postDifferences(ctx, a, approver)
		if err != nil {
			return err
		}
		now := w.Clock.Now()
		a.Status = StatusApproved
		a.DecidedAt = &now
		a.DecidedBy = approver
		a.CorrelationID = corr
		return nil
	})
}

func (w *Workflow) postDifferences(ctx context.Context, a *Audit, approver string) (ledger.CorrelationID, error) {
	diffs := a.Differences()
	if len(diffs) == 0 {
		return "", nil
	}
	lines := make([]engine.AdjustmentLine, len(diffs))
	for i, it := range diffs {
		lines[i] = engine.AdjustmentLine{ProductID: it.ProductID, Quantity: it.DiffQty}
	}
	op := engine.Adjustment{
		Meta:        engine.Meta{CreatedBy: approver, IdempotencyKey: IdempotencyKey(a.ID)},
		WarehouseID: a.WarehouseID,
		Lines:       lines,
		Related:     &ledger.RelatedEntity{Type: ledger.RelatedAudit, ID: a.ID},
		Notes:       "inventory audit " + a.ID,
	}

	res, err := w.Poster.Adjust(ctx, op)
	if err == nil {
		return res.CorrelationID, nil
	}
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		w.Logger.Warn("audit approval rejected by ledger", zap.String("audit_id", a.ID), zap.Error(err))
		return "", err
	}

	// An earlier attempt committed; finish the transition without posting again.
	prior, ok, lerr := w.Ledger.GroupByKey(ctx, op.IdempotencyKey)
	if lerr != nil {
		return "", lerr
	}
	if !ok {
		return "", err
	}
	w.Logger.Info("audit adjustments already posted", zap.String("audit_id", a.ID),
		zap.String("correlation_id", string(prior.CorrelationID)))
	return prior.CorrelationID, nil
}

// RejectAudit closes a pending audit without touching the ledger.
func (w *Workflow) RejectAudit(ctx context.Context, auditID, reason, decidedBy string) (Audit, error) {
	if strings.TrimSpace(reason) == "" {
		return Audit{}, ledger.NewValidationError("reason", "rejection reason is required")
	}
	return w.mutate(ctx, auditID, func(a *Audit) error {
		if !a.Status.CanTransitionTo(StatusRejected) {
			return a.stateError("reject")
		}
		now := w.Clock.Now()
		a.Status = StatusRejected
		a.DecidedAt = &now
		a.DecidedBy = decidedBy
		a.RejectionReason = reason
		return nil
	})
}

func (w *Workflow) GetAudit(ctx context.Context, auditID string) (Audit, error) {
	return w.Repo.Get(ctx, auditID)
}

func (w *Workflow) ListAudits(ctx context.Context, f Filter) ([]Audit, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ledger.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	return w.Repo.List(ctx, f)
}

// mutate serializes changes to one audit and saves with a version check.
func (w *Workflow) mutate(ctx context.Context, auditID string, fn func(*Audit) error) (Audit, error) {
	unlock, err := w.locks.Lock(ctx, "audit:"+auditID)
	if err != nil {
		return Audit{}, err
	}
	defer unlock()

	a, err := w.Repo.Get(ctx, auditID)
	if err != nil {
		return Audit{}, err
	}
	before := a.Status
	if err := fn(&a); err != nil {
		return Audit{}, err
	}
	a.UpdatedAt = w.Clock.Now()
	if err := w.Repo.Update(ctx, a); err != nil {
		return Audit{}, fmt.Errorf("save audit %s: %w", auditID, err)
	}
	a.Version++
	if a.Status != before {
		w.Logger.Info("audit transition",
			zap.String("audit_id", a.ID),
			zap.String("from", string(before)),
			zap.String("to", string(a.Status)),
		)
	}
	return a, nil
}

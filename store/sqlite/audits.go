package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// AUDIT REPOSITORY (audit.Repository interface)
// =============================================================================

var _ audit.Repository = (*Store)(nil)

var auditColumns = []string{
	"id", "warehouse_id", "status", "notes", "created_by", "created_at", "updated_at",
	"submitted_at", "decided_at", "decided_by", "rejection_reason", "correlation_id", "version",
}

func (s *Store) Create(ctx context.Context, a audit.Audit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := exec(ctx, tx, builder.Insert("inventory_audits").
			Columns(auditColumns...).
			Values(
				a.ID, a.WarehouseID, string(a.Status), a.Notes, a.CreatedBy,
				nanos(a.CreatedAt), nanos(a.UpdatedAt),
				nullNanos(a.SubmittedAt), nullNanos(a.DecidedAt),
				a.DecidedBy, a.RejectionReason, string(a.CorrelationID), a.Version,
			))
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.NewValidationError("id", "audit already exists")
			}
			return fmt.Errorf("failed to create audit: %w", err)
		}
		return insertItems(ctx, tx, a)
	})
}

// Update stores a and its items if the stored version still equals
// a.Version; the stored version becomes a.Version+1.
func (s *Store) Update(ctx context.Context, a audit.Audit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, builder.Update("inventory_audits").
			SetMap(map[string]any{
				"status":           string(a.Status),
				"notes":            a.Notes,
				"updated_at":       nanos(a.UpdatedAt),
				"submitted_at":     nullNanos(a.SubmittedAt),
				"decided_at":       nullNanos(a.DecidedAt),
				"decided_by":       a.DecidedBy,
				"rejection_reason": a.RejectionReason,
				"correlation_id":   string(a.CorrelationID),
				"version":          a.Version + 1,
			}).
			Where(sq.Eq{"id": a.ID, "version": a.Version}))
		if err != nil {
			return fmt.Errorf("failed to update audit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := s.getAudit(ctx, tx, a.ID); err != nil {
				return err
			}
			return &ledger.ConflictError{Account: "audit:" + a.ID}
		}

		if _, err := exec(ctx, tx, builder.Delete("audit_items").Where(sq.Eq{"audit_id": a.ID})); err != nil {
			return fmt.Errorf("failed to replace audit items: %w", err)
		}
		return insertItems(ctx, tx, a)
	})
}

func (s *Store) Get(ctx context.Context, id string) (audit.Audit, error) {
	return s.getAudit(ctx, s.db, id)
}

func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Audit, error) {
	q := builder.Select("id").From("inventory_audits").OrderBy("created_at", "id")
	if f.WarehouseID != "" {
		q = q.Where(sq.Eq{"warehouse_id": f.WarehouseID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	rows, err := query(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single pooled connection is free again once rows is closed.
	audits := make([]audit.Audit, 0, len(ids))
	for _, id := range ids {
		a, err := s.getAudit(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, nil
}

func (s *Store) getAudit(ctx context.Context, db querier, id string) (audit.Audit, error) {
	rows, err := query(ctx, db, builder.Select(auditColumns...).
		From("inventory_audits").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return audit.Audit{}, fmt.Errorf("failed to get audit: %w", err)
	}
	a, found, err := scanAudit(rows)
	if err != nil {
		return audit.Audit{}, err
	}
	if !found {
		return audit.Audit{}, ledger.NewNotFoundError("audit", id)
	}

	items, err := query(ctx, db, builder.
		Select("product_id", "system_qty", "counted_qty", "diff_qty", "notes").
		From("audit_items").
		Where(sq.Eq{"audit_id": id}).
		OrderBy("position"))
	if err != nil {
		return audit.Audit{}, fmt.Errorf("failed to load audit items: %w", err)
	}
	defer items.Close()

	for items.Next() {
		var (
			it                    audit.Item
			system, counted, diff string
		)
		if err := items.Scan(&it.ProductID, &system, &counted, &diff, &it.Notes); err != nil {
			return audit.Audit{}, err
		}
		if it.SystemQty, err = parseDecimal("system_qty", system); err != nil {
			return audit.Audit{}, err
		}
		if it.CountedQty, err = parseDecimal("counted_qty", counted); err != nil {
			return audit.Audit{}, err
		}
		if it.DiffQty, err = parseDecimal("diff_qty", diff); err != nil {
			return audit.Audit{}, err
		}
		a.Items = append(a.Items, it)
	}
	return a, items.Err()
}

func scanAudit(rows *sql.Rows) (audit.Audit, bool, error) {
	defer rows.Close()
	if !rows.Next() {
		return audit.Audit{}, false, rows.Err()
	}
	var (
		a                      audit.Audit
		status, corr           string
		createdAt, updatedAt   int64
		submittedAt, decidedAt sql.NullInt64
	)
	err := rows.Scan(
		&a.ID, &a.WarehouseID, &status, &a.Notes, &a.CreatedBy, &createdAt, &updatedAt,
		&submittedAt, &decidedAt, &a.DecidedBy, &a.RejectionReason, &corr, &a.Version,
	)
	if err != nil {
		return audit.Audit{}, false, fmt.Errorf("failed to scan audit: %w", err)
	}
	a.Status = audit.Status(status)
	a.CorrelationID = ledger.CorrelationID(corr)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	a.SubmittedAt = fromNullNanos(submittedAt)
	a.DecidedAt = fromNullNanos(decidedAt)
	return a, true, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, a audit.Audit) error {
	if len(a.Items) == 0 {
		return nil
	}
	q := builder.Insert("audit_items").
		Columns("audit_id", "position", "product_id", "system_qty", "counted_qty", "diff_qty", "notes")
	for i, it := range a.Items {
		q = q.Values(a.ID, i, it.ProductID, it.SystemQty.String(), it.CountedQty.String(), it.DiffQty.String(), it.Notes)
	}
	if _, err := exec(ctx, tx, q); err != nil {
		return fmt.Errorf("failed to save audit items: %w", err)
	}
	return nil
}

// inTx runs non-ledger writes under the same writer slot as ledger commits.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

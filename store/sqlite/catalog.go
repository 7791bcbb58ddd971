package sqlite

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// CATALOG (catalog.Registry interface)
// =============================================================================

var _ catalog.Registry = (*Store)(nil)

func (s *Store) Product(ctx context.Context, id string) (catalog.Product, error) {
	products, err := s.queryProducts(ctx, builder.Select("id", "name", "category", "default_cost", "created_at").
		From("products").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return catalog.Product{}, err
	}
	if len(products) == 0 {
		return catalog.Product{}, ledger.NewNotFoundError("product", id)
	}
	return products[0], nil
}

func (s *Store) Products(ctx context.Context) ([]catalog.Product, error) {
	return s.queryProducts(ctx, builder.Select("id", "name", "category", "default_cost", "created_at").
		From("products").
		OrderBy("id"))
}

func (s *Store) queryProducts(ctx context.Context, b sq.SelectBuilder) ([]catalog.Product, error) {
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []catalog.Product
	for rows.Next() {
		var (
			p         catalog.Product
			category  string
			cost      string
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &category, &cost, &createdAt); err != nil {
			return nil, err
		}
		p.Category = catalog.Category(category)
		if p.DefaultCost, err = parseDecimal("default_cost", cost); err != nil {
			return nil, err
		}
		p.CreatedAt = fromNanos(createdAt)
		products = append(products, p)
	}
	return products, rows.Err()
}

// RegisterProduct creates a product in its own statement, outside any
// ledger transaction: a receiving rejected later keeps the product.
func (s *Store) RegisterProduct(ctx context.Context, np catalog.NewProduct) (catalog.Product, error) {
	if err := np.Validate(); err != nil {
		return catalog.Product{}, err
	}
	p := catalog.Product{
		ID:          ledger.NewID(),
		Name:        np.Name,
		Category:    np.Category,
		DefaultCost: np.DefaultCost,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.PutProduct(ctx, p); err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

func (s *Store) PutProduct(ctx context.Context, p catalog.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	_, err := exec(ctx, s.db, builder.Insert("products").
		Columns("id", "name", "category", "default_cost", "created_at").
		Values(p.ID, p.Name, string(p.Category), p.DefaultCost.String(), nanos(createdAt)).
		Suffix("ON CONFLICT(id) DO UPDATE SET name = excluded.name, category = excluded.category, default_cost = excluded.default_cost"))
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// =============================================================================
// NAMED REFERENCE TABLES
// =============================================================================

// The remaining reference entities are all (id, name) rows.

func (s *Store) Treasury(ctx context.Context, id string) (catalog.Treasury, error) {
	name, err := s.getNamed(ctx, "treasuries", "treasury", id)
	return catalog.Treasury{ID: id, Name: name}, err
}

func (s *Store) Warehouse(ctx context.Context, id string) (catalog.Warehouse, error) {
	name, err := s.getNamed(ctx, "warehouses", "warehouse", id)
	return catalog.Warehouse{ID: id, Name: name}, err
}

func (s *Store) Representative(ctx context.Context, id string) (catalog.Representative, error) {
	name, err := s.getNamed(ctx, "representatives", "representative", id)
	return catalog.Representative{ID: id, Name: name}, err
}

func (s *Store) Supplier(ctx context.Context, id string) (catalog.Supplier, error) {
	name, err := s.getNamed(ctx, "suppliers", "supplier", id)
	return catalog.Supplier{ID: id, Name: name}, err
}

func (s *Store) PutTreasury(ctx context.Context, t catalog.Treasury) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.putNamed(ctx, "treasuries", t.ID, t.Name)
}

func (s *Store) PutWarehouse(ctx context.Context, w catalog.Warehouse) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return s.putNamed(ctx, "warehouses", w.ID, w.Name)
}

func (s *Store) PutRepresentative(ctx context.Context, r catalog.Representative) error {
	return s.putNamed(ctx, "representatives", r.ID, r.Name)
}

func (s *Store) PutSupplier(ctx context.Context, sup catalog.Supplier) error {
	return s.putNamed(ctx, "suppliers", sup.ID, sup.Name)
}

func (s *Store) Treasuries(ctx context.Context) ([]catalog.Treasury, error) {
	rows, err := s.listNamed(ctx, "treasuries")
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Treasury, len(rows))
	for i, r := range rows {
		out[i] = catalog.Treasury{ID: r[0], Name: r[1]}
	}
	return out, nil
}

func (s *Store) Warehouses(ctx context.Context) ([]catalog.Warehouse, error) {
	rows, err := s.listNamed(ctx, "warehouses")
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Warehouse, len(rows))
	for i, r := range rows {
		out[i] = catalog.Warehouse{ID: r[0], Name: r[1]}
	}
	return out, nil
}

func (s *Store) getNamed(ctx context.Context, table, entity, id string) (string, error) {
	q, args, err := builder.Select("name").From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", err
	}
	var name string
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&name)
	if errNoRows(err) {
		return "", ledger.NewNotFoundError(entity, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", entity, err)
	}
	return name, nil
}

func (s *Store) putNamed(ctx context.Context, table, id, name string) error {
	if id == "" {
		return ledger.NewValidationError("id", "id is required")
	}
	_, err := exec(ctx, s.db, builder.Insert(table).
		Columns("id", "name").
		Values(id, name).
		Suffix("ON CONFLICT(id) DO UPDATE SET name = excluded.name"))
	if err != nil {
		return fmt.Errorf("failed to save %s row: %w", table, err)
	}
	return nil
}

func (s *Store) listNamed(ctx context.Context, table string) ([][2]string, error) {
	rows, err := query(ctx, s.db, builder.Select("id", "name").From(table).OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var r [2]string
		if err := rows.Scan(&r[0], &r[1]); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

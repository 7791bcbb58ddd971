/*
Package catalog holds the reference data the engine validates against.

PURPOSE:
  Products, treasuries, warehouses, representatives and suppliers are
  owned by collaborators outside the ledger. The engine only needs to
  know that an id exists and, for products, which category it belongs
  to (fabric is measured to one decimal, everything else in pieces).

IMPLEMENTATIONS:
  - Memory (this package): maps, for tests and the default server
  - store/sqlite: catalog tables next to the ledger
*/
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// PRODUCT
// =============================================================================

type Category string

const (
	CategoryProduct   Category = "product"
	CategoryFabric    Category = "fabric"
	CategoryAccessory Category = "accessory"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryProduct, CategoryFabric, CategoryAccessory:
		return true
	}
	return false
}

// QuantityScale is how many fractional digits a stock quantity may carry.
func (c Category) QuantityScale() int32 {
	if c == CategoryFabric {
		return 1
	}
	return 0
}

// CheckQuantity rejects quantities finer than the category allows.
func (c Category) CheckQuantity(field string, qty decimal.Decimal) error {
	if !ledger.HasScale(qty, c.QuantityScale()) {
		if c.QuantityScale() == 0 {
			return ledger.NewValidationError(field, fmt.Sprintf("%s quantities must be whole pieces", c))
		}
		return ledger.NewValidationError(field, fmt.Sprintf("%s quantities carry at most %d decimal place", c, c.QuantityScale()))
	}
	return nil
}

type Product struct {
	ID          string
	Name        string
	Category    Category
	DefaultCost decimal.Decimal
	CreatedAt   time.Time
}

// NewProduct is the registration payload for an item first seen on a receiving.
type NewProduct struct {
	Name        string          `json:"name"`
	Category    Category        `json:"category"`
	DefaultCost decimal.Decimal `json:"default_cost"`
}

func (n NewProduct) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return ledger.NewValidationError("new_product.name", "name is required")
	}
	if !n.Category.Valid() {
		return ledger.NewValidationError("new_product.category", fmt.Sprintf("unknown category %q", n.Category))
	}
	return checkCost("new_product.default_cost", n.DefaultCost)
}

// Validate checks a product before it is stored under its own id.
func (p Product) Validate() error {
	if err := ledger.CheckAccountID("id", p.ID); err != nil {
		return err
	}
	if !p.Category.Valid() {
		return ledger.NewValidationError("category", fmt.Sprintf("unknown category %q", p.Category))
	}
	return checkCost("default_cost", p.DefaultCost)
}

func checkCost(field string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return ledger.NewValidationError(field, "cost cannot be negative")
	}
	if !ledger.HasScale(cost, ledger.MoneyScale) {
		return ledger.NewValidationError(field, fmt.Sprintf("money carries at most %d decimal places", ledger.MoneyScale))
	}
	return nil
}

// =============================================================================
// OTHER REFERENCE RECORDS
// =============================================================================

type Treasury struct {
	ID   string
	Name string
}

func (t Treasury) Validate() error { return ledger.CheckAccountID("id", t.ID) }

type Warehouse struct {
	ID   string
	Name string
}

func (w Warehouse) Validate() error { return ledger.CheckAccountID("id", w.ID) }

type Representative struct {
	ID   string
	Name string
}

type Supplier struct {
	ID   string
	Name string
}

// =============================================================================
// CATALOG - Lookup interface
// =============================================================================

// Catalog resolves ids. Lookups return *ledger.NotFoundError for unknown ids.
type Catalog interface {
	Product(ctx context.Context, id string) (Product, error)
	Treasury(ctx context.Context, id string) (Treasury, error)
	Warehouse(ctx context.Context, id string) (Warehouse, error)
	Representative(ctx context.Context, id string) (Representative, error)
	Supplier(ctx context.Context, id string) (Supplier, error)

	// RegisterProduct creates a product with a fresh id.
	RegisterProduct(ctx context.Context, p NewProduct) (Product, error)
}

// Registry is a Catalog that can also be seeded directly.
type Registry interface {
	Catalog

	PutProduct(ctx context.Context, p Product) error
	PutTreasury(ctx context.Context, t Treasury) error
	PutWarehouse(ctx context.Context, w Warehouse) error
	PutRepresentative(ctx context.Context, r Representative) error
	PutSupplier(ctx context.Context, s Supplier) error

	Treasuries(ctx context.Context) ([]Treasury, error)
	Warehouses(ctx context.Context) ([]Warehouse, error)
	Products(ctx context.Context) ([]Product, error)
}

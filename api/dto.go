/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Ledger:
    EntryDTO, CommitResultDTO, BalanceDTO, StatementDTO, ClosingDTO

  Catalog:
    NamedRecordDTO, CreateNamedRecordRequest, ProductDTO, CreateProductRequest

  Audits:
    AuditDTO, AuditItemDTO, CreateAuditRequest, SaveItemsRequest, ...

  Custody:
    CustodyDTO, OrderDTO, PerformanceDTO, OrderEventRequest

AMOUNTS:
  Amounts and quantities are decimal strings ("700", "12.50"). Requests
  also accept JSON numbers.

VALIDATION:
  Request types carry validator tags; handlers call decodeRequest which
  reports the first failing field as a *ledger.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/operation.go: Operation envelopes for POST /api/operations
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/custody"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// LEDGER
// =============================================================================

// EntryDTO represents one ledger entry.
type EntryDTO struct {
	ID            int64           `json:"id"`
	Kind          string          `json:"kind"`
	TreasuryID    string          `json:"treasury_id,omitempty"`
	WarehouseID   string          `json:"warehouse_id,omitempty"`
	ProductID     string          `json:"product_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    string          `json:"occurred_at"`
	Subtype       string          `json:"subtype"`
	RelatedType   string          `json:"related_type,omitempty"`
	RelatedID     string          `json:"related_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Notes         string          `json:"notes,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CommittedAt   string          `json:"committed_at"`
}

// CommitResultDTO is returned for every accepted operation.
type CommitResultDTO struct {
	CorrelationID string     `json:"correlation_id"`
	CommittedAt   string     `json:"committed_at"`
	Entries       []EntryDTO `json:"entries"`
}

// BalanceDTO is a folded position.
type BalanceDTO struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
	AsOf    string          `json:"as_of,omitempty"`
}

// StatementLineDTO is one entry with the balance right after it.
type StatementLineDTO struct {
	Entry   EntryDTO        `json:"entry"`
	Balance decimal.Decimal `json:"balance"`
}

// StatementDTO lists an account's movements over a period.
type StatementDTO struct {
	Account string             `json:"account"`
	From    string             `json:"from"`
	To      string             `json:"to"`
	Opening decimal.Decimal    `json:"opening"`
	Credits decimal.Decimal    `json:"credits"`
	Debits  decimal.Decimal    `json:"debits"`
	Closing decimal.Decimal    `json:"closing"`
	Lines   []StatementLineDTO `json:"lines"`
}

// ClosingDTO is a cached end-of-day summary.
type ClosingDTO struct {
	Day        string          `json:"day"`
	Account    string          `json:"account"`
	Opening    decimal.Decimal `json:"opening"`
	Credits    decimal.Decimal `json:"credits"`
	Debits     decimal.Decimal `json:"debits"`
	Closing    decimal.Decimal `json:"closing"`
	ComputedAt string          `json:"computed_at,omitempty"`
}

// WarehouseStockDTO lists every product position of a warehouse.
type WarehouseStockDTO struct {
	WarehouseID string                     `json:"warehouse_id"`
	Products    map[string]decimal.Decimal `json:"products"`
}

// =============================================================================
// CATALOG
// =============================================================================

// NamedRecordDTO is a treasury, warehouse, representative or supplier.
type NamedRecordDTO struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

// CreateNamedRecordRequest registers a treasury, warehouse, representative or supplier.
type CreateNamedRecordRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// ProductDTO represents a catalog product.
type ProductDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	DefaultCost decimal.Decimal `json:"default_cost"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

// CreateProductRequest registers a product. Without an id one is assigned.
type CreateProductRequest struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name" validate:"required"`
	Category    string          `json:"category" validate:"required,oneof=product fabric accessory"`
	DefaultCost decimal.Decimal `json:"default_cost"`
}

// =============================================================================
// AUDITS
// =============================================================================

// CreateAuditRequest opens a draft audit.
type CreateAuditRequest struct {
	WarehouseID string `json:"warehouse_id" validate:"required"`
	Notes       string `json:"notes,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

// AuditItemRequest is one counted product.
type AuditItemRequest struct {
	ProductID  string          `json:"product_id" validate:"required"`
	CountedQty decimal.Decimal `json:"counted_qty"`
	Notes      string          `json:"notes,omitempty"`
}

// SaveItemsRequest upserts counted items on a draft audit.
type SaveItemsRequest struct {
	Items []AuditItemRequest `json:"items" validate:"min=1,dive"`
}

// RemoveItemsRequest deletes items from a draft audit.
type RemoveItemsRequest struct {
	ProductIDs []string `json:"product_ids" validate:"min=1,dive,required"`
}

// ApproveAuditRequest names the approver.
type ApproveAuditRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required"`
}

// RejectAuditRequest carries the rejection reason.
type RejectAuditRequest struct {
	Reason    string `json:"reason" validate:"required"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// AuditItemDTO is one line of an audit.
type AuditItemDTO struct {
	ProductID  string          `json:"product_id"`
	SystemQty  decimal.Decimal `json:"system_qty"`
	CountedQty decimal.Decimal `json:"counted_qty"`
	DiffQty    decimal.Decimal `json:"diff_qty"`
	Notes      string          `json:"notes,omitempty"`
}

// AuditDTO represents an inventory audit.
type AuditDTO struct {
	ID              string         `json:"id"`
	WarehouseID     string         `json:"warehouse_id"`
	Status          string         `json:"status"`
	Notes           string         `json:"notes,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	SubmittedAt     *string        `json:"submitted_at,omitempty"`
	DecidedAt       *string        `json:"decided_at,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Version         int            `json:"version"`
	Items           []AuditItemDTO `json:"items"`
}

// =============================================================================
// CUSTODY
// =============================================================================

// OrderDTO is an order currently held by a representative.
type OrderDTO struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Pieces int             `json:"pieces"`
	Amount decimal.Decimal `json:"amount"`
}

// PerformanceDTO summarizes outcomes inside a window.
type PerformanceDTO struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Delivered  int             `json:"delivered"`
	Returned   int             `json:"returned"`
	ReturnRate decimal.Decimal `json:"return_rate"`
}

// CustodyDTO is a representative's custody snapshot.
type CustodyDTO struct {
	RepresentativeID string          `json:"representative_id"`
	OrderCount       int             `json:"order_count"`
	Pieces           int             `json:"pieces"`
	CashPosition     decimal.Decimal `json:"cash_position"`
	GoodsIssued      decimal.Decimal `json:"goods_issued"`
	Orders           []OrderDTO      `json:"orders"`
	Performance      *PerformanceDTO `json:"performance,omitempty"`
	ComputedAt       string          `json:"computed_at"`
}

// OrderEventRequest feeds one order status change.
type OrderEventRequest struct {
	OrderID          string          `json:"order_id" validate:"required"`
	RepresentativeID string          `json:"representative_id" validate:"required"`
	Status           string          `json:"status" validate:"required,oneof=with_rep delivered returned"`
	Pieces           int             `json:"pieces" validate:"gte=0"`
	Amount           decimal.Decimal `json:"amount"`
	At               time.Time       `json:"at"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// RunClosingsRequest recomputes the closings of one day.
type RunClosingsRequest struct {
	Day string `json:"day" validate:"required,datetime=2006-01-02"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:            int64(e.ID),
		Kind:          string(e.Account.Kind),
		TreasuryID:    e.Account.TreasuryID,
		WarehouseID:   e.Account.WarehouseID,
		ProductID:     e.Account.ProductID,
		Amount:        e.Amount,
		OccurredAt:    formatTime(e.OccurredAt),
		Subtype:       string(e.Subtype),
		OrderID:       e.OrderID,
		CorrelationID: string(e.CorrelationID),
		Notes:         e.Notes,
		CreatedBy:     e.CreatedBy,
		CommittedAt:   formatTime(e.CommittedAt),
	}
	if e.Related != nil {
		dto.RelatedType = string(e.Related.Type)
		dto.RelatedID = e.Related.ID
	}
	return dto
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toCommitResultDTO(res ledger.CommitResult) CommitResultDTO {
	return CommitResultDTO{
		CorrelationID: string(res.CorrelationID),
		CommittedAt:   formatTime(res.CommittedAt),
		Entries:       toEntryDTOs(res.Entries),
	}
}

func toStatementDTO(st ledger.Statement) StatementDTO {
	lines := make([]StatementLineDTO, len(st.Lines))
	for i, l := range st.Lines {
		lines[i] = StatementLineDTO{Entry: toEntryDTO(l.Entry), Balance: l.Balance}
	}
	return StatementDTO{
		Account: st.Account.Key(),
		From:    formatTime(st.Period.Start),
		To:      formatTime(st.Period.End),
		Opening: st.Opening,
		Credits: st.Credits,
		Debits:  st.Debits,
		Closing: st.Closing,
		Lines:   lines,
	}
}

func toClosingDTO(c ledger.DailyClosing) ClosingDTO {
	return ClosingDTO{
		Day:        c.Day.Format(time.DateOnly),
		Account:    c.Account.Key(),
		Opening:    c.Opening,
		Credits:    c.Credits,
		Debits:     c.Debits,
		Closing:    c.Closing,
		ComputedAt: formatTime(c.ComputedAt),
	}
}

func toProductDTO(p catalog.Product) ProductDTO {
	return ProductDTO{
		ID:          p.ID,
		Name:        p.Name,
		Category:    string(p.Category),
		DefaultCost: p.DefaultCost,
		CreatedAt:   formatTime(p.CreatedAt),
	}
}

func toAuditDTO(a audit.Audit) AuditDTO {
	items := make([]AuditItemDTO, len(a.Items))
	for i, it := range a.Items {
		items[i] = AuditItemDTO{
			ProductID:  it.ProductID,
			SystemQty:  it.SystemQty,
			CountedQty: it.CountedQty,
			DiffQty:    it.DiffQty,
			Notes:      it.Notes,
		}
	}
	return AuditDTO{
		ID:              a.ID,
		WarehouseID:     a.WarehouseID,
		Status:          string(a.Status),
		Notes:           a.Notes,
		CreatedBy:       a.CreatedBy,
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
		SubmittedAt:     formatTimePtr(a.SubmittedAt),
		DecidedAt:       formatTimePtr(a.DecidedAt),
		DecidedBy:       a.DecidedBy,
		RejectionReason: a.RejectionReason,
		CorrelationID:   string(a.CorrelationID),
		Version:         a.Version,
		Items:           items,
	}
}

func toCustodyDTO(s custody.Snapshot) CustodyDTO {
	orders := make([]OrderDTO, len(s.Orders))
	for i, o := range s.Orders {
		orders[i] = OrderDTO{ID: o.ID, Status: string(o.Status), Pieces: o.Pieces, Amount: o.Amount}
	}
	dto := CustodyDTO{
		RepresentativeID: s.RepresentativeID,
		OrderCount:       s.OrderCount,
		Pieces:           s.Pieces,
		CashPosition:     s.CashPosition,
		GoodsIssued:      s.GoodsIssued,
		Orders:           orders,
		ComputedAt:       formatTime(s.ComputedAt),
	}
	if p := s.Performance; p != nil {
		dto.Performance = &PerformanceDTO{
			From:       formatTime(p.Window.Start),
			To:         formatTime(p.Window.End),
			Delivered:  p.Delivered,
			Returned:   p.Returned,
			ReturnRate: p.ReturnRate,
		}
	}
	return dto
}

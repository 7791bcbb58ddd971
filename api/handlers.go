/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes operations, balances, audits and custody via REST API. Handles
  HTTP request/response and JSON serialization, and delegates to the
  engine, the audit workflow and the projector.

ENDPOINTS:
  Operations:
    POST   /api/operations                       Execute one operation envelope
    GET    /api/operations/kinds                 Supported operation kinds
    GET    /api/correlations/{id}                Entries of one committed group
    GET    /api/entries                          Raw entry query

  Treasuries:
    GET    /api/treasuries                       List with current balances
    POST   /api/treasuries                       Register treasury
    GET    /api/treasuries/{id}/balance          Balance (?as_of=)
    GET    /api/treasuries/{id}/statement        Statement (?from=&to=)
    GET    /api/treasuries/{id}/closings         Daily closings (?from=&to=)

  Warehouses and products:
    GET    /api/warehouses                       List warehouses
    POST   /api/warehouses                       Register warehouse
    GET    /api/warehouses/{id}/stock            Every product position
    GET    /api/warehouses/{id}/products/{productID}/stock      Position (?as_of=)
    GET    /api/warehouses/{id}/products/{productID}/statement  Statement
    GET    /api/products                         List products
    POST   /api/products                         Register product

  Audits:
    POST   /api/audits                           Create draft
    GET    /api/audits                           List (?warehouse_id=&status=)
    GET    /api/audits/{id}                      Get with items
    PUT    /api/audits/{id}/items                Upsert counted items
    POST   /api/audits/{id}/items/remove         Remove items
    POST   /api/audits/{id}/submit               draft -> pending
    POST   /api/audits/{id}/approve              pending -> approved (posts adjustments)
    POST   /api/audits/{id}/reject               pending -> rejected

  Representatives:
    POST   /api/representatives                  Register representative
    POST   /api/suppliers                        Register supplier
    GET    /api/representatives/{id}/custody     Custody snapshot (?from=&to=)
    POST   /api/orders/events                    Feed an order status change

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid state, duplicate idempotency key, concurrency conflict
  - 422: Insufficient balance or stock
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/custody"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/factory"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logger"
)

const (
	maxBodyBytes   = 1 << 20
	maxPeriodDays  = 366
	dateOnlyLength = len(time.DateOnly)
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// OrderFeed is the order-status stream the custody endpoints read and feed.
type OrderFeed interface {
	custody.OrderSource
	RecordEvent(ctx context.Context, e custody.OrderEvent) error
}

// Deps are the storage collaborators a Handler is built from.
type Deps struct {
	Ledger   ledger.Ledger
	Catalog  catalog.Registry
	Audits   audit.Repository
	Closings ledger.ClosingStore
	Orders   OrderFeed
	Logger   *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    ledger.Ledger
	Projector *ledger.Projector
	Engine    *engine.Engine
	Audits    *audit.Workflow
	Custody   *custody.Reconciler
	Orders    OrderFeed
	Catalog   catalog.Registry
	Closings  ledger.ClosingStore
	Scheduler *ClosingScheduler
	Clock     ledger.Clock
	Logger    *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine, the audit workflow and the reconciler on
// top of the given stores.
func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	orders := d.Orders
	if orders == nil {
		orders = custody.NewMemoryOrders()
	}

	rec := custody.NewReconciler(d.Ledger, orders)
	rec.Logger = log.Named("custody")

	eng := engine.New(d.Ledger, d.Catalog, rec)
	eng.Logger = log.Named("engine")

	wf := audit.NewWorkflow(d.Audits, eng, d.Ledger, d.Catalog)
	wf.Logger = log.Named("audit")

	h := &Handler{
		Ledger:    d.Ledger,
		Projector: ledger.NewProjector(d.Ledger),
		Engine:    eng,
		Audits:    wf,
		Custody:   rec,
		Orders:    orders,
		Catalog:   d.Catalog,
		Closings:  d.Closings,
		Clock:     ledger.SystemClock{},
		Logger:    log,
	}
	h.Scheduler = NewClosingScheduler(h)
	return h
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

// CreateOperation decodes an operation envelope and executes it.
func (h *Handler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	op, err := factory.ParseOperation(body)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	res, err := h.Engine.Execute(r.Context(), op)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitResultDTO(res))
}

// ListOperationKinds returns the accepted "kind" values.
func (h *Handler) ListOperationKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.Kinds())
}

// GetCorrelation returns every entry of one committed group.
func (h *Handler) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	id := ledger.CorrelationID(chi.URLParam(r, "id"))
	entries, err := h.Ledger.Correlation(r.Context(), id)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if len(entries) == 0 {
		writeErrorFor(w, r, ledger.NewNotFoundError("correlation group", string(id)))
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// QueryEntries is the raw read used by reporting.
func (h *Handler) QueryEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	entries, err := h.Ledger.Query(r.Context(), f)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// TREASURY HANDLERS
// =============================================================================

// ListTreasuries returns every treasury with its current balance.
func (h *Handler) ListTreasuries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	treasuries, err := h.Catalog.Treasuries(ctx)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	balances, err := h.Projector.TreasuryBalances(ctx)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	dtos := make([]NamedRecordDTO, len(treasuries))
	for i, t := range treasuries {
		bal := balances[t.ID]
		dtos[i] = NamedRecordDTO{ID: t.ID, Name: t.Name, Balance: &bal}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTreasury registers a treasury.
func (h *Handler) CreateTreasury(w http.ResponseWriter, r *http.Request) {
	var req CreateNamedRecordRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if err := h.Catalog.PutTreasury(r.Context(), catalog.Treasury{ID: req.ID, Name: req.Name}); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NamedRecordDTO{ID: req.ID, Name: req.Name})
}

// GetTreasuryBalance folds a treasury's entries up to as_of.
func (h *Handler) GetTreasuryBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Catalog.Treasury(r.Context(), id); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	h.writeBalance(w, r, ledger.TreasuryRef(id))
}

// GetTreasuryStatement lists a treasury's movements with running balance.
func (h *Handler) GetTreasuryStatement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Catalog.Treasury(r.Context(), id); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	h.writeStatement(w, r, ledger.TreasuryRef(id))
}

// GetTreasuryClosings returns one closing per day of the period. Cached
// rows are used where the scheduler saved them; other days are computed.
func (h *Handler) GetTreasuryClosings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.Catalog.Treasury(ctx, id); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	period, err := h.parsePeriod(r)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	ref := ledger.TreasuryRef(id)
	cached, err := h.Closings.LoadClosings(ctx, ref, ledger.StartOfDay(period.Start), period.End)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	byDay := make(map[string]ledger.DailyClosing, len(cached))
	for _, c := range cached {
		byDay[c.Day.Format(time.DateOnly)] = c
	}

	days := period.Days()
	dtos := make([]ClosingDTO, 0, len(days))
	for _, day := range days {
		c, ok := byDay[day.Format(time.DateOnly)]
		if !ok {
			if c, err = h.Projector.DailyClosing(ctx, ref, day); err != nil {
				writeErrorFor(w, r, err)
				return
			}
		}
		dtos = append(dtos, toClosingDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WAREHOUSE / PRODUCT HANDLERS
// =============================================================================

// ListWarehouses returns every warehouse.
func (h *Handler) ListWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.Catalog.Warehouses(r.Context())
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	dtos := make([]NamedRecordDTO, len(warehouses))
	for i, wh := range warehouses {
		dtos[i] = NamedRecordDTO{ID: wh.ID, Name: wh.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateWarehouse registers a warehouse.
func (h *Handler) CreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req CreateNamedRecordRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if err := h.Catalog.PutWarehouse(r.Context(), catalog.Warehouse{ID: req.ID, Name: req.Name}); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NamedRecordDTO{ID: req.ID, Name: req.Name})
}

// GetWarehouseStock lists every product position of a warehouse.
func (h *Handler) GetWarehouseStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.Catalog.Warehouse(ctx, id); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	stock, err := h.Projector.WarehouseStock(ctx, id)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WarehouseStockDTO{WarehouseID: id, Products: stock})
}

// GetStock folds one (warehouse, product) position up to as_of.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	ref, err := h.stockRef(r)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	h.writeBalance(w, r, ref)
}

// GetStockStatement lists one position's movements with running quantity.
func (h *Handler) GetStockStatement(w http.ResponseWriter, r *http.Request) {
	ref, err := h.stockRef(r)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	h.writeStatement(w, r, ref)
}

func (h *Handler) stockRef(r *http.Request) (ledger.AccountRef, error) {
	ctx := r.Context()
	warehouseID, productID := chi.URLParam(r, "id"), chi.URLParam(r, "productID")
	if _, err := h.Catalog.Warehouse(ctx, warehouseID); err != nil {
		return ledger.AccountRef{}, err
	}
	if _, err := h.Catalog.Product(ctx, productID); err != nil {
		return ledger.AccountRef{}, err
	}
	return ledger.StockRef(warehouseID, productID), nil
}

// ListProducts returns every product.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Catalog.Products(r.Context())
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct registers a product, with the given id or a fresh one.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateProductRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	np := catalog.NewProduct{Name: req.Name, Category: catalog.Category(req.Category), DefaultCost: req.DefaultCost}
	if err := np.Validate(); err != nil {
		writeErrorFor(w, r, err)
		return
	}

	if req.ID == "" {
		p, err := h.Catalog.RegisterProduct(ctx, np)
		if err != nil {
			writeErrorFor(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProductDTO(p))
		return
	}

	p := catalog.Product{ID: req.ID, Name: np.Name, Category: np.Category, DefaultCost: np.DefaultCost, CreatedAt: h.Clock.Now()}
	if err := h.Catalog.PutProduct(ctx, p); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// CreateAudit opens a draft audit for a warehouse.
func (h *Handler) CreateAudit(w http.ResponseWriter, r *http.Request) {
	var req CreateAuditRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	a, err := h.Audits.CreateAudit(r.Context(), audit.CreateInput{
		WarehouseID: req.WarehouseID,
		Notes:       req.Notes,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuditDTO(a))
}

// ListAudits filters audits by warehouse and status.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	audits, err := h.Audits.ListAudits(r.Context(), audit.Filter{
		WarehouseID: q.Get("warehouse_id"),
		Status:      audit.Status(q.Get("status")),
	})
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	dtos := make([]AuditDTO, len(audits))
	for i, a := range audits {
		dtos[i] = toAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAudit returns one audit with its items.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	a, err := h.Audits.GetAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(a))
}

// SaveAuditItems upserts counted items; system quantities are captured now.
func (h *Handler) SaveAuditItems(w http.ResponseWriter, r *http.Request) {
	var req SaveItemsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	items := make([]audit.ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = audit.ItemInput{ProductID: it.ProductID, CountedQty: it.CountedQty, Notes: it.Notes}
	}
	a, err := h.Audits.SaveItems(r.Context(), chi.URLParam(r, "id"), items)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(a))
}

// RemoveAuditItems deletes items from a draft audit.
func (h *Handler) RemoveAuditItems(w http.ResponseWriter, r *http.Request) {
	var req RemoveItemsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	a, err := h.Audits.RemoveItems(r.Context(), chi.URLParam(r, "id"), req.ProductIDs)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(a))
}

// SubmitAudit moves a draft to pending.
func (h *Handler) SubmitAudit(w http.ResponseWriter, r *http.Request) {
	a, err := h.Audits.SubmitAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(a))
}

// ApproveAudit posts the differences and moves the audit to approved.
func (h *Handler) ApproveAudit(w http.ResponseWriter, r *http.Request) {
	var req ApproveAuditRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	a, err := h.Audits.ApproveAudit(r.Context(), chi.URLParam(r, "id"), req.ApprovedBy)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(a))
}

// RejectAudit closes a pending audit without touching the ledger.
func (h *Handler) RejectAudit(w http.ResponseWriter, r *http.Request) {
	var req RejectAuditRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	a, err := h.Audits.RejectAudit(r.Context(), chi.URLParam(r, "id"), req.Reason, req.DecidedBy)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(a))
}

// =============================================================================
// REPRESENTATIVE / CUSTODY HANDLERS
// =============================================================================

// CreateRepresentative registers a sales representative.
func (h *Handler) CreateRepresentative(w http.ResponseWriter, r *http.Request) {
	var req CreateNamedRecordRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if err := h.Catalog.PutRepresentative(r.Context(), catalog.Representative{ID: req.ID, Name: req.Name}); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NamedRecordDTO{ID: req.ID, Name: req.Name})
}

// CreateSupplier registers a supplier.
func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req CreateNamedRecordRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if err := h.Catalog.PutSupplier(r.Context(), catalog.Supplier{ID: req.ID, Name: req.Name}); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NamedRecordDTO{ID: req.ID, Name: req.Name})
}

// GetCustody returns a representative's custody snapshot. Performance is
// included when from or to is given.
func (h *Handler) GetCustody(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.Catalog.Representative(ctx, id); err != nil {
		writeErrorFor(w, r, err)
		return
	}

	var window *ledger.Period
	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("to") != "" {
		p, err := h.parsePeriod(r)
		if err != nil {
			writeErrorFor(w, r, err)
			return
		}
		window = &p
	}

	snap, err := h.Custody.CustodyOf(ctx, id, window)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustodyDTO(snap))
}

// RecordOrderEvent feeds one status change into the order stream.
func (h *Handler) RecordOrderEvent(w http.ResponseWriter, r *http.Request) {
	var req OrderEventRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	at := req.At
	if at.IsZero() {
		at = h.Clock.Now()
	}
	err := h.Orders.RecordEvent(r.Context(), custody.OrderEvent{
		OrderID:          req.OrderID,
		RepresentativeID: req.RepresentativeID,
		Status:           custody.OrderStatus(req.Status),
		Pieces:           req.Pieces,
		Amount:           req.Amount,
		At:               at,
	})
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunClosings recomputes and caches the closings of one day.
func (h *Handler) RunClosings(w http.ResponseWriter, r *http.Request) {
	var req RunClosingsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	day, err := time.ParseInLocation(time.DateOnly, req.Day, time.UTC)
	if err != nil {
		writeErrorFor(w, r, ledger.NewValidationError("day", "use YYYY-MM-DD"))
		return
	}
	n, err := h.Scheduler.CloseDay(r.Context(), day)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": req.Day, "accounts": n})
}

// =============================================================================
// SHARED READ HELPERS
// =============================================================================

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, ref ledger.AccountRef) {
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	bal, err := h.Projector.Position(r.Context(), ref, asOf)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	dto := BalanceDTO{Account: ref.Key(), Balance: bal}
	if asOf != nil {
		dto.AsOf = formatTime(*asOf)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) writeStatement(w http.ResponseWriter, r *http.Request, ref ledger.AccountRef) {
	period, err := h.parsePeriod(r)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	st, err := h.Projector.Statement(r.Context(), ref, period)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// parseTime accepts RFC3339 or a plain date. A plain date means the start
// of that day, or its end when endOfDay is set.
func parseTime(field, s string, endOfDay bool) (time.Time, error) {
	if len(s) == dateOnlyLength {
		d, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
		if err != nil {
			return time.Time{}, ledger.NewValidationError(field, "use YYYY-MM-DD or RFC3339")
		}
		if endOfDay {
			return ledger.EndOfDay(d), nil
		}
		return d, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ledger.NewValidationError(field, "use YYYY-MM-DD or RFC3339")
	}
	return t, nil
}

func parseAsOf(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime("as_of", s, true)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parsePeriod reads from/to; either defaults to today.
func (h *Handler) parsePeriod(r *http.Request) (ledger.Period, error) {
	q := r.URL.Query()
	today := ledger.DayOf(h.Clock.Now())
	start, end := today.Start, today.End

	var err error
	if s := q.Get("from"); s != "" {
		if start, err = parseTime("from", s, false); err != nil {
			return ledger.Period{}, err
		}
	}
	if s := q.Get("to"); s != "" {
		if end, err = parseTime("to", s, true); err != nil {
			return ledger.Period{}, err
		}
	}
	p, err := ledger.NewPeriod(start, end)
	if err != nil {
		return ledger.Period{}, err
	}
	if len(p.Days()) > maxPeriodDays {
		return ledger.Period{}, ledger.NewValidationError("to", fmt.Sprintf("period longer than %d days", maxPeriodDays))
	}
	return p, nil
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Kind:          ledger.Kind(q.Get("kind")),
		TreasuryID:    q.Get("treasury_id"),
		WarehouseID:   q.Get("warehouse_id"),
		ProductID:     q.Get("product_id"),
		OrderID:       q.Get("order_id"),
		CorrelationID: ledger.CorrelationID(q.Get("correlation_id")),
	}
	if f.Kind != "" && f.Kind != ledger.KindTreasury && f.Kind != ledger.KindStock {
		return ledger.Filter{}, ledger.NewValidationError("kind", "use treasury or stock")
	}
	for _, s := range q["subtype"] {
		for _, part := range strings.Split(s, ",") {
			if part != "" {
				f.Subtypes = append(f.Subtypes, ledger.Subtype(part))
			}
		}
	}
	if typ, id := q.Get("related_type"), q.Get("related_id"); typ != "" || id != "" {
		if typ == "" || id == "" {
			return ledger.Filter{}, ledger.NewValidationError("related_type", "related_type and related_id go together")
		}
		f.Related = &ledger.RelatedEntity{Type: ledger.RelatedType(typ), ID: id}
	}
	if s := q.Get("from"); s != "" {
		t, err := parseTime("from", s, false)
		if err != nil {
			return ledger.Filter{}, err
		}
		f.From = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseTime("to", s, true)
		if err != nil {
			return ledger.Filter{}, err
		}
		f.To = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return ledger.Filter{}, ledger.NewValidationError("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeRequest reads a JSON body into dst and runs its validator tags.
func decodeRequest(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return ledger.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return engine.ValidateStruct(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeErrorFor maps domain errors to HTTP status codes.
func writeErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *ledger.ValidationError
		bal   *ledger.InsufficientBalanceError
		stock *ledger.InsufficientStockError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Code: "validation", Field: verr.Field})
	case errors.As(err, &bal):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "insufficient_balance",
			Details: map[string]any{
				"treasury_id": bal.TreasuryID,
				"available":   bal.Available,
				"requested":   bal.Requested,
			},
		})
	case errors.As(err, &stock):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "insufficient_stock",
			Details: map[string]any{
				"warehouse_id": stock.WarehouseID,
				"product_id":   stock.ProductID,
				"available":    stock.Available,
				"requested":    stock.Requested,
			},
		})
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, ledger.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_state"})
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate"})
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict", Details: map[string]bool{"retryable": true}})
	default:
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

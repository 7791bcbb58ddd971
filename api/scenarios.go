/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the stores with realistic
	data for testing and demos. Each scenario seeds catalog records and
	then runs a batch of JSON operation envelopes through the engine,
	exactly as POST /api/operations would.

AVAILABLE SCENARIOS:

	treasury-basics:  Deposit 1000 then expense 300 on "Main"
	receiving:        50 units received at 10 each, 500 paid from T
	stock-transfer:   20 units moved from W1 to W2
	inventory-audit:  Count 28 against a system quantity of 30, approve
	rep-daily-cycle:  Representative takes two orders, delivers one,
	                  returns the other, closes the day

HOW SCENARIOS WORK:
 1. Upsert catalog records (treasuries, warehouses, products, ...)
 2. Parse the scenario's operations with factory.ParseBatch
 3. Execute them in order; every operation carries an idempotency key
 4. Run the scenario's follow-up steps (audit workflow, order events)

Loading a scenario twice is harmless: operations already committed are
reported as duplicates and skipped.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "receiving"}

ADDING NEW SCENARIOS:
 1. Add a scenario to the 'scenarios' slice with its seed and operations
 2. Add follow-up steps in an after func if the scenario needs them

SEE ALSO:
  - handlers.go: ListScenarios, LoadScenario handlers
  - factory/operation.go: Operation JSON envelopes
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/custody"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/factory"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type seed struct {
	treasuries      []catalog.Treasury
	warehouses      []catalog.Warehouse
	products        []catalog.Product
	representatives []catalog.Representative
	suppliers       []catalog.Supplier
}

type scenario struct {
	ScenarioDTO
	seed       seed
	operations string
	after      func(ctx context.Context, h *Handler) error
}

var (
	productP = catalog.Product{ID: "P", Name: "Cotton shirt", Category: catalog.CategoryProduct, DefaultCost: decimal.NewFromInt(10)}
)

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "treasury-basics",
			Name:        "Treasury Basics",
			Description: "Main starts at 0; deposit 1000, expense 300; balance 700",
		},
		seed: seed{treasuries: []catalog.Treasury{{ID: "Main", Name: "Main cash"}}},
		operations: `[
			{"kind": "deposit", "treasury_id": "Main", "amount": "1000", "notes": "opening", "idempotency_key": "scenario:treasury-basics:deposit"},
			{"kind": "expense", "treasury_id": "Main", "amount": "300", "notes": "rent", "idempotency_key": "scenario:treasury-basics:expense"}
		]`,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "receiving",
			Name:        "Receiving",
			Description: "50 units of P received into W at 10 each, 500 paid from T (balance 1000)",
		},
		seed: seed{
			treasuries: []catalog.Treasury{{ID: "T", Name: "Cash box"}},
			warehouses: []catalog.Warehouse{{ID: "W", Name: "Main warehouse"}},
			products:   []catalog.Product{productP},
			suppliers:  []catalog.Supplier{{ID: "S", Name: "Textile supplier"}},
		},
		operations: `[
			{"kind": "opening_balance", "treasury_id": "T", "amount": "1000", "idempotency_key": "scenario:receiving:opening"},
			{"kind": "receiving", "warehouse_id": "W", "supplier_id": "S", "treasury_id": "T", "paid": "500",
			 "invoice_ref": "INV-001", "lines": [{"product_id": "P", "quantity": "50", "unit_cost": "10"}],
			 "idempotency_key": "scenario:receiving:receiving"}
		]`,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "stock-transfer",
			Name:        "Stock Transfer",
			Description: "20 units of P moved from W1 (stock 50) to W2 (stock 0)",
		},
		seed: seed{
			warehouses: []catalog.Warehouse{{ID: "W1", Name: "North"}, {ID: "W2", Name: "South"}},
			products:   []catalog.Product{productP},
		},
		operations: `[
			{"kind": "opening_balance", "warehouse_id": "W1", "product_id": "P", "amount": "50", "idempotency_key": "scenario:stock-transfer:opening"},
			{"kind": "stock_transfer", "from_warehouse_id": "W1", "to_warehouse_id": "W2",
			 "lines": [{"product_id": "P", "quantity": "20"}], "idempotency_key": "scenario:stock-transfer:transfer"}
		]`,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "inventory-audit",
			Name:        "Inventory Audit",
			Description: "Audit of WA counts 28 units of P against 30 on record; approval posts -2",
		},
		seed: seed{
			warehouses: []catalog.Warehouse{{ID: "WA", Name: "Audit floor"}},
			products:   []catalog.Product{productP},
		},
		operations: `[
			{"kind": "opening_balance", "warehouse_id": "WA", "product_id": "P", "amount": "30", "idempotency_key": "scenario:inventory-audit:opening"}
		]`,
		after: runInventoryAudit,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "rep-daily-cycle",
			Name:        "Representative Daily Cycle",
			Description: "R1 takes orders O1 (6 pcs, 120) and O2 (4 pcs, 80); O1 delivered, O2 returned; day closed",
		},
		seed: seed{
			treasuries:      []catalog.Treasury{{ID: "TR", Name: "Collections"}},
			warehouses:      []catalog.Warehouse{{ID: "WR", Name: "Dispatch"}},
			products:        []catalog.Product{productP},
			representatives: []catalog.Representative{{ID: "R1", Name: "Route 1"}},
		},
		operations: `[
			{"kind": "opening_balance", "warehouse_id": "WR", "product_id": "P", "amount": "10", "idempotency_key": "scenario:rep-daily-cycle:opening"},
			{"kind": "custody_assignment", "warehouse_id": "WR", "representative_id": "R1", "order_id": "O1",
			 "lines": [{"product_id": "P", "quantity": "6"}], "idempotency_key": "scenario:rep-daily-cycle:assign-o1"},
			{"kind": "custody_assignment", "warehouse_id": "WR", "representative_id": "R1", "order_id": "O2",
			 "lines": [{"product_id": "P", "quantity": "4"}], "idempotency_key": "scenario:rep-daily-cycle:assign-o2"}
		]`,
		after: runRepresentativeDay,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the last scenario loaded by this process.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": nil})
}

// LoadScenario loads a scenario by id.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeRequest(r, &req); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	committed, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "loaded",
		"scenario":  req.ScenarioID,
		"committed": committed,
	})
}

// loadScenario returns how many operations were newly committed.
func (h *Handler) loadScenario(ctx context.Context, id string) (int, error) {
	s, ok := findScenario(id)
	if !ok {
		return 0, ledger.NewNotFoundError("scenario", id)
	}
	if err := h.applySeed(ctx, s.seed); err != nil {
		return 0, fmt.Errorf("seed %s: %w", id, err)
	}

	ops, err := factory.ParseBatch([]byte(s.operations))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", id, err)
	}
	committed := 0
	for i, op := range ops {
		_, err := h.Engine.Execute(ctx, op)
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
			h.Logger.Debug("scenario operation already applied", zap.String("scenario", id), zap.Int("index", i))
		default:
			return committed, fmt.Errorf("scenario %s operation %d (%s): %w", id, i, op.Kind(), err)
		}
	}

	if s.after != nil {
		if err := s.after(ctx, h); err != nil {
			return committed, fmt.Errorf("scenario %s: %w", id, err)
		}
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", zap.String("scenario", id), zap.Int("committed", committed))
	return committed, nil
}

func (h *Handler) applySeed(ctx context.Context, s seed) error {
	for _, t := range s.treasuries {
		if err := h.Catalog.PutTreasury(ctx, t); err != nil {
			return err
		}
	}
	for _, w := range s.warehouses {
		if err := h.Catalog.PutWarehouse(ctx, w); err != nil {
			return err
		}
	}
	for _, p := range s.products {
		p.CreatedAt = h.Clock.Now()
		if err := h.Catalog.PutProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, r := range s.representatives {
		if err := h.Catalog.PutRepresentative(ctx, r); err != nil {
			return err
		}
	}
	for _, sup := range s.suppliers {
		if err := h.Catalog.PutSupplier(ctx, sup); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// FOLLOW-UP STEPS
// =============================================================================

// runInventoryAudit counts 28 of P in WA. When the ledger already shows
// 28 (scenario loaded before) the audit approves with no differences.
func runInventoryAudit(ctx context.Context, h *Handler) error {
	a, err := h.Audits.CreateAudit(ctx, audit.CreateInput{WarehouseID: "WA", Notes: "monthly count", CreatedBy: "scenario"})
	if err != nil {
		return err
	}
	if _, err := h.Audits.SaveItems(ctx, a.ID, []audit.ItemInput{{ProductID: "P", CountedQty: decimal.NewFromInt(28)}}); err != nil {
		return err
	}
	if _, err := h.Audits.SubmitAudit(ctx, a.ID); err != nil {
		return err
	}
	_, err = h.Audits.ApproveAudit(ctx, a.ID, "scenario")
	return err
}

// runRepresentativeDay feeds today's order events and closes the day:
// 120 collected for O1, 4 pieces of O2 back into WR.
func runRepresentativeDay(ctx context.Context, h *Handler) error {
	now := h.Clock.Now()
	events := []custody.OrderEvent{
		{OrderID: "O1", RepresentativeID: "R1", Status: custody.StatusWithRep, Pieces: 6, Amount: decimal.NewFromInt(120), At: now.Add(-2 * time.Second)},
		{OrderID: "O2", RepresentativeID: "R1", Status: custody.StatusWithRep, Pieces: 4, Amount: decimal.NewFromInt(80), At: now.Add(-2 * time.Second)},
		{OrderID: "O1", RepresentativeID: "R1", Status: custody.StatusDelivered, Pieces: 6, Amount: decimal.NewFromInt(120), At: now.Add(-time.Second)},
		{OrderID: "O2", RepresentativeID: "R1", Status: custody.StatusReturned, Pieces: 4, Amount: decimal.NewFromInt(80), At: now.Add(-time.Second)},
	}
	for _, e := range events {
		if err := h.Orders.RecordEvent(ctx, e); err != nil {
			return err
		}
	}

	_, err := h.Engine.CompleteDailyCycle(ctx, engine.DailyCycle{DailyCycle: custody.DailyCycle{
		RepresentativeID: "R1",
		TreasuryID:       "TR",
		WarehouseID:      "WR",
		Day:              now,
		Returns:          []custody.ReturnLine{{ProductID: "P", Quantity: decimal.NewFromInt(4), OrderID: "O2"}},
		CashCollected:    decimal.NewFromInt(120),
		Notes:            "end of day",
		CreatedBy:        "scenario",
	}})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}

/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:

	Tests that each scenario correctly sets up the expected state:
	- Catalog records are created
	- Operations are committed through the engine
	- Balances and stock match expected values
	- Loading a scenario twice posts nothing new

Every scenario runs against the in-memory stores and against SQLite
(":memory:"), so these double as integration tests of both backends.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/custody"
	"github.com/warp/ledger-engine/ledger"
	ledgerstore "github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/store/sqlite"
)

var scenarioDay = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func setupMemoryHandler(t *testing.T) *Handler {
	store := ledgerstore.NewMemory()
	return NewHandler(Deps{
		Ledger:   ledger.NewLedger(store),
		Catalog:  catalog.NewMemory(),
		Audits:   audit.NewMemoryRepository(),
		Closings: store,
	})
}

func setupSQLiteHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewHandler(Deps{
		Ledger:   ledger.NewLedger(store),
		Catalog:  store,
		Audits:   store,
		Closings: store,
		Orders:   custody.NewMemoryOrders(),
	})
}

// forEachBackend runs fn once per storage backend with a clock fixed at
// noon on the scenario day.
func forEachBackend(t *testing.T, fn func(t *testing.T, h *Handler)) {
	backends := []struct {
		name  string
		setup func(t *testing.T) *Handler
	}{
		{"memory", setupMemoryHandler},
		{"sqlite", setupSQLiteHandler},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			h := b.setup(t)
			h.Clock = ledger.NewFixedClock(scenarioDay)
			fn(t, h)
		})
	}
}

func requireBalance(t *testing.T, h *Handler, treasuryID, want string) {
	t.Helper()
	got, err := h.Projector.BalanceOf(context.Background(), treasuryID, nil)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString(want).Equal(got), "treasury %s: want %s, got %s", treasuryID, want, got)
}

func requireStock(t *testing.T, h *Handler, warehouseID, productID, want string) {
	t.Helper()
	got, err := h.Projector.StockOf(context.Background(), warehouseID, productID, nil)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString(want).Equal(got), "stock %s/%s: want %s, got %s", warehouseID, productID, want, got)
}

func TestScenario_TreasuryBasics(t *testing.T) {
	// GIVEN: The treasury-basics scenario
	// WHEN: Loading it
	// THEN: Main holds 1000 - 300 = 700
	forEachBackend(t, func(t *testing.T, h *Handler) {
		ctx := context.Background()

		committed, err := h.loadScenario(ctx, "treasury-basics")
		require.NoError(t, err)
		assert.Equal(t, 2, committed)

		requireBalance(t, h, "Main", "700")
		treasuries, err := h.Catalog.Treasuries(ctx)
		require.NoError(t, err)
		require.Len(t, treasuries, 1)
		assert.Equal(t, "Main", treasuries[0].ID)
	})
}

func TestScenario_Receiving(t *testing.T) {
	// GIVEN: T funded with 1000
	// WHEN: 50 units at 10 each are received and 500 is paid
	// THEN: W holds 50 units and T holds 500
	forEachBackend(t, func(t *testing.T, h *Handler) {
		ctx := context.Background()

		committed, err := h.loadScenario(ctx, "receiving")
		require.NoError(t, err)
		assert.Equal(t, 2, committed)

		requireStock(t, h, "W", "P", "50")
		requireBalance(t, h, "T", "500")

		purchases, err := h.Ledger.Query(ctx, ledger.Filter{WarehouseID: "W", Subtypes: []ledger.Subtype{ledger.SubtypePurchase}})
		require.NoError(t, err)
		require.Len(t, purchases, 1)
	})
}

func TestScenario_StockTransfer(t *testing.T) {
	// GIVEN: W1 holding 50 units of P
	// WHEN: 20 units are moved to W2
	// THEN: W1 holds 30, W2 holds 20, and both legs share one correlation
	forEachBackend(t, func(t *testing.T, h *Handler) {
		ctx := context.Background()

		_, err := h.loadScenario(ctx, "stock-transfer")
		require.NoError(t, err)

		requireStock(t, h, "W1", "P", "30")
		requireStock(t, h, "W2", "P", "20")

		in, err := h.Ledger.Query(ctx, ledger.Filter{WarehouseID: "W2"})
		require.NoError(t, err)
		require.Len(t, in, 1)
		group, err := h.Ledger.Correlation(ctx, in[0].CorrelationID)
		require.NoError(t, err)
		assert.Len(t, group, 2)
	})
}

func TestScenario_InventoryAudit(t *testing.T) {
	// GIVEN: WA holding 30 units of P
	// WHEN: An audit counting 28 is approved
	// THEN: Stock is 28 and the audit is approved with a -2 difference
	forEachBackend(t, func(t *testing.T, h *Handler) {
		ctx := context.Background()

		_, err := h.loadScenario(ctx, "inventory-audit")
		require.NoError(t, err)

		requireStock(t, h, "WA", "P", "28")
		audits, err := h.Audits.ListAudits(ctx, audit.Filter{WarehouseID: "WA"})
		require.NoError(t, err)
		require.Len(t, audits, 1)
		assert.Equal(t, audit.StatusApproved, audits[0].Status)
		require.Len(t, audits[0].Items, 1)
		assert.True(t, audits[0].Items[0].DiffQty.Equal(decimal.NewFromInt(-2)))
		assert.NotEmpty(t, audits[0].CorrelationID)
	})
}

func TestScenario_RepDailyCycle(t *testing.T) {
	// GIVEN: R1 holding O1 (6 pcs) and O2 (4 pcs) from WR
	// WHEN: O1 is delivered, O2 returned and the day closed
	// THEN: TR holds 120, WR holds the 4 returned pieces, R1 holds no orders
	forEachBackend(t, func(t *testing.T, h *Handler) {
		ctx := context.Background()

		committed, err := h.loadScenario(ctx, "rep-daily-cycle")
		require.NoError(t, err)
		assert.Equal(t, 3, committed)

		requireBalance(t, h, "TR", "120")
		requireStock(t, h, "WR", "P", "4")

		snap, err := h.Custody.CustodyOf(ctx, "R1", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.OrderCount)
		assert.True(t, snap.CashPosition.Equal(decimal.NewFromInt(120)), "cash %s", snap.CashPosition)
		assert.True(t, snap.GoodsIssued.Equal(decimal.NewFromInt(6)), "goods %s", snap.GoodsIssued)

		group, found, err := h.Ledger.GroupByKey(ctx, "cycle:R1:2025-03-10")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Len(t, group.Entries, 2)
	})
}

func TestScenario_ReloadIsIdempotent(t *testing.T) {
	// GIVEN: Every scenario loaded once
	// WHEN: Every scenario is loaded again
	// THEN: Nothing new is committed and balances are unchanged
	forEachBackend(t, func(t *testing.T, h *Handler) {
		ctx := context.Background()
		for _, s := range scenarios {
			_, err := h.loadScenario(ctx, s.ID)
			require.NoError(t, err, s.ID)
		}

		for _, s := range scenarios {
			committed, err := h.loadScenario(ctx, s.ID)
			require.NoError(t, err, s.ID)
			assert.Zero(t, committed, s.ID)
		}

		requireBalance(t, h, "Main", "700")
		requireBalance(t, h, "T", "500")
		requireBalance(t, h, "TR", "120")
		requireStock(t, h, "W1", "P", "30")
		requireStock(t, h, "WA", "P", "28")
		requireStock(t, h, "WR", "P", "4")
	})
}

func TestScenario_Unknown(t *testing.T) {
	h := setupMemoryHandler(t)

	_, err := h.loadScenario(context.Background(), "nonexistent")

	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
}

func TestScenarioEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "treasury-basics"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decodeBody[map[string]any](t, rec)["committed"])

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "treasury-basics", decodeBody[ScenarioDTO](t, rec).ID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

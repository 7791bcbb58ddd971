package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := ledgerstore.NewMemory()
	h := NewHandler(Deps{
		Ledger:   ledger.NewLedger(store),
		Catalog:  catalog.NewMemory(),
		Audits:   audit.NewMemoryRepository(),
		Closings: store,
		Orders:   custody.NewMemoryOrders(),
	})
	return &testServer{h: h, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func (s *testServer) seedTreasury(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/treasuries", CreateNamedRecordRequest{ID: id, Name: id + " cash"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) seedWarehouse(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/warehouses", CreateNamedRecordRequest{ID: id, Name: id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) seedProduct(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/products", map[string]any{
		"id": id, "name": "Cotton shirt", "category": "product", "default_cost": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) post(t *testing.T, op string) CommitResultDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/operations", op)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[CommitResultDTO](t, rec)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestCreateOperation_DepositThenExpense(t *testing.T) {
	// GIVEN: An empty treasury
	s := newTestServer(t)
	s.seedTreasury(t, "Main")

	// WHEN: 1000 is deposited and 300 spent
	dep := s.post(t, `{"kind":"deposit","treasury_id":"Main","amount":"1000","notes":"opening"}`)
	s.post(t, `{"kind":"expense","treasury_id":"Main","amount":"300","notes":"rent"}`)

	// THEN: The deposit is one positive entry and the balance is 700
	require.Len(t, dep.Entries, 1)
	assert.Equal(t, "deposit", dep.Entries[0].Subtype)
	assertDecimal(t, "1000", dep.Entries[0].Amount)
	assert.NotEmpty(t, dep.CorrelationID)

	rec := s.do(t, http.MethodGet, "/api/treasuries/Main/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "treasury:Main", bal.Account)
	assertDecimal(t, "700", bal.Balance)
}

func TestCreateOperation_InsufficientBalance(t *testing.T) {
	// GIVEN: A treasury holding 100
	s := newTestServer(t)
	s.seedTreasury(t, "Main")
	s.post(t, `{"kind":"deposit","treasury_id":"Main","amount":"100","notes":"float"}`)

	// WHEN: An expense of 150 is posted
	rec := s.do(t, http.MethodPost, "/api/operations", `{"kind":"expense","treasury_id":"Main","amount":"150","notes":"fuel"}`)

	// THEN: 422 with the available and requested amounts, balance unchanged
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_balance", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Main", details["treasury_id"])
	assertDecimal(t, "100", dec(details["available"].(string)))
	assertDecimal(t, "150", dec(details["requested"].(string)))

	bal, err := s.h.Projector.BalanceOf(t.Context(), "Main", nil)
	require.NoError(t, err)
	assertDecimal(t, "100", bal)
}

func TestCreateOperation_InsufficientStock(t *testing.T) {
	// GIVEN: Two warehouses, the source holding 5 units
	s := newTestServer(t)
	s.seedWarehouse(t, "W1")
	s.seedWarehouse(t, "W2")
	s.seedProduct(t, "P")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"W1","product_id":"P","amount":"5"}`)

	// WHEN: 8 units are transferred
	rec := s.do(t, http.MethodPost, "/api/operations",
		`{"kind":"stock_transfer","from_warehouse_id":"W1","to_warehouse_id":"W2","lines":[{"product_id":"P","quantity":"8"}]}`)

	// THEN: 422 and neither side moved
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "insufficient_stock", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/warehouses/W2/products/P/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertDecimal(t, "0", decodeBody[BalanceDTO](t, rec).Balance)
}

func TestCreateOperation_ValidationErrors(t *testing.T) {
	s := newTestServer(t)
	s.seedTreasury(t, "Main")

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed JSON", `{"kind":`, "body"},
		{"missing kind", `{"treasury_id":"Main"}`, "kind"},
		{"unknown kind", `{"kind":"teleport"}`, "kind"},
		{"zero amount", `{"kind":"deposit","treasury_id":"Main","amount":"0","notes":"x"}`, "amount"},
		{"expense without notes", `{"kind":"expense","treasury_id":"Main","amount":"10"}`, "notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/operations", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, "validation", resp.Code)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestCreateOperation_UnknownTreasury(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/operations", `{"kind":"deposit","treasury_id":"Ghost","amount":"10","notes":"x"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestCreateOperation_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: A committed deposit carrying an idempotency key
	s := newTestServer(t)
	s.seedTreasury(t, "Main")
	body := `{"kind":"deposit","treasury_id":"Main","amount":"50","notes":"cash sale","idempotency_key":"sale-1"}`
	s.post(t, body)

	// WHEN: The same envelope is retried
	rec := s.do(t, http.MethodPost, "/api/operations", body)

	// THEN: 409 duplicate and nothing is posted twice
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "duplicate", decodeBody[ErrorResponse](t, rec).Code)

	bal, err := s.h.Projector.BalanceOf(t.Context(), "Main", nil)
	require.NoError(t, err)
	assertDecimal(t, "50", bal)
}

func TestCreateOperation_TreasuryTransferSharesCorrelation(t *testing.T) {
	s := newTestServer(t)
	s.seedTreasury(t, "Main")
	s.seedTreasury(t, "Bank")
	s.post(t, `{"kind":"deposit","treasury_id":"Main","amount":"400","notes":"float"}`)

	res := s.post(t, `{"kind":"treasury_transfer","from_treasury_id":"Main","to_treasury_id":"Bank","amount":"250","notes":"weekly deposit"}`)

	rec := s.do(t, http.MethodGet, "/api/correlations/"+res.CorrelationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]EntryDTO](t, rec)
	require.Len(t, entries, 2)
	sum := decimal.Zero
	for _, e := range entries {
		assert.Equal(t, res.CorrelationID, e.CorrelationID)
		sum = sum.Add(e.Amount)
	}
	assertDecimal(t, "0", sum)
}

func TestGetCorrelation_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/correlations/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOperationKinds(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/operations/kinds", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	kinds := decodeBody[[]string](t, rec)
	assert.Contains(t, kinds, "deposit")
	assert.Contains(t, kinds, "daily_cycle")
	assert.IsIncreasing(t, kinds)
}

func TestQueryEntries_Filters(t *testing.T) {
	// GIVEN: A deposit and an expense on different days
	s := newTestServer(t)
	s.seedTreasury(t, "Main")
	s.post(t, `{"kind":"deposit","treasury_id":"Main","amount":"500","notes":"float","occurred_at":"2025-03-09T10:00:00Z"}`)
	s.post(t, `{"kind":"expense","treasury_id":"Main","amount":"40","notes":"lunch","occurred_at":"2025-03-10T12:00:00Z"}`)

	t.Run("by subtype", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/entries?treasury_id=Main&subtype=expense", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		entries := decodeBody[[]EntryDTO](t, rec)
		require.Len(t, entries, 1)
		assertDecimal(t, "-40", entries[0].Amount)
	})

	t.Run("by day", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/entries?kind=treasury&from=2025-03-09&to=2025-03-09", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		entries := decodeBody[[]EntryDTO](t, rec)
		require.Len(t, entries, 1)
		assert.Equal(t, "deposit", entries[0].Subtype)
	})

	t.Run("bad kind", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/entries?kind=crypto", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("half related filter", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/entries?related_type=representative", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// =============================================================================
// CATALOG
// =============================================================================

func TestListTreasuries_IncludesBalances(t *testing.T) {
	s := newTestServer(t)
	s.seedTreasury(t, "Main")
	s.seedTreasury(t, "Bank")
	s.post(t, `{"kind":"deposit","treasury_id":"Bank","amount":"75.50","notes":"interest"}`)

	rec := s.do(t, http.MethodGet, "/api/treasuries", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	got := make(map[string]decimal.Decimal)
	for _, tr := range decodeBody[[]NamedRecordDTO](t, rec) {
		require.NotNil(t, tr.Balance)
		got[tr.ID] = *tr.Balance
	}
	require.Len(t, got, 2)
	assertDecimal(t, "75.50", got["Bank"])
	assertDecimal(t, "0", got["Main"])
}

func TestCreateTreasury_RequiresName(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/treasuries", map[string]string{"id": "Main"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", decodeBody[ErrorResponse](t, rec).Field)
}

func TestCreateProduct(t *testing.T) {
	s := newTestServer(t)

	t.Run("assigned id", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/products", map[string]any{"name": "Denim", "category": "fabric", "default_cost": "4.25"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		p := decodeBody[ProductDTO](t, rec)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, "fabric", p.Category)
	})

	t.Run("accessory", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/products", map[string]any{"id": "BTN", "name": "Buttons", "category": "accessory", "default_cost": "0.15"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "accessory", decodeBody[ProductDTO](t, rec).Category)
	})

	t.Run("bad category", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/products", map[string]any{"name": "Widget", "category": "gadget"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "category", decodeBody[ErrorResponse](t, rec).Field)
	})

	t.Run("cost below a cent", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/products", map[string]any{"name": "Thread", "category": "accessory", "default_cost": "1.005"})
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		assert.Equal(t, "new_product.default_cost", decodeBody[ErrorResponse](t, rec).Field)
	})

	t.Run("separator in id", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/products", map[string]any{"id": "b/c", "name": "Split", "category": "product"})
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		assert.Equal(t, "id", decodeBody[ErrorResponse](t, rec).Field)
	})

	rec := s.do(t, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ProductDTO](t, rec), 2)
}

func TestCreateWarehouse_SeparatorInID(t *testing.T) {
	// GIVEN: Warehouse "a" and product "c" holding 10 units
	s := newTestServer(t)
	s.seedWarehouse(t, "a")
	s.seedProduct(t, "c")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"a","product_id":"c","amount":"10"}`)

	// WHEN: Registering warehouse "a/b"
	rec := s.do(t, http.MethodPost, "/api/warehouses", CreateNamedRecordRequest{ID: "a/b", Name: "split"})

	// THEN: Rejected on the id, so "stock:a/b/c" can never be written
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "id", decodeBody[ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/treasuries", CreateNamedRecordRequest{ID: "cash/usd", Name: "split"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "id", decodeBody[ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodGet, "/api/warehouses/a/products/c/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDecimal(t, "10", decodeBody[BalanceDTO](t, rec).Balance)
}

func TestGetTreasuryBalance_UnknownTreasury(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/treasuries/Ghost/balance", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWarehouseStock(t *testing.T) {
	s := newTestServer(t)
	s.seedWarehouse(t, "W")
	s.seedProduct(t, "P")
	s.seedProduct(t, "Q")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"W","product_id":"P","amount":"12"}`)
	s.post(t, `{"kind":"opening_balance","warehouse_id":"W","product_id":"Q","amount":"3"}`)

	rec := s.do(t, http.MethodGet, "/api/warehouses/W/stock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	stock := decodeBody[WarehouseStockDTO](t, rec)
	assert.Equal(t, "W", stock.WarehouseID)
	assertDecimal(t, "12", stock.Products["P"])
	assertDecimal(t, "3", stock.Products["Q"])
}

// =============================================================================
// AUDITS
// =============================================================================

func TestAuditFlow_ApprovePostsDifference(t *testing.T) {
	// GIVEN: A warehouse with 30 units of P on record
	s := newTestServer(t)
	s.seedWarehouse(t, "WA")
	s.seedProduct(t, "P")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"WA","product_id":"P","amount":"30"}`)

	// WHEN: An audit counts 28 and is submitted and approved
	rec := s.do(t, http.MethodPost, "/api/audits", CreateAuditRequest{WarehouseID: "WA", CreatedBy: "amira"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[AuditDTO](t, rec)
	assert.Equal(t, "draft", created.Status)

	rec = s.do(t, http.MethodPut, "/api/audits/"+created.ID+"/items", map[string]any{
		"items": []map[string]any{{"product_id": "P", "counted_qty": "28"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeBody[AuditDTO](t, rec)
	require.Len(t, saved.Items, 1)
	assertDecimal(t, "30", saved.Items[0].SystemQty)
	assertDecimal(t, "-2", saved.Items[0].DiffQty)

	rec = s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", decodeBody[AuditDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/approve", ApproveAuditRequest{ApprovedBy: "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeBody[AuditDTO](t, rec)

	// THEN: The audit is approved with a correlation and stock reads 28
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "manager", approved.DecidedBy)
	require.NotEmpty(t, approved.CorrelationID)
	require.NotNil(t, approved.DecidedAt)

	rec = s.do(t, http.MethodGet, "/api/warehouses/WA/products/P/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertDecimal(t, "28", decodeBody[BalanceDTO](t, rec).Balance)

	rec = s.do(t, http.MethodGet, "/api/correlations/"+approved.CorrelationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]EntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "adjustment", entries[0].Subtype)
	assert.Equal(t, "audit", entries[0].RelatedType)
	assert.Equal(t, created.ID, entries[0].RelatedID)

	// AND: A second approval is refused
	rec = s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/approve", ApproveAuditRequest{ApprovedBy: "manager"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAuditFlow_RejectLeavesLedgerUntouched(t *testing.T) {
	s := newTestServer(t)
	s.seedWarehouse(t, "WA")
	s.seedProduct(t, "P")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"WA","product_id":"P","amount":"30"}`)

	created := decodeBody[AuditDTO](t, s.do(t, http.MethodPost, "/api/audits", CreateAuditRequest{WarehouseID: "WA"}))
	s.do(t, http.MethodPut, "/api/audits/"+created.ID+"/items", map[string]any{
		"items": []map[string]any{{"product_id": "P", "counted_qty": "25"}},
	})
	s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/submit", nil)

	t.Run("reason required", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/reject", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec := s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/reject", RejectAuditRequest{Reason: "recount", DecidedBy: "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decodeBody[AuditDTO](t, rec)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "recount", rejected.RejectionReason)
	assert.Empty(t, rejected.CorrelationID)

	stock, err := s.h.Projector.StockOf(t.Context(), "WA", "P", nil)
	require.NoError(t, err)
	assertDecimal(t, "30", stock)
}

func TestAuditFlow_RemoveItemsAndList(t *testing.T) {
	s := newTestServer(t)
	s.seedWarehouse(t, "WA")
	s.seedProduct(t, "P")
	s.seedProduct(t, "Q")

	created := decodeBody[AuditDTO](t, s.do(t, http.MethodPost, "/api/audits", CreateAuditRequest{WarehouseID: "WA"}))
	rec := s.do(t, http.MethodPut, "/api/audits/"+created.ID+"/items", map[string]any{
		"items": []map[string]any{
			{"product_id": "P", "counted_qty": "1"},
			{"product_id": "Q", "counted_qty": "2"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/audits/"+created.ID+"/items/remove", RemoveItemsRequest{ProductIDs: []string{"Q"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	items := decodeBody[AuditDTO](t, rec).Items
	require.Len(t, items, 1)
	assert.Equal(t, "P", items[0].ProductID)

	rec = s.do(t, http.MethodGet, "/api/audits?warehouse_id=WA&status=draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]AuditDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/audits?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]AuditDTO](t, rec))
}

func TestGetAudit_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/audits/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CUSTODY
// =============================================================================

func TestCustody_OrdersAndPerformance(t *testing.T) {
	// GIVEN: A representative holding O1 and having delivered O2 today
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/representatives", CreateNamedRecordRequest{ID: "R1", Name: "Route 1"})
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	events := []OrderEventRequest{
		{OrderID: "O1", RepresentativeID: "R1", Status: "with_rep", Pieces: 3, Amount: dec("60"), At: at},
		{OrderID: "O2", RepresentativeID: "R1", Status: "with_rep", Pieces: 2, Amount: dec("40"), At: at},
		{OrderID: "O2", RepresentativeID: "R1", Status: "delivered", Pieces: 2, Amount: dec("40"), At: at.Add(time.Hour)},
	}
	for _, e := range events {
		rec := s.do(t, http.MethodPost, "/api/orders/events", e)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	// WHEN: The custody snapshot is read for that day
	rec := s.do(t, http.MethodGet, "/api/representatives/R1/custody?from=2025-03-10&to=2025-03-10", nil)

	// THEN: Only O1 is held and the window counts one delivery
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decodeBody[CustodyDTO](t, rec)
	assert.Equal(t, 1, snap.OrderCount)
	assert.Equal(t, 3, snap.Pieces)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, "O1", snap.Orders[0].ID)
	require.NotNil(t, snap.Performance)
	assert.Equal(t, 1, snap.Performance.Delivered)
	assert.Equal(t, 0, snap.Performance.Returned)
}

func TestCustody_UnknownRepresentative(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/representatives/ghost/custody", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordOrderEvent_RejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/orders/events", map[string]any{
		"order_id": "O1", "representative_id": "R1", "status": "lost",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decodeBody[ErrorResponse](t, rec).Field)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

// seedMainTreasury posts 1000 on March 9 and -300/+50 on March 10.
func seedMainTreasury(t *testing.T, s *testServer) {
	t.Helper()
	s.seedTreasury(t, "Main")
	s.post(t, `{"kind":"deposit","treasury_id":"Main","amount":"1000","notes":"opening","occurred_at":"2025-03-09T10:00:00Z"}`)
	s.post(t, `{"kind":"expense","treasury_id":"Main","amount":"300","notes":"rent","occurred_at":"2025-03-10T09:00:00Z"}`)
	s.post(t, `{"kind":"deposit","treasury_id":"Main","amount":"50","notes":"cash sale","occurred_at":"2025-03-10T15:00:00Z"}`)
}

// =============================================================================
// BALANCES
// =============================================================================

func TestGetTreasuryBalance_AsOf(t *testing.T) {
	s := newTestServer(t)
	seedMainTreasury(t, s)

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"no as_of folds everything", "", "750"},
		{"end of first day", "?as_of=2025-03-09", "1000"},
		{"before any entry", "?as_of=2025-03-08", "0"},
		{"between the two March 10 entries", "?as_of=2025-03-10T12:00:00Z", "700"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/treasuries/Main/balance"+tt.query, nil)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assertDecimal(t, tt.want, decodeBody[BalanceDTO](t, rec).Balance)
		})
	}

	t.Run("bad as_of", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/treasuries/Main/balance?as_of=yesterday", nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "as_of", decodeBody[ErrorResponse](t, rec).Field)
	})
}

// =============================================================================
// STATEMENTS
// =============================================================================

func TestGetTreasuryStatement(t *testing.T) {
	// GIVEN: 1000 before the period, -300 and +50 inside it
	s := newTestServer(t)
	seedMainTreasury(t, s)

	// WHEN: The statement of March 10 is read
	rec := s.do(t, http.MethodGet, "/api/treasuries/Main/statement?from=2025-03-10&to=2025-03-10", nil)

	// THEN: Opening + credits - debits = closing, with a running balance per line
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeBody[StatementDTO](t, rec)
	assertDecimal(t, "1000", st.Opening)
	assertDecimal(t, "50", st.Credits)
	assertDecimal(t, "300", st.Debits)
	assertDecimal(t, "750", st.Closing)
	require.Len(t, st.Lines, 2)
	assert.Equal(t, "expense", st.Lines[0].Entry.Subtype)
	assertDecimal(t, "700", st.Lines[0].Balance)
	assertDecimal(t, "750", st.Lines[1].Balance)
	assert.Equal(t, "2025-03-10T00:00:00Z", st.From)
}

func TestGetTreasuryStatement_BadPeriod(t *testing.T) {
	s := newTestServer(t)
	s.seedTreasury(t, "Main")

	tests := []struct {
		name  string
		query string
	}{
		{"to before from", "?from=2025-03-10&to=2025-03-01"},
		{"longer than a year", "?from=2023-01-01&to=2025-01-01"},
		{"unparseable from", "?from=10/03/2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/treasuries/Main/statement"+tt.query, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetStockStatement(t *testing.T) {
	s := newTestServer(t)
	s.seedWarehouse(t, "W1")
	s.seedWarehouse(t, "W2")
	s.seedProduct(t, "P")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"W1","product_id":"P","amount":"50","occurred_at":"2025-03-10T08:00:00Z"}`)
	s.post(t, `{"kind":"stock_transfer","from_warehouse_id":"W1","to_warehouse_id":"W2","lines":[{"product_id":"P","quantity":"20"}],"occurred_at":"2025-03-10T11:00:00Z"}`)

	rec := s.do(t, http.MethodGet, "/api/warehouses/W1/products/P/statement?from=2025-03-10&to=2025-03-10", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeBody[StatementDTO](t, rec)
	assert.Equal(t, "stock:W1/P", st.Account)
	assertDecimal(t, "0", st.Opening)
	assertDecimal(t, "30", st.Closing)
	require.Len(t, st.Lines, 2)
	assert.Equal(t, "transfer_out", st.Lines[1].Entry.Subtype)

	t.Run("unknown product", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/warehouses/W1/products/nope/statement", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// =============================================================================
// CLOSINGS
// =============================================================================

func TestClosings_CachedAndComputed(t *testing.T) {
	// GIVEN: March 10 closed through the admin endpoint
	s := newTestServer(t)
	seedMainTreasury(t, s)

	rec := s.do(t, http.MethodPost, "/api/admin/closings", RunClosingsRequest{Day: "2025-03-10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody[map[string]any](t, rec)["accounts"])

	// WHEN: Closings for March 9 and 10 are read
	rec = s.do(t, http.MethodGet, "/api/treasuries/Main/closings?from=2025-03-09&to=2025-03-10", nil)

	// THEN: One row per day; the 10th comes from the cache
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closings := decodeBody[[]ClosingDTO](t, rec)
	require.Len(t, closings, 2)

	assert.Equal(t, "2025-03-09", closings[0].Day)
	assertDecimal(t, "0", closings[0].Opening)
	assertDecimal(t, "1000", closings[0].Closing)
	assert.Empty(t, closings[0].ComputedAt)

	assert.Equal(t, "2025-03-10", closings[1].Day)
	assertDecimal(t, "1000", closings[1].Opening)
	assertDecimal(t, "50", closings[1].Credits)
	assertDecimal(t, "300", closings[1].Debits)
	assertDecimal(t, "750", closings[1].Closing)
	assert.NotEmpty(t, closings[1].ComputedAt)
}

func TestRunClosings_BadDay(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/admin/closings", map[string]string{"day": "March 10"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "day", decodeBody[ErrorResponse](t, rec).Field)
}

func TestClosingScheduler_CloseDayIncludesStock(t *testing.T) {
	s := newTestServer(t)
	seedMainTreasury(t, s)
	s.seedWarehouse(t, "W")
	s.seedProduct(t, "P")
	s.post(t, `{"kind":"opening_balance","warehouse_id":"W","product_id":"P","amount":"8","occurred_at":"2025-03-10T08:00:00Z"}`)

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	n, err := s.h.Scheduler.CloseDay(t.Context(), day)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rows, err := s.h.Closings.LoadClosings(t.Context(), ledger.StockRef("W", "P"), day, ledger.EndOfDay(day))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertDecimal(t, "8", rows[0].Closing)
}

func TestClosingScheduler_StartClosesYesterday(t *testing.T) {
	// GIVEN: A clock on March 11 and a scheduler with a long interval
	s := newTestServer(t)
	seedMainTreasury(t, s)
	s.h.Clock = ledger.NewFixedClock(time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC))
	s.h.Scheduler.CheckInterval = time.Hour

	// WHEN: The scheduler starts
	s.h.Scheduler.Start()
	defer s.h.Scheduler.Stop()

	// THEN: March 10 is closed by the immediate first pass
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	require.Eventually(t, func() bool {
		rows, err := s.h.Closings.LoadClosings(t.Context(), ledger.TreasuryRef("Main"), day, ledger.EndOfDay(day))
		return err == nil && len(rows) == 1 && rows[0].Closing.Equal(dec("750"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClosingScheduler_DisabledDoesNothing(t *testing.T) {
	s := newTestServer(t)
	s.h.Scheduler.Enabled = false

	s.h.Scheduler.Start()
	s.h.Scheduler.Stop()

	assert.Nil(t, s.h.Scheduler.ticker)
}

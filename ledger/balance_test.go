package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func TestFold_EmptyIsZero(t *testing.T) {
	assert.True(t, ledger.Fold(nil, nil).IsZero())
}

func TestFold_RespectsAsOf(t *testing.T) {
	entries := []ledger.Entry{
		{Amount: dec("5"), OccurredAt: day1},
		{Amount: dec("7"), OccurredAt: day1.Add(time.Hour)},
	}
	asOf := day1

	assert.True(t, ledger.Fold(entries, &asOf).Equal(dec("5")))
	assert.True(t, ledger.Fold(entries, nil).Equal(dec("12")))
}

func TestProjector_ScenarioA_DepositThenExpense(t *testing.T) {
	// GIVEN: Treasury "Main" starts at 0
	// WHEN: Deposit 1000 (opening), expense 300 (rent)
	// THEN: Balance is 700

	l := newTestLedger(t)
	commit(t, l, deposit("Main", "1000", day1))
	commit(t, l, expense("Main", "300", day1))

	bal, err := ledger.NewProjector(l).BalanceOf(context.Background(), "Main", nil)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("700")))
}

func TestProjector_OpeningBalance_ExcludesSameDay(t *testing.T) {
	l := newTestLedger(t)
	yesterday := day1.AddDate(0, 0, -1)
	commit(t, l, deposit("main", "100", yesterday))
	commit(t, l, expense("main", "40", day1))

	p := ledger.NewProjector(l)
	opening, err := p.OpeningBalance(context.Background(), ledger.TreasuryRef("main"), day1)
	require.NoError(t, err)
	assert.True(t, opening.Equal(dec("100")))

	closing, err := p.DailyClosing(context.Background(), ledger.TreasuryRef("main"), day1)
	require.NoError(t, err)
	assert.True(t, closing.Opening.Equal(dec("100")))
	assert.True(t, closing.Debits.Equal(dec("40")))
	assert.True(t, closing.Credits.IsZero())
	assert.True(t, closing.Closing.Equal(dec("60")))
}

func TestProjector_OpeningBalance_MidnightInDaysLocation(t *testing.T) {
	// GIVEN: A deposit at 22:00 UTC on March 9, which is 01:00 on March 10 at UTC+3
	l := newTestLedger(t)
	commit(t, l, deposit("main", "100", time.Date(2025, 3, 9, 22, 0, 0, 0, time.UTC)))
	p := ledger.NewProjector(l)
	ctx := context.Background()

	// WHEN: Opening of March 10 is read in UTC and at UTC+3
	utc, err := p.OpeningBalance(ctx, ledger.TreasuryRef("main"), time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	east, err := p.OpeningBalance(ctx, ledger.TreasuryRef("main"), time.Date(2025, 3, 10, 12, 0, 0, 0, time.FixedZone("UTC+3", 3*60*60)))
	require.NoError(t, err)

	// THEN: Only the UTC day counts the deposit as before midnight
	assert.True(t, utc.Equal(dec("100")), "utc %s", utc)
	assert.True(t, east.IsZero(), "east %s", east)
}

func TestProjector_Statement_RunningBalance(t *testing.T) {
	l := newTestLedger(t)
	commit(t, l, deposit("main", "50", day1.AddDate(0, 0, -3)))
	commit(t, l, deposit("main", "25", day1))
	commit(t, l, expense("main", "10", day1.Add(time.Hour)))
	commit(t, l, deposit("main", "5", day1.AddDate(0, 0, 3)))

	st, err := ledger.NewProjector(l).Statement(context.Background(), ledger.TreasuryRef("main"), ledger.DayOf(day1))
	require.NoError(t, err)

	assert.True(t, st.Opening.Equal(dec("50")))
	require.Len(t, st.Lines, 2)
	assert.True(t, st.Lines[0].Balance.Equal(dec("75")))
	assert.True(t, st.Lines[1].Balance.Equal(dec("65")))
	assert.True(t, st.Credits.Equal(dec("25")))
	assert.True(t, st.Debits.Equal(dec("10")))
	assert.True(t, st.Closing.Equal(dec("65")))
}

func TestProjector_WarehouseStock(t *testing.T) {
	l := newTestLedger(t)
	commit(t, l,
		stock("w1", "p1", "10", ledger.SubtypePurchase),
		stock("w1", "p2", "3", ledger.SubtypePurchase),
		stock("w2", "p1", "8", ledger.SubtypePurchase),
	)
	commit(t, l, stock("w1", "p1", "-4", ledger.SubtypeSale))

	got, err := ledger.NewProjector(l).WarehouseStock(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "6", "p2": "3"}, stringify(got))
}

func stringify(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

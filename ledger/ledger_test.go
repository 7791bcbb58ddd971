package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day1 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) *ledger.DefaultLedger {
	t.Helper()
	l := ledger.NewLedger(store.NewMemory())
	l.Clock = ledger.NewFixedClock(day1)
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(treasury, amount string, at time.Time) ledger.Entry {
	return ledger.Entry{
		Account:    ledger.TreasuryRef(treasury),
		Amount:     dec(amount),
		OccurredAt: at,
		Subtype:    ledger.SubtypeDeposit,
		Notes:      "test deposit",
	}
}

func expense(treasury, amount string, at time.Time) ledger.Entry {
	return ledger.Entry{
		Account:    ledger.TreasuryRef(treasury),
		Amount:     dec(amount).Neg(),
		OccurredAt: at,
		Subtype:    ledger.SubtypeExpense,
		Notes:      "test expense",
	}
}

func stock(warehouse, product, qty string, subtype ledger.Subtype) ledger.Entry {
	return ledger.Entry{
		Account:    ledger.StockRef(warehouse, product),
		Amount:     dec(qty),
		OccurredAt: day1,
		Subtype:    subtype,
	}
}

func commit(t *testing.T, l ledger.Ledger, entries ...ledger.Entry) ledger.CommitResult {
	t.Helper()
	res, err := l.Commit(context.Background(), ledger.Group{Entries: entries})
	require.NoError(t, err)
	return res
}

func balanceOf(t *testing.T, l ledger.Ledger, ref ledger.AccountRef) decimal.Decimal {
	t.Helper()
	v, err := ledger.NewProjector(l).Position(context.Background(), ref, nil)
	require.NoError(t, err)
	return v
}

// =============================================================================
// COMMIT - Happy path
// =============================================================================

func TestCommit_AssignsIDsAndCorrelation(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: A two-entry group is committed without a correlation id
	// THEN: Both entries share a generated id and receive increasing entry ids

	l := newTestLedger(t)
	res := commit(t, l,
		deposit("main", "100", day1),
		deposit("petty", "50", day1),
	)

	require.Len(t, res.Entries, 2)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, res.CorrelationID, res.Entries[0].CorrelationID)
	assert.Equal(t, res.CorrelationID, res.Entries[1].CorrelationID)
	assert.Greater(t, res.Entries[1].ID, res.Entries[0].ID)
	assert.Equal(t, day1, res.CommittedAt)

	group, err := l.Correlation(context.Background(), res.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, group, 2)
}

func TestCommit_DefaultsOccurredAtToClock(t *testing.T) {
	l := newTestLedger(t)
	e := deposit("main", "10", time.Time{})

	res := commit(t, l, e)

	assert.Equal(t, day1, res.Entries[0].OccurredAt)
}

// =============================================================================
// P1 - Treasury balance never negative
// =============================================================================

func TestCommit_RejectsOverdraft_BalanceUnchanged(t *testing.T) {
	// GIVEN: Treasury main holds 100
	// WHEN: An expense of 100.01 is attempted
	// THEN: InsufficientBalanceError, balance still 100

	l := newTestLedger(t)
	commit(t, l, deposit("main", "100", day1))

	_, err := l.Commit(context.Background(), ledger.Group{Entries: []ledger.Entry{expense("main", "100.01", day1)}})

	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	var short *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "main", short.TreasuryID)
	assert.True(t, short.Available.Equal(dec("100")))
	assert.True(t, short.Requested.Equal(dec("100.01")))
	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("main")).Equal(dec("100")))
}

func TestCommit_RandomSequence_NeverNegative(t *testing.T) {
	// GIVEN: A random sequence of deposits and expenses
	// WHEN: Each is committed in turn
	// THEN: The balance after every step is >= 0 and matches the accepted ops

	l := newTestLedger(t)
	rng := rand.New(rand.NewSource(42))
	expected := decimal.Zero
	ref := ledger.TreasuryRef("main")

	for i := 0; i < 200; i++ {
		amount := decimal.New(int64(rng.Intn(5000)+1), -2)
		var e ledger.Entry
		if rng.Intn(2) == 0 {
			e = deposit("main", amount.String(), day1)
		} else {
			e = expense("main", amount.String(), day1)
		}
		_, err := l.Commit(context.Background(), ledger.Group{Entries: []ledger.Entry{e}})
		if err == nil {
			expected = expected.Add(e.Amount)
		} else {
			require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		}

		got := balanceOf(t, l, ref)
		require.False(t, got.IsNegative(), "step %d", i)
		require.True(t, got.Equal(expected), "step %d: got %s want %s", i, got, expected)
	}
}

// =============================================================================
// P2 - Stock never negative
// =============================================================================

func TestCommit_RejectsStockBelowZero(t *testing.T) {
	l := newTestLedger(t)
	commit(t, l, stock("w1", "p1", "5", ledger.SubtypePurchase))

	_, err := l.Commit(context.Background(), ledger.Group{Entries: []ledger.Entry{
		stock("w1", "p1", "-6", ledger.SubtypeSale),
	}})

	var short *ledger.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "w1", short.WarehouseID)
	assert.Equal(t, "p1", short.ProductID)
	assert.True(t, short.Available.Equal(dec("5")))
	assert.True(t, balanceOf(t, l, ledger.StockRef("w1", "p1")).Equal(dec("5")))
}

// =============================================================================
// P3 - Group atomicity
// =============================================================================

func TestCommit_GroupAllOrNothing(t *testing.T) {
	// GIVEN: Treasury a holds 100, treasury b holds 0
	// WHEN: One group credits a and debits b
	// THEN: The whole group is rejected; neither side moved

	l := newTestLedger(t)
	commit(t, l, deposit("a", "100", day1))

	_, err := l.Commit(context.Background(), ledger.Group{Entries: []ledger.Entry{
		deposit("a", "40", day1),
		expense("b", "40", day1),
	}})

	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("a")).Equal(dec("100")))
	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("b")).IsZero())

	entries, err := l.Query(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCommit_NetDeltaPerAccount(t *testing.T) {
	// GIVEN: Treasury holds 10
	// WHEN: A group debits 15 and credits 10 on the same treasury
	// THEN: The net -5 is checked, and the group is accepted

	l := newTestLedger(t)
	commit(t, l, deposit("main", "10", day1))

	commit(t, l, expense("main", "15", day1), deposit("main", "10", day1))

	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("main")).Equal(dec("5")))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestCommit_Validation(t *testing.T) {
	tests := []struct {
		name  string
		group ledger.Group
		field string
	}{
		{"empty group", ledger.Group{}, "entries"},
		{"zero amount", ledger.Group{Entries: []ledger.Entry{deposit("main", "0", day1)}}, "amount"},
		{"three decimals", ledger.Group{Entries: []ledger.Entry{deposit("main", "1.005", day1)}}, "amount"},
		{"missing notes", ledger.Group{Entries: []ledger.Entry{{
			Account: ledger.TreasuryRef("main"), Amount: dec("1"), Subtype: ledger.SubtypeExpense,
		}}}, "notes"},
		{"incomplete stock ref", ledger.Group{Entries: []ledger.Entry{stock("w1", "", "1", ledger.SubtypePurchase)}}, "account"},
		{"separator in warehouse id", ledger.Group{Entries: []ledger.Entry{stock("a/b", "c", "10", ledger.SubtypePurchase)}}, "account"},
		{"separator in treasury id", ledger.Group{Entries: []ledger.Entry{deposit("cash/usd", "5", day1)}}, "account"},
		{"mixed correlation", ledger.Group{Entries: []ledger.Entry{
			{Account: ledger.TreasuryRef("a"), Amount: dec("1"), Subtype: ledger.SubtypeAdjustment, CorrelationID: "x"},
			{Account: ledger.TreasuryRef("b"), Amount: dec("1"), Subtype: ledger.SubtypeAdjustment, CorrelationID: "y"},
		}}, "correlation_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			_, err := l.Commit(context.Background(), tt.group)

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

func TestAccountKey_OnePairPerKey(t *testing.T) {
	// GIVEN: Two stock references whose ids would join to "stock:a/b/c"
	left := ledger.StockRef("a/b", "c")
	right := ledger.StockRef("a", "b/c")

	// THEN: Neither is usable, so no two accounts can share a key
	assert.False(t, left.Valid())
	assert.False(t, right.Valid())
	assert.True(t, ledger.StockRef("a", "c").Valid())

	_, err := ledger.ParseAccountKey("stock:a/b/c")
	assert.Error(t, err)

	ref, err := ledger.ParseAccountKey("stock:a/c")
	require.NoError(t, err)
	assert.Equal(t, ledger.StockRef("a", "c"), ref)

	var verr *ledger.ValidationError
	require.ErrorAs(t, ledger.CheckAccountID("warehouse_id", "a/b"), &verr)
	assert.Equal(t, "warehouse_id", verr.Field)
	assert.NoError(t, ledger.CheckAccountID("warehouse_id", "a"))
}

func TestPosition_SeparatorInIDs_Rejected(t *testing.T) {
	// GIVEN: 10 units committed at (a, c)
	l := newTestLedger(t)
	commit(t, l, stock("a", "c", "10", ledger.SubtypePurchase))

	// WHEN: Reading the position of (a, b/c)
	_, err := ledger.NewProjector(l).StockOf(context.Background(), "a", "b/c", nil)

	// THEN: The read is rejected instead of answering with another account's stock
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.True(t, balanceOf(t, l, ledger.StockRef("a", "c")).Equal(dec("10")))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCommit_DuplicateIdempotencyKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Commit(ctx, ledger.Group{IdempotencyKey: "req-1", Entries: []ledger.Entry{deposit("main", "10", day1)}})
	require.NoError(t, err)

	_, err = l.Commit(ctx, ledger.Group{IdempotencyKey: "req-1", Entries: []ledger.Entry{deposit("main", "10", day1)}})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("main")).Equal(dec("10")))

	found, ok, err := l.GroupByKey(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.CorrelationID, found.CorrelationID)
	assert.Len(t, found.Entries, 1)
}

// =============================================================================
// P5 - Fold correctness
// =============================================================================

func TestEntriesAsOf_MatchesFold_AnyInsertOrder(t *testing.T) {
	// GIVEN: A float deposited well before, then entries on five consecutive
	//        days inserted in shuffled order
	// WHEN: Querying as of each day
	// THEN: The result equals the sum of entries on or before that day

	amounts := []string{"10", "20", "-5", "7.25", "-3.5"}
	perms := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}}
	float := day1.AddDate(0, 0, -30)

	for _, perm := range perms {
		l := newTestLedger(t)
		commit(t, l, deposit("main", "100", float))
		for _, i := range perm {
			commit(t, l, ledger.Entry{
				Account:    ledger.TreasuryRef("main"),
				Amount:     dec(amounts[i]),
				OccurredAt: day1.AddDate(0, 0, i),
				Subtype:    ledger.SubtypeAdjustment,
			})
		}

		p := ledger.NewProjector(l)
		running := dec("100")
		for i, a := range amounts {
			running = running.Add(dec(a))
			asOf := day1.AddDate(0, 0, i)
			got, err := p.BalanceOf(context.Background(), "main", &asOf)
			require.NoError(t, err)
			assert.True(t, got.Equal(running), "perm %v day %d: got %s want %s", perm, i, got, running)

			listed, err := l.EntriesAsOf(context.Background(), ledger.TreasuryRef("main"), asOf)
			require.NoError(t, err)
			assert.True(t, ledger.Fold(listed, nil).Equal(running))
		}

		before := float.Add(-time.Hour)
		got, err := p.BalanceOf(context.Background(), "main", &before)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	}
}

// =============================================================================
// P6 - Concurrent debits on one source
// =============================================================================

func TestCommit_ConcurrentHalfDebits_ExactlyOneWins(t *testing.T) {
	// GIVEN: Source treasury holds 100
	// WHEN: Two transfers of 60 each race from different goroutines
	// THEN: Exactly one succeeds and the other is InsufficientBalance

	for round := 0; round < 50; round++ {
		l := newTestLedger(t)
		commit(t, l, deposit("src", "100", day1))

		transfer := func(dst string) ledger.Group {
			return ledger.Group{Entries: []ledger.Entry{
				{Account: ledger.TreasuryRef("src"), Amount: dec("-60"), Subtype: ledger.SubtypeTransferOut, Notes: "move"},
				{Account: ledger.TreasuryRef(dst), Amount: dec("60"), Subtype: ledger.SubtypeTransferIn, Notes: "move"},
			}}
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, dst := range []string{"d1", "d2"} {
			wg.Add(1)
			go func(i int, dst string) {
				defer wg.Done()
				<-start
				_, errs[i] = l.Commit(context.Background(), transfer(dst))
			}(i, dst)
		}
		close(start)
		wg.Wait()

		var ok, short int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				short++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok, "round %d", round)
		require.Equal(t, 1, short, "round %d", round)
		assert.True(t, balanceOf(t, l, ledger.TreasuryRef("src")).Equal(dec("40")))
	}
}

func TestCommit_ConcurrentManyWriters_BalanceConsistent(t *testing.T) {
	l := newTestLedger(t)
	commit(t, l, deposit("main", "1000", day1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Commit(context.Background(), ledger.Group{Entries: []ledger.Entry{expense("main", "30", day1)}})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, accepted)
	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("main")).Equal(dec("10")))
}

// =============================================================================
// LOCK TIMEOUT & CANCELLATION
// =============================================================================

// stuckStore never grants locks.
type stuckStore struct{ *store.Memory }

func (s stuckStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return fn(stuckTx{})
}

type stuckTx struct{ ledger.Tx }

func (stuckTx) Lock(ctx context.Context, _ []string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCommit_LockTimeout_IsRetryableConflict(t *testing.T) {
	l := ledger.NewLedger(stuckStore{store.NewMemory()})
	l.LockTimeout = 20 * time.Millisecond

	_, err := l.Commit(context.Background(), ledger.Group{Entries: []ledger.Entry{deposit("main", "1", day1)}})

	require.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.True(t, ledger.IsRetryable(err))
}

func TestCommit_CanceledContext_WritesNothing(t *testing.T) {
	l := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Commit(ctx, ledger.Group{Entries: []ledger.Entry{deposit("main", "1", day1)}})

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ledger.IsRetryable(err))
	assert.True(t, balanceOf(t, l, ledger.TreasuryRef("main")).IsZero())
}

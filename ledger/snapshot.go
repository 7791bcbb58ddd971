package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATEMENT - Account movements over a period
// =============================================================================

// StatementLine is one entry with the balance right after it.
type StatementLine struct {
	Entry   Entry
	Balance decimal.Decimal
}

// Statement is what the reporting collaborator renders for one account.
type Statement struct {
	Account AccountRef
	Period  Period
	Opening decimal.Decimal
	Lines   []StatementLine
	Credits decimal.Decimal // sum of positive amounts, as a positive number
	Debits  decimal.Decimal // sum of negative amounts, as a positive number
	Closing decimal.Decimal
}

// Statement folds everything before the period into Opening and lists the
// entries inside it with a running balance.
func (p *Projector) Statement(ctx context.Context, ref AccountRef, period Period) (Statement, error) {
	if !ref.Valid() {
		return Statement{}, NewValidationError("account", "invalid account reference")
	}
	entries, err := p.Ledger.Entries(ctx, ref)
	if err != nil {
		return Statement{}, err
	}
	return BuildStatement(ref, period, entries), nil
}

// BuildStatement expects entries ordered by (occurred_at, id).
func BuildStatement(ref AccountRef, period Period, entries []Entry) Statement {
	st := Statement{
		Account: ref,
		Period:  period,
		Opening: FoldBefore(entries, period.Start),
		Credits: decimal.Zero,
		Debits:  decimal.Zero,
	}
	running := st.Opening
	for _, e := range entries {
		if !period.Contains(e.OccurredAt) {
			continue
		}
		running = running.Add(e.Amount)
		if e.Amount.IsPositive() {
			st.Credits = st.Credits.Add(e.Amount)
		} else {
			st.Debits = st.Debits.Add(e.Amount.Neg())
		}
		st.Lines = append(st.Lines, StatementLine{Entry: e, Balance: running})
	}
	st.Closing = running
	return st
}

// =============================================================================
// DAILY CLOSING - Cached end-of-day figures
// =============================================================================

// DailyClosing summarizes one account for one calendar day. It is derived
// from entries and may be recomputed at any time.
type DailyClosing struct {
	Day        time.Time
	Account    AccountRef
	Opening    decimal.Decimal
	Credits    decimal.Decimal
	Debits     decimal.Decimal
	Closing    decimal.Decimal
	ComputedAt time.Time
}

func (p *Projector) DailyClosing(ctx context.Context, ref AccountRef, day time.Time) (DailyClosing, error) {
	st, err := p.Statement(ctx, ref, DayOf(day))
	if err != nil {
		return DailyClosing{}, err
	}
	return DailyClosing{
		Day:     StartOfDay(day),
		Account: ref,
		Opening: st.Opening,
		Credits: st.Credits,
		Debits:  st.Debits,
		Closing: st.Closing,
	}, nil
}

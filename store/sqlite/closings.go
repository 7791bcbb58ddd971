package sqlite

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// DAILY CLOSINGS (ledger.ClosingStore interface)
// =============================================================================

const dayLayout = "2006-01-02"

// SaveClosing replaces the cached closing for (day, account).
func (s *Store) SaveClosing(ctx context.Context, c ledger.DailyClosing) error {
	_, err := exec(ctx, s.db, builder.Insert("daily_closings").
		Columns("day", "account_key", "opening", "credits", "debits", "closing", "computed_at").
		Values(
			c.Day.UTC().Format(dayLayout), c.Account.Key(),
			c.Opening.String(), c.Credits.String(), c.Debits.String(), c.Closing.String(),
			nanos(c.ComputedAt),
		).
		Suffix(`ON CONFLICT(day, account_key) DO UPDATE SET
			opening = excluded.opening,
			credits = excluded.credits,
			debits = excluded.debits,
			closing = excluded.closing,
			computed_at = excluded.computed_at`))
	if err != nil {
		return fmt.Errorf("failed to save closing: %w", err)
	}
	return nil
}

// LoadClosings returns cached closings with day in [from, to], oldest first.
func (s *Store) LoadClosings(ctx context.Context, ref ledger.AccountRef, from, to time.Time) ([]ledger.DailyClosing, error) {
	rows, err := query(ctx, s.db, builder.
		Select("day", "opening", "credits", "debits", "closing", "computed_at").
		From("daily_closings").
		Where(sq.Eq{"account_key": ref.Key()}).
		Where(sq.GtOrEq{"day": from.UTC().Format(dayLayout)}).
		Where(sq.LtOrEq{"day": to.UTC().Format(dayLayout)}).
		OrderBy("day"))
	if err != nil {
		return nil, fmt.Errorf("failed to load closings: %w", err)
	}
	defer rows.Close()

	var closings []ledger.DailyClosing
	for rows.Next() {
		var (
			day                               string
			opening, credits, debits, closing string
			computedAt                        int64
		)
		if err := rows.Scan(&day, &opening, &credits, &debits, &closing, &computedAt); err != nil {
			return nil, err
		}
		c := ledger.DailyClosing{Account: ref, ComputedAt: fromNanos(computedAt)}
		if c.Day, err = time.ParseInLocation(dayLayout, day, time.UTC); err != nil {
			return nil, fmt.Errorf("corrupt day %q: %w", day, err)
		}
		if c.Opening, err = parseDecimal("opening", opening); err != nil {
			return nil, err
		}
		if c.Credits, err = parseDecimal("credits", credits); err != nil {
			return nil, err
		}
		if c.Debits, err = parseDecimal("debits", debits); err != nil {
			return nil, err
		}
		if c.Closing, err = parseDecimal("closing", closing); err != nil {
			return nil, err
		}
		closings = append(closings, c)
	}
	return closings, rows.Err()
}

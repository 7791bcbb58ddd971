package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Closed time window [Start, End]
// =============================================================================

// Period bounds statements, performance windows and daily closings.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod validates that End is not before Start.
func NewPeriod(start, end time.Time) (Period, error) {
	if end.Before(start) {
		return Period{}, NewValidationError("period", "end before start")
	}
	return Period{Start: start, End: end}, nil
}

// Contains returns true if t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Days returns the start of every calendar day touched by the period.
func (p Period) Days() []time.Time {
	var days []time.Time
	for d := StartOfDay(p.Start); !d.After(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s]", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}

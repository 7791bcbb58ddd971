/*
Package custody derives what each sales representative is holding.

PURPOSE:
  A representative carries goods out on orders and brings back cash or
  returns. Nothing here is stored: the snapshot joins the order-status
  stream with the ledger every time it is asked for.

SNAPSHOT FIELDS:
  Orders / Pieces: orders whose current status is with_rep
  CashPosition:    fold of treasury entries tagged with the representative
  GoodsIssued:     minus the fold of stock entries tagged with the representative
  Performance:     delivered vs returned outcomes inside an optional window

DAILY CYCLE:
  At the end of a day the representative hands back returns and cash.
  ValidateCycle checks the hand-over against the day's outcomes before
  the engine posts it:
    cash_collected + adjustment == sum(amount of delivered orders)
    sum(returned quantities)    == sum(pieces of returned orders)
*/
package custody

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

type Snapshot struct {
	RepresentativeID string
	Orders           []Order
	OrderCount       int
	Pieces           int
	CashPosition     decimal.Decimal
	GoodsIssued      decimal.Decimal
	Performance      *Performance
	ComputedAt       time.Time
}

type Performance struct {
	Window     ledger.Period
	Delivered  int
	Returned   int
	ReturnRate decimal.Decimal // returned / (returned + delivered), 0 if none
}

// NewPerformance classifies outcomes.
func NewPerformance(window ledger.Period, outcomes []Outcome) *Performance {
	p := &Performance{Window: window, ReturnRate: decimal.Zero}
	for _, o := range outcomes {
		switch o.Status {
		case StatusDelivered:
			p.Delivered++
		case StatusReturned:
			p.Returned++
		}
	}
	if total := p.Delivered + p.Returned; total > 0 {
		p.ReturnRate = decimal.NewFromInt(int64(p.Returned)).
			DivRound(decimal.NewFromInt(int64(total)), 4)
	}
	return p
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Ledger ledger.Ledger
	Orders OrderSource
	Clock  ledger.Clock
	Logger *zap.Logger
}

func NewReconciler(l ledger.Ledger, orders OrderSource) *Reconciler {
	return &Reconciler{Ledger: l, Orders: orders, Clock: ledger.SystemClock{}, Logger: zap.NewNop()}
}

// CustodyOf fetches the order stream and both ledgers concurrently and
// joins them. window may be nil.
func (r *Reconciler) CustodyOf(ctx context.Context, representativeID string, window *ledger.Period) (Snapshot, error) {
	if representativeID == "" {
		return Snapshot{}, ledger.NewValidationError("representative_id", "representative id is required")
	}
	rep := ledger.Representative(representativeID)

	var (
		orders   []Order
		cash     []ledger.Entry
		goods    []ledger.Entry
		outcomes []Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		orders, err = r.Orders.OrdersWithRepresentative(gctx, representativeID)
		return err
	})
	g.Go(func() error {
		var err error
		cash, err = r.Ledger.Query(gctx, ledger.Filter{Kind: ledger.KindTreasury, Related: rep})
		return err
	})
	g.Go(func() error {
		var err error
		goods, err = r.Ledger.Query(gctx, ledger.Filter{Kind: ledger.KindStock, Related: rep})
		return err
	})
	if window != nil {
		g.Go(func() error {
			var err error
			outcomes, err = r.Orders.Outcomes(gctx, representativeID, *window)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("custody of %s: %w", representativeID, err)
	}

	snap := Snapshot{
		RepresentativeID: representativeID,
		Orders:           orders,
		OrderCount:       len(orders),
		CashPosition:     ledger.Fold(cash, nil),
		GoodsIssued:      ledger.Fold(goods, nil).Neg(),
		ComputedAt:       r.Clock.Now(),
	}
	for _, o := range orders {
		snap.Pieces += o.Pieces
	}
	if window != nil {
		snap.Performance = NewPerformance(*window, outcomes)
	}
	return snap, nil
}

// =============================================================================
// DAILY CYCLE
// =============================================================================

// ReturnLine is goods handed back to a warehouse at the end of the day.
type ReturnLine struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderID   string          `json:"order_id,omitempty"`
}

// DailyCycle is a representative's end-of-day hand-over.
type DailyCycle struct {
	RepresentativeID string          `json:"representative_id"`
	TreasuryID       string          `json:"treasury_id"`
	WarehouseID      string          `json:"warehouse_id,omitempty"`
	Day              time.Time       `json:"day"`
	Returns          []ReturnLine    `json:"returns,omitempty"`
	CashCollected    decimal.Decimal `json:"cash_collected"`
	Adjustment       decimal.Decimal `json:"adjustment"` // signed settlement for shortfalls or extras
	Notes            string          `json:"notes,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
}

func (c DailyCycle) Validate() error {
	if c.RepresentativeID == "" {
		return ledger.NewValidationError("representative_id", "representative id is required")
	}
	if c.TreasuryID == "" {
		return ledger.NewValidationError("treasury_id", "treasury id is required")
	}
	if len(c.Returns) > 0 && c.WarehouseID == "" {
		return ledger.NewValidationError("warehouse_id", "warehouse id is required when goods are returned")
	}
	if c.Day.IsZero() {
		return ledger.NewValidationError("day", "day is required")
	}
	if c.CashCollected.IsNegative() {
		return ledger.NewValidationError("cash_collected", "cash collected cannot be negative")
	}
	if !ledger.HasScale(c.CashCollected, ledger.MoneyScale) || !ledger.HasScale(c.Adjustment, ledger.MoneyScale) {
		return ledger.NewValidationError("cash_collected", "money carries at most 2 decimal places")
	}
	for i, l := range c.Returns {
		if l.ProductID == "" {
			return ledger.NewValidationError(fmt.Sprintf("returns[%d].product_id", i), "product id is required")
		}
		if !l.Quantity.IsPositive() {
			return ledger.NewValidationError(fmt.Sprintf("returns[%d].quantity", i), "quantity must be positive")
		}
	}
	return nil
}

// ReturnedPieces sums the returned quantities.
func (c DailyCycle) ReturnedPieces() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Returns {
		total = total.Add(l.Quantity)
	}
	return total
}

// CycleExpectation is what the day's outcomes say the hand-over must contain.
type CycleExpectation struct {
	Collectable    decimal.Decimal
	ReturnedPieces decimal.Decimal
	Delivered      int
	Returned       int
}

// ValidateCycle reconciles the hand-over against the day's order outcomes.
func (r *Reconciler) ValidateCycle(ctx context.Context, c DailyCycle) (CycleExpectation, error) {
	if err := c.Validate(); err != nil {
		return CycleExpectation{}, err
	}
	outcomes, err := r.Orders.Outcomes(ctx, c.RepresentativeID, ledger.DayOf(c.Day))
	if err != nil {
		return CycleExpectation{}, fmt.Errorf("load outcomes: %w", err)
	}

	exp := CycleExpectation{Collectable: decimal.Zero, ReturnedPieces: decimal.Zero}
	for _, o := range outcomes {
		switch o.Status {
		case StatusDelivered:
			exp.Delivered++
			exp.Collectable = exp.Collectable.Add(o.Amount)
		case StatusReturned:
			exp.Returned++
			exp.ReturnedPieces = exp.ReturnedPieces.Add(decimal.NewFromInt(int64(o.Pieces)))
		}
	}

	var problems []string
	if got := c.CashCollected.Add(c.Adjustment); !got.Equal(exp.Collectable) {
		problems = append(problems, fmt.Sprintf("cash collected plus adjustment is %s, delivered orders are worth %s",
			got.StringFixed(2), exp.Collectable.StringFixed(2)))
	}
	if got := c.ReturnedPieces(); !got.Equal(exp.ReturnedPieces) {
		problems = append(problems, fmt.Sprintf("%s pieces returned, returned orders hold %s",
			got.String(), exp.ReturnedPieces.String()))
	}
	if len(problems) > 0 {
		r.Logger.Warn("daily cycle mismatch",
			zap.String("representative_id", c.RepresentativeID),
			zap.Time("day", ledger.StartOfDay(c.Day)),
			zap.Strings("problems", problems),
		)
		return exp, ledger.NewValidationError("daily_cycle", strings.Join(problems, "; "))
	}
	return exp, nil
}

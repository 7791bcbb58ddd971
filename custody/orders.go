package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// ORDER STATUS STREAM
// =============================================================================

type OrderStatus string

const (
	StatusWithRep   OrderStatus = "with_rep"
	StatusDelivered OrderStatus = "delivered"
	StatusReturned  OrderStatus = "returned"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusWithRep, StatusDelivered, StatusReturned:
		return true
	}
	return false
}

// Order is the current state of one order as far as custody cares.
type Order struct {
	ID               string
	RepresentativeID string
	Status           OrderStatus
	Pieces           int
	Amount           decimal.Decimal // collectable on delivery
	UpdatedAt        time.Time
}

// OrderEvent is one status change published by the order subsystem.
type OrderEvent struct {
	OrderID          string
	RepresentativeID string
	Status           OrderStatus
	Pieces           int
	Amount           decimal.Decimal
	At               time.Time
}

func (e OrderEvent) Validate() error {
	if e.OrderID == "" {
		return ledger.NewValidationError("order_id", "order id is required")
	}
	if e.RepresentativeID == "" {
		return ledger.NewValidationError("representative_id", "representative id is required")
	}
	if !e.Status.Valid() {
		return ledger.NewValidationError("status", fmt.Sprintf("unknown order status %q", e.Status))
	}
	if e.Pieces < 0 {
		return ledger.NewValidationError("pieces", "pieces cannot be negative")
	}
	if e.Amount.IsNegative() {
		return ledger.NewValidationError("amount", "amount cannot be negative")
	}
	return nil
}

// Outcome is a terminal status reached by an order inside a window.
type Outcome struct {
	OrderID string
	Status  OrderStatus
	Pieces  int
	Amount  decimal.Decimal
	At      time.Time
}

// OrderSource is the order-status collaborator.
type OrderSource interface {
	// OrdersWithRepresentative lists orders whose current status is with_rep.
	OrdersWithRepresentative(ctx context.Context, representativeID string) ([]Order, error)

	// Outcomes lists, per order, the last delivered/returned status reached
	// inside window.
	Outcomes(ctx context.Context, representativeID string, window ledger.Period) ([]Outcome, error)
}

// =============================================================================
// MEMORY ORDERS - Event-sourced OrderSource
// =============================================================================

type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]Order
	events []OrderEvent
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]Order)}
}

// RecordEvent applies a status change. Events may arrive out of order; the
// current state follows the latest At.
func (m *MemoryOrders) RecordEvent(_ context.Context, e OrderEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)
	cur, ok := m.orders[e.OrderID]
	if ok && cur.UpdatedAt.After(e.At) {
		return nil
	}
	m.orders[e.OrderID] = Order{
		ID:               e.OrderID,
		RepresentativeID: e.RepresentativeID,
		Status:           e.Status,
		Pieces:           e.Pieces,
		Amount:           e.Amount,
		UpdatedAt:        e.At,
	}
	return nil
}

func (m *MemoryOrders) OrdersWithRepresentative(_ context.Context, representativeID string) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, o := range m.orders {
		if o.RepresentativeID == representativeID && o.Status == StatusWithRep {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryOrders) Outcomes(_ context.Context, representativeID string, window ledger.Period) ([]Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	last := make(map[string]OrderEvent)
	for _, e := range m.events {
		if e.RepresentativeID != representativeID || e.Status == StatusWithRep || !window.Contains(e.At) {
			continue
		}
		if prev, ok := last[e.OrderID]; ok && prev.At.After(e.At) {
			continue
		}
		last[e.OrderID] = e
	}

	out := make([]Outcome, 0, len(last))
	for _, e := range last {
		out = append(out, Outcome{OrderID: e.OrderID, Status: e.Status, Pieces: e.Pieces, Amount: e.Amount, At: e.At})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

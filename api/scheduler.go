/*
scheduler.go - Automated daily closing scheduler

PURPOSE:
  Periodically computes the daily closing (opening, credits, debits,
  closing) of every treasury and stock position for the last complete
  day and caches it in the ClosingStore. Closings are a read-model:
  they are derived from entries and recomputing a day replaces its rows.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Accounts are the catalog's treasuries plus every (warehouse, product)
    position with entries

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewClosingScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunClosings endpoint (manual recomputation)
  - ledger/snapshot.go: DailyClosing
*/
package api

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

// ClosingScheduler caches daily closings.
type ClosingScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewClosingScheduler creates a new scheduler.
func NewClosingScheduler(h *Handler) *ClosingScheduler {
	return &ClosingScheduler{
		Handler:       h,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (cs *ClosingScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	log := cs.Handler.Logger
	if !cs.Enabled {
		log.Info("closing scheduler disabled")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)
	go cs.run()

	log.Info("closing scheduler started", zap.Duration("interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (cs *ClosingScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Handler.Logger.Info("closing scheduler stopped")
	}
}

func (cs *ClosingScheduler) run() {
	defer cs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cs.stop
		cancel()
	}()

	cs.RunNow(ctx)
	for {
		select {
		case <-cs.ticker.C:
			cs.RunNow(ctx)
		case <-cs.stop:
			return
		}
	}
}

// RunNow closes the last complete day.
func (cs *ClosingScheduler) RunNow(ctx context.Context) {
	yesterday := ledger.StartOfDay(cs.Handler.Clock.Now()).AddDate(0, 0, -1)
	n, err := cs.CloseDay(ctx, yesterday)
	if err != nil {
		cs.Handler.Logger.Error("daily closing failed", zap.Time("day", yesterday), zap.Error(err))
		return
	}
	cs.Handler.Logger.Info("daily closing completed", zap.Time("day", yesterday), zap.Int("accounts", n))
}

// CloseDay computes and saves the closing of every account for day.
// It returns the number of accounts closed.
func (cs *ClosingScheduler) CloseDay(ctx context.Context, day time.Time) (int, error) {
	h := cs.Handler
	refs, err := cs.accounts(ctx)
	if err != nil {
		return 0, err
	}

	now := h.Clock.Now()
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c, err := h.Projector.DailyClosing(ctx, ref, day)
		if err != nil {
			return 0, fmt.Errorf("closing %s: %w", ref, err)
		}
		c.ComputedAt = now
		if err := h.Closings.SaveClosing(ctx, c); err != nil {
			return 0, fmt.Errorf("save closing %s: %w", ref, err)
		}
	}
	return len(refs), nil
}

func (cs *ClosingScheduler) accounts(ctx context.Context) ([]ledger.AccountRef, error) {
	h := cs.Handler
	treasuries, err := h.Catalog.Treasuries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list treasuries: %w", err)
	}
	warehouses, err := h.Catalog.Warehouses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list warehouses: %w", err)
	}

	refs := make([]ledger.AccountRef, 0, len(treasuries))
	for _, t := range treasuries {
		refs = append(refs, ledger.TreasuryRef(t.ID))
	}
	for _, w := range warehouses {
		stock, err := h.Projector.WarehouseStock(ctx, w.ID)
		if err != nil {
			return nil, fmt.Errorf("stock of %s: %w", w.ID, err)
		}
		for _, productID := range slices.Sorted(maps.Keys(stock)) {
			refs = append(refs, ledger.StockRef(w.ID, productID))
		}
	}
	return refs, nil
}

// Package store provides the in-memory ledger.Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps entries per account ordered by (occurred_at, id).
// Readers take the RWMutex; writers additionally serialize per account
// through a KeyedMutex and publish a whole group under one write lock.
type Memory struct {
	mu          sync.RWMutex
	entries     map[string][]ledger.Entry // account key -> entries
	byCorr      map[ledger.CorrelationID][]ledger.Entry
	idempotency map[string]ledger.CorrelationID
	closings    map[closingKey]ledger.DailyClosing
	nextID      ledger.EntryID

	locks *ledger.KeyedMutex
}

type closingKey struct {
	Day     time.Time
	Account string
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[string][]ledger.Entry),
		byCorr:      make(map[ledger.CorrelationID][]ledger.Entry),
		idempotency: make(map[string]ledger.CorrelationID),
		closings:    make(map[closingKey]ledger.DailyClosing),
		locks:       ledger.NewKeyedMutex(),
	}
}

// WithTx runs fn against a buffered view. Appends become visible only
// after fn returns nil; locks taken by the view are released on return.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	view := &memoryTx{parent: m}
	defer view.unlock()

	if err := fn(view); err != nil {
		return err
	}
	if len(view.pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.publish(view.key, view.pending)
}

func (m *Memory) publish(idempotencyKey string, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if _, ok := m.idempotency[idempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	for i := range entries {
		m.nextID++
		entries[i].ID = m.nextID
		m.insertLocked(entries[i])
	}
	corr := entries[0].CorrelationID
	m.byCorr[corr] = append(m.byCorr[corr], entries...)
	if idempotencyKey != "" {
		m.idempotency[idempotencyKey] = corr
	}
	return nil
}

func (m *Memory) insertLocked(e ledger.Entry) {
	k := e.Account.Key()
	list := m.entries[k]

	// Binary search for insertion point; ids grow so ties go last.
	i := sort.Search(len(list), func(i int) bool {
		return list[i].OccurredAt.After(e.OccurredAt)
	})
	list = append(list, ledger.Entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	m.entries[k] = list
}

func (m *Memory) Load(_ context.Context, ref ledger.AccountRef) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.entries[ref.Key()]
	result := make([]ledger.Entry, len(src))
	copy(result, src)
	return result, nil
}

func (m *Memory) LoadRange(_ context.Context, ref ledger.AccountRef, from, to time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Entry
	for _, e := range m.entries[ref.Key()] {
		if !e.OccurredAt.Before(from) && !e.OccurredAt.After(to) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) Query(_ context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	m.mu.RLock()
	var result []ledger.Entry
	for _, list := range m.entries {
		for _, e := range list {
			if f.Matches(e) {
				result = append(result, e)
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Memory) LoadCorrelation(_ context.Context, id ledger.CorrelationID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.byCorr[id]
	result := make([]ledger.Entry, len(src))
	copy(result, src)
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.idempotency[idempotencyKey]
	return ok, nil
}

func (m *Memory) LookupKey(_ context.Context, idempotencyKey string) (ledger.CorrelationID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	corr, ok := m.idempotency[idempotencyKey]
	return corr, ok, nil
}

// =============================================================================
// CLOSINGS
// =============================================================================

func (m *Memory) SaveClosing(_ context.Context, c ledger.DailyClosing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closings[closingKey{Day: c.Day.UTC(), Account: c.Account.Key()}] = c
	return nil
}

func (m *Memory) LoadClosings(_ context.Context, ref ledger.AccountRef, from, to time.Time) ([]ledger.DailyClosing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.DailyClosing
	for k, c := range m.closings {
		if k.Account != ref.Key() || c.Day.Before(from) || c.Day.After(to) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day.Before(result[j].Day) })
	return result, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent  *Memory
	release []func()
	key     string
	pending []ledger.Entry
}

func (t *memoryTx) Lock(ctx context.Context, keys []string) error {
	unlock, err := t.parent.locks.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	t.release = append(t.release, unlock)
	return nil
}

func (t *memoryTx) unlock() {
	for i := len(t.release) - 1; i >= 0; i-- {
		t.release[i]()
	}
	t.release = nil
}

func (t *memoryTx) Sum(ctx context.Context, ref ledger.AccountRef) (decimal.Decimal, error) {
	entries, err := t.parent.Load(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	total := ledger.Fold(entries, nil)
	for _, e := range t.pending {
		if e.Account.Key() == ref.Key() {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (t *memoryTx) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	if idempotencyKey != "" && idempotencyKey == t.key {
		return true, nil
	}
	return t.parent.Exists(ctx, idempotencyKey)
}

func (t *memoryTx) Append(_ context.Context, g ledger.Group, committedAt time.Time) ([]ledger.Entry, error) {
	if t.key != "" || len(t.pending) > 0 {
		return nil, ledger.NewValidationError("group", "one group per transaction")
	}
	pending := make([]ledger.Entry, len(g.Entries))
	for i, e := range g.Entries {
		e.CorrelationID = g.CorrelationID
		e.CommittedAt = committedAt
		pending[i] = e
	}
	t.key = g.IdempotencyKey
	t.pending = pending
	return pending, nil
}

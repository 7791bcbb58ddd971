package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY CATALOG
// =============================================================================

type Memory struct {
	mu              sync.RWMutex
	products        map[string]Product
	treasuries      map[string]Treasury
	warehouses      map[string]Warehouse
	representatives map[string]Representative
	suppliers       map[string]Supplier
	clock           ledger.Clock
}

func NewMemory() *Memory {
	return &Memory{
		products:        make(map[string]Product),
		treasuries:      make(map[string]Treasury),
		warehouses:      make(map[string]Warehouse),
		representatives: make(map[string]Representative),
		suppliers:       make(map[string]Supplier),
		clock:           ledger.SystemClock{},
	}
}

func (m *Memory) Product(_ context.Context, id string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return Product{}, ledger.NewNotFoundError("product", id)
	}
	return p, nil
}

func (m *Memory) Treasury(_ context.Context, id string) (Treasury, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.treasuries[id]
	if !ok {
		return Treasury{}, ledger.NewNotFoundError("treasury", id)
	}
	return t, nil
}

func (m *Memory) Warehouse(_ context.Context, id string) (Warehouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.warehouses[id]
	if !ok {
		return Warehouse{}, ledger.NewNotFoundError("warehouse", id)
	}
	return w, nil
}

func (m *Memory) Representative(_ context.Context, id string) (Representative, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.representatives[id]
	if !ok {
		return Representative{}, ledger.NewNotFoundError("representative", id)
	}
	return r, nil
}

func (m *Memory) Supplier(_ context.Context, id string) (Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suppliers[id]
	if !ok {
		return Supplier{}, ledger.NewNotFoundError("supplier", id)
	}
	return s, nil
}

func (m *Memory) RegisterProduct(_ context.Context, np NewProduct) (Product, error) {
	if err := np.Validate(); err != nil {
		return Product{}, err
	}
	p := Product{
		ID:          ledger.NewID(),
		Name:        np.Name,
		Category:    np.Category,
		DefaultCost: np.DefaultCost,
		CreatedAt:   m.clock.Now(),
	}
	m.mu.Lock()
	m.products[p.ID] = p
	m.mu.Unlock()
	return p, nil
}

func (m *Memory) PutProduct(_ context.Context, p Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) PutTreasury(_ context.Context, t Treasury) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treasuries[t.ID] = t
	return nil
}

func (m *Memory) PutWarehouse(_ context.Context, w Warehouse) error {
	if err := w.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warehouses[w.ID] = w
	return nil
}

func (m *Memory) PutRepresentative(_ context.Context, r Representative) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.representatives[r.ID] = r
	return nil
}

func (m *Memory) PutSupplier(_ context.Context, s Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers[s.ID] = s
	return nil
}

func (m *Memory) Treasuries(_ context.Context) ([]Treasury, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Treasury, 0, len(m.treasuries))
	for _, t := range m.treasuries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Warehouses(_ context.Context) ([]Warehouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Warehouse, 0, len(m.warehouses))
	for _, w := range m.warehouses {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Products(_ context.Context) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

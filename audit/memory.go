package audit

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/warp/ledger-engine/ledger"
)

// MemoryRepository keeps audits in a map. Returned audits are copies.
type MemoryRepository struct {
	mu     sync.RWMutex
	audits map[string]Audit
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{audits: make(map[string]Audit)}
}

func (r *MemoryRepository) Create(_ context.Context, a Audit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.audits[a.ID]; ok {
		return ledger.NewValidationError("id", "audit already exists")
	}
	r.audits[a.ID] = clone(a)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Audit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.audits[id]
	if !ok {
		return Audit{}, ledger.NewNotFoundError("audit", id)
	}
	return clone(a), nil
}

func (r *MemoryRepository) Update(_ context.Context, a Audit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.audits[a.ID]
	if !ok {
		return ledger.NewNotFoundError("audit", a.ID)
	}
	if cur.Version != a.Version {
		return &ledger.ConflictError{Account: "audit:" + a.ID}
	}
	a.Version++
	r.audits[a.ID] = clone(a)
	return nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]Audit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Audit
	for _, a := range r.audits {
		if f.WarehouseID != "" && a.WarehouseID != f.WarehouseID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func clone(a Audit) Audit {
	a.Items = slices.Clone(a.Items)
	return a
}

package ledger

import (
	"context"
	"slices"
	"sync"
)

// =============================================================================
// KEYED MUTEX - Per-account exclusive locks
// =============================================================================

// KeyedMutex hands out one exclusive lock per key. Multi-key acquisition
// always proceeds in sorted order so two writers touching overlapping
// accounts cannot deadlock. Waiting honors ctx.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires every key. On error nothing is held.
func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (unlock func(), err error) {
	keys = SortKeys(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := m.lockOne(ctx, k); err != nil {
			m.release(held)
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(func() { m.release(held) }) }, nil
}

func (m *KeyedMutex) lockOne(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.drop(key)
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.mu.Lock()
		l := m.locks[keys[i]]
		<-l.ch
		m.mu.Unlock()
		m.drop(keys[i])
	}
}

func (m *KeyedMutex) drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// SortKeys returns the distinct keys in ascending order.
func SortKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoPolymarket/mmengine/internal/model"
)

// memTable keeps records in insertion order and hands out clones so callers
// never share pointers with the store.
type memTable[T any] struct {
	mu    sync.RWMutex
	order []string
	items map[string]T
	id    func(T) string
	clone func(T) T
}

func newMemTable[T any](id func(T) string, clone func(T) T) *memTable[T] {
	return &memTable[T]{items: make(map[string]T), id: id, clone: clone}
}

func (m *memTable[T]) Create(_ context.Context, v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id(v)
	if _, ok := m.items[id]; ok {
		return fmt.Errorf("duplicate id %s", id)
	}
	m.items[id] = m.clone(v)
	m.order = append(m.order, id)
	return nil
}

func (m *memTable[T]) Update(_ context.Context, v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id(v)
	if _, ok := m.items[id]; !ok {
		return model.ErrNotFound
	}
	m.items[id] = m.clone(v)
	return nil
}

func (m *memTable[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[id]
	if !ok {
		var zero T
		return zero, model.ErrNotFound
	}
	return m.clone(v), nil
}

func (m *memTable[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]T, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.clone(m.items[id]))
	}
	return out, nil
}

// Delete removes all ids or, if any is missing, none.
func (m *memTable[T]) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.items[id]; !ok {
			return model.ErrNotFound
		}
		drop[id] = true
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if drop[id] {
			delete(m.items, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return nil
}

func (m *memTable[T]) find(match func(T) bool) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if v := m.items[id]; match(v) {
			return m.clone(v), nil
		}
	}
	var zero T
	return zero, model.ErrNotFound
}

type MemoryStrategyRepo struct {
	*memTable[*model.Strategy]
}

func NewMemoryStrategyRepo() *MemoryStrategyRepo {
	return &MemoryStrategyRepo{newMemTable(
		func(s *model.Strategy) string { return s.ID },
		(*model.Strategy).Clone,
	)}
}

type MemoryAccountRepo struct {
	*memTable[*model.Account]
}

func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{newMemTable(
		func(a *model.Account) string { return a.ID },
		(*model.Account).Clone,
	)}
}

type MemoryRoleRepo struct {
	*memTable[*model.Role]
}

func NewMemoryRoleRepo() *MemoryRoleRepo {
	return &MemoryRoleRepo{newMemTable(
		func(r *model.Role) string { return r.ID },
		(*model.Role).Clone,
	)}
}

type MemoryOperatorRepo struct {
	*memTable[*model.Operator]
}

func NewMemoryOperatorRepo() *MemoryOperatorRepo {
	return &MemoryOperatorRepo{newMemTable(
		func(o *model.Operator) string { return o.ID },
		(*model.Operator).Clone,
	)}
}

func (r *MemoryOperatorRepo) GetByAPIKey(_ context.Context, apiKey string) (*model.Operator, error) {
	if apiKey == "" {
		return nil, model.ErrNotFound
	}
	return r.find(func(o *model.Operator) bool { return o.APIKey.Reveal() == apiKey })
}

package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存托管记录。
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(_ context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrEscrowConflict
	}
	escrow.Version = 1
	m.escrows[escrow.ID] = cloneEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	escrow, ok := m.escrows[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneEscrow(escrow), nil
}

func (m *MemoryStore) Update(_ context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[escrow.ID]
	if !ok {
		return notFound(escrow.ID)
	}
	if current.Version != escrow.Version {
		return ErrEscrowConflict
	}
	escrow.Version++
	m.escrows[escrow.ID] = cloneEscrow(escrow)
	return nil
}

func (m *MemoryStore) List(_ context.Context, wallet string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Escrow, 0, len(m.escrows))
	for _, escrow := range m.escrows {
		if wallet != "" && escrow.From != wallet && escrow.To != wallet {
			continue
		}
		out = append(out, cloneEscrow(escrow))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

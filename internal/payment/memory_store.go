package payment

import (
	"context"
	"sort"
	"sync"

	xerrors "trustyclaw/internal/errors"
)

// MemoryStore 以内存方式保存支付意图与历史记录。
type MemoryStore struct {
	mu       sync.RWMutex
	intents  map[string]*Intent
	payments []*Payment
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*Intent)}
}

// CreateIntent 实现 Store 接口。
func (m *MemoryStore) CreateIntent(_ context.Context, intent *Intent) error {
	if intent == nil || intent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付意图 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "支付意图已存在")
	}
	intent.Version = 1
	m.intents[intent.ID] = cloneIntent(intent)
	return nil
}

// GetIntent 返回意图副本。
func (m *MemoryStore) GetIntent(_ context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneIntent(intent), nil
}

// UpdateIntent 仅在版本匹配时写入。
func (m *MemoryStore) UpdateIntent(_ context.Context, intent *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.intents[intent.ID]
	if !ok {
		return notFound(intent.ID)
	}
	if current.Version != intent.Version {
		return ErrIntentConflict
	}
	intent.Version++
	m.intents[intent.ID] = cloneIntent(intent)
	return nil
}

// AppendPayment 追加历史记录。
func (m *MemoryStore) AppendPayment(_ context.Context, payment *Payment) error {
	if payment == nil || payment.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, clonePayment(payment))
	return nil
}

// ListPayments 按创建时间倒序返回符合条件的历史记录。
func (m *MemoryStore) ListPayments(_ context.Context, q Query) ([]*Payment, error) {
	q.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Payment, 0, len(m.payments))
	for i := len(m.payments) - 1; i >= 0; i-- {
		p := m.payments[i]
		if q.Wallet != "" && p.From != q.Wallet && p.To != q.Wallet {
			continue
		}
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		results = append(results, clonePayment(p))
	}
	// 追加顺序已是倒序，稳定排序保证同一时刻创建的记录后写在前。
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

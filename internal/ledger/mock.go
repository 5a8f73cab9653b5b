package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInsufficientFunds is returned by a strict MockLedger when the source
// balance cannot cover a transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// MockLedger is a deterministic in-memory ledger. Balances default to
// DefaultBalance; transfers succeed with canned signatures unless a failure
// is injected. With Strict set, transfers move balances and reject
// overdrafts.
type MockLedger struct {
	mu             sync.Mutex
	balances       map[string]Amount
	defaultBalance Amount
	strict         bool
	failure        error
	failCount      int
	transfers      []Receipt
	now            func() time.Time
}

// MockOption customises a MockLedger.
type MockOption func(*MockLedger)

// WithStrictBalances enables balance movement and overdraft checks.
func WithStrictBalances() MockOption {
	return func(m *MockLedger) { m.strict = true }
}

// WithClock injects the time source used for receipts.
func WithClock(now func() time.Time) MockOption {
	return func(m *MockLedger) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMockLedger constructs a mock ledger.
func NewMockLedger(defaultBalance Amount, opts ...MockOption) *MockLedger {
	m := &MockLedger{
		balances:       make(map[string]Amount),
		defaultBalance: defaultBalance,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Adapter = (*MockLedger)(nil)

// SetBalance overrides the balance of a wallet.
func (m *MockLedger) SetBalance(wallet string, amount Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[wallet] = amount
}

// FailNext makes the next n transfers fail with err.
func (m *MockLedger) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("mock ledger failure")
	}
	m.failure = err
	m.failCount = n
}

// Transfers returns the receipts of every successful transfer.
func (m *MockLedger) Transfers() []Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Receipt, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Balance implements Adapter.
func (m *MockLedger) Balance(ctx context.Context, wallet string) (Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(wallet), nil
}

func (m *MockLedger) balanceLocked(wallet string) Amount {
	if amount, ok := m.balances[wallet]; ok {
		return amount
	}
	return m.defaultBalance
}

// Transfer implements Adapter.
func (m *MockLedger) Transfer(ctx context.Context, from, to string, amount Amount) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCount > 0 {
		m.failCount--
		return Receipt{}, m.failure
	}
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if m.strict {
		balance := m.balanceLocked(from)
		if balance < amount {
			return Receipt{}, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, balance, amount)
		}
		m.balances[from] = balance - amount
		m.balances[to] = m.balanceLocked(to) + amount
	}

	receipt := Receipt{
		Signature:   fmt.Sprintf("transfer-%s-%s-%d", prefix(from, 8), prefix(to, 8), len(m.transfers)+1),
		Status:      StatusConfirmed,
		Source:      from,
		Destination: to,
		Amount:      amount,
		SubmittedAt: m.now().UTC(),
	}
	m.transfers = append(m.transfers, receipt)
	return receipt, nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

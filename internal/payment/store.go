package payment

import "context"

// Query 描述历史记录的筛选条件。Limit 为负数时不限制条数。
type Query struct {
	Wallet string
	Status Status
	Limit  int
}

func (q *Query) applyDefaults() {
	if q.Limit == 0 {
		q.Limit = 100
	}
}

// Store 抽象了支付意图与历史记录的持久化。
type Store interface {
	CreateIntent(ctx context.Context, intent *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	// UpdateIntent 以 intent.Version 做比较并交换，成功后递增版本。
	UpdateIntent(ctx context.Context, intent *Intent) error
	AppendPayment(ctx context.Context, payment *Payment) error
	ListPayments(ctx context.Context, q Query) ([]*Payment, error)
	Close() error
}

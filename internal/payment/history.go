package payment

import (
	"context"
	"encoding/json"
)

// History 返回与钱包相关（付款方或收款方）的历史记录，按创建时间倒序。
func (e *Engine) History(ctx context.Context, wallet string, limit int, status Status) ([]*Payment, error) {
	return e.store.ListPayments(ctx, Query{Wallet: wallet, Status: status, Limit: limit})
}

// AllPayments 返回全部历史记录。
func (e *Engine) AllPayments(ctx context.Context, limit int) ([]*Payment, error) {
	return e.store.ListPayments(ctx, Query{Limit: limit})
}

// ExportPaymentsJSON 导出历史记录。wallet 为空时导出全部记录。
func (e *Engine) ExportPaymentsJSON(ctx context.Context, wallet string) ([]byte, error) {
	q := Query{Wallet: wallet}
	if wallet == "" {
		q.Limit = -1
	}
	payments, err := e.store.ListPayments(ctx, q)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return json.MarshalIndent(payments, "", "  ")
}

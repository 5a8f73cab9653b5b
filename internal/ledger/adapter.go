package ledger

import (
	"context"
	"time"
)

// Status is the settlement outcome reported by an adapter.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Receipt describes a submitted transfer.
type Receipt struct {
	Signature   string    `json:"signature"`
	Status      Status    `json:"status"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Amount      Amount    `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Confirmed reports whether the transfer settled.
func (r Receipt) Confirmed() bool {
	return r.Status == StatusConfirmed
}

// Adapter is the ledger capability the core depends on. Implementations may be
// deterministic mocks or real network clients; callers never assume success.
type Adapter interface {
	Balance(ctx context.Context, wallet string) (Amount, error)
	Transfer(ctx context.Context, from, to string, amount Amount) (Receipt, error)
}

// Closer is implemented by adapters holding network resources.
type Closer interface {
	Close()
}

// ExplorerURL joins a transaction signature onto an explorer base URL.
func ExplorerURL(base, signature string) string {
	if base == "" || signature == "" {
		return ""
	}
	return base + signature
}

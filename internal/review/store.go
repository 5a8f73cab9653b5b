package review

import "context"

// Query 描述评价列表的过滤条件。
type Query struct {
	Provider string
	Status   Status
	// Limit 为 0 时不限制条数。
	Limit int
}

// Store 定义评价、争议与投票的持久化接口。
type Store interface {
	CreateReview(ctx context.Context, review *Review) error
	GetReview(ctx context.Context, id string) (*Review, error)
	// UpdateReview 仅在 Version 与存储中一致时写入，并递增 Version。
	UpdateReview(ctx context.Context, review *Review) error
	// ListReviews 按创建时间倒序返回符合条件的评价。
	ListReviews(ctx context.Context, q Query) ([]*Review, error)
	// Providers 返回出现过的全部提供方。
	Providers(ctx context.Context) ([]string, error)

	CreateDispute(ctx context.Context, dispute *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	UpdateDispute(ctx context.Context, dispute *Dispute) error
	ListDisputes(ctx context.Context, reviewID string) ([]*Dispute, error)

	// GetVote 返回投票人对评价的现有投票，不存在时第二个返回值为 false。
	GetVote(ctx context.Context, reviewID, voter string) (*Vote, bool, error)
	// PutVote 新增或覆盖投票人对评价的投票。
	PutVote(ctx context.Context, vote *Vote) error
	ListVotes(ctx context.Context, reviewID string) ([]*Vote, error)

	Close() error
}

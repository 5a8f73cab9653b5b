package escrow

import "context"

// Store 定义托管记录的持久化接口。
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Update 仅在 Version 与存储中一致时写入，并递增 Version。
	Update(ctx context.Context, escrow *Escrow) error
	// List 按创建时间倒序返回与钱包相关的记录，wallet 为空时返回全部。
	List(ctx context.Context, wallet string) ([]*Escrow, error)
	Close() error
}

package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/storage/database"
)

var escrowTable = database.Table{
	Name: "escrow_payments",
	Columns: []database.Column{
		{Name: "id", Type: "VARCHAR(128) NOT NULL"},
		{Name: "intent_id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "amount", Type: "BIGINT NOT NULL"},
		{Name: "from_wallet", Type: "VARCHAR(128) NOT NULL"},
		{Name: "to_wallet", Type: "VARCHAR(128) NOT NULL"},
		{Name: "status", Type: "VARCHAR(32) NOT NULL"},
		{Name: "funded_at", Type: "BIGINT"},
		{Name: "released_at", Type: "BIGINT"},
		{Name: "refunded_at", Type: "BIGINT"},
		{Name: "signatures", Type: "TEXT"},
		{Name: "disputed_by", Type: "VARCHAR(128)"},
		{Name: "dispute_reason", Type: "TEXT"},
		{Name: "created_at", Type: "BIGINT NOT NULL"},
		{Name: "version", Type: "BIGINT NOT NULL DEFAULT 1"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []database.Index{
		{Name: "idx_escrow_intent", Columns: []string{"intent_id"}, Unique: true},
		{Name: "idx_escrow_from", Columns: []string{"from_wallet"}},
		{Name: "idx_escrow_to", Columns: []string{"to_wallet"}},
	},
}

const escrowColumns = `id, intent_id, amount, from_wallet, to_wallet, status, funded_at, released_at, refunded_at,
        signatures, disputed_by, dispute_reason, created_at, version`

// SQLStore 使用 MySQL 或 SQLite 保存托管记录。
type SQLStore struct {
	db *database.DB
}

// NewSQLStore 初始化表结构并返回 SQLStore。
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	if err := db.EnsureTable(ctx, escrowTable); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, escrow *Escrow) error {
	sigs, err := json.Marshal(escrow.Signatures)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码托管签名失败")
	}
	const stmt = `INSERT INTO escrow_payments (` + escrowColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	_, err = s.db.ExecContext(ctx, stmt,
		escrow.ID,
		escrow.IntentID,
		int64(escrow.Amount),
		escrow.From,
		escrow.To,
		string(escrow.Status),
		database.NullTime(escrow.FundedAt),
		database.NullTime(escrow.ReleasedAt),
		database.NullTime(escrow.RefundedAt),
		string(sigs),
		escrow.DisputedBy,
		escrow.DisputeReason,
		escrow.CreatedAt.UnixNano(),
	)
	if err != nil {
		if database.IsDuplicate(err) {
			return ErrEscrowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管记录失败")
	}
	escrow.Version = 1
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = ?`, id)
	escrow, err := scanEscrow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管记录失败")
	}
	return escrow, nil
}

func (s *SQLStore) Update(ctx context.Context, escrow *Escrow) error {
	sigs, err := json.Marshal(escrow.Signatures)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码托管签名失败")
	}
	const stmt = `UPDATE escrow_payments SET status = ?, funded_at = ?, released_at = ?, refunded_at = ?,
        signatures = ?, disputed_by = ?, dispute_reason = ?, version = version + 1
        WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(escrow.Status),
		database.NullTime(escrow.FundedAt),
		database.NullTime(escrow.ReleasedAt),
		database.NullTime(escrow.RefundedAt),
		string(sigs),
		escrow.DisputedBy,
		escrow.DisputeReason,
		escrow.ID,
		escrow.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新托管记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, escrow.ID); getErr != nil {
			return getErr
		}
		return ErrEscrowConflict
	}
	escrow.Version++
	return nil
}

func (s *SQLStore) List(ctx context.Context, wallet string) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_payments`
	var args []any
	if wallet != "" {
		query += ` WHERE from_wallet = ? OR to_wallet = ?`
		args = append(args, wallet, wallet)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管记录失败")
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析托管记录失败")
		}
		out = append(out, escrow)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历托管记录失败")
	}
	return out, nil
}

// Close 不关闭共享连接。
func (s *SQLStore) Close() error { return nil }

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	var (
		escrow     Escrow
		amount     int64
		status     string
		fundedAt   sql.NullInt64
		releasedAt sql.NullInt64
		refundedAt sql.NullInt64
		signatures sql.NullString
		disputedBy sql.NullString
		reason     sql.NullString
		createdAt  int64
	)
	if err := row.Scan(
		&escrow.ID,
		&escrow.IntentID,
		&amount,
		&escrow.From,
		&escrow.To,
		&status,
		&fundedAt,
		&releasedAt,
		&refundedAt,
		&signatures,
		&disputedBy,
		&reason,
		&createdAt,
		&escrow.Version,
	); err != nil {
		return nil, err
	}
	escrow.Signatures = map[string]string{}
	if signatures.Valid && signatures.String != "" && signatures.String != "null" {
		if err := json.Unmarshal([]byte(signatures.String), &escrow.Signatures); err != nil {
			return nil, err
		}
	}
	escrow.Amount = ledger.Amount(amount)
	escrow.Status = Status(status)
	escrow.FundedAt = database.TimeOf(fundedAt)
	escrow.ReleasedAt = database.TimeOf(releasedAt)
	escrow.RefundedAt = database.TimeOf(refundedAt)
	escrow.DisputedBy = disputedBy.String
	escrow.DisputeReason = reason.String
	escrow.CreatedAt = time.Unix(0, createdAt).UTC()
	return &escrow, nil
}

var _ Store = (*SQLStore)(nil)

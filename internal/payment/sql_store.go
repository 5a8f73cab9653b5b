package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/storage/database"
)

var intentTable = database.Table{
	Name: "payment_intents",
	Columns: []database.Column{
		{Name: "id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "from_wallet", Type: "VARCHAR(128) NOT NULL"},
		{Name: "to_wallet", Type: "VARCHAR(128) NOT NULL"},
		{Name: "amount", Type: "BIGINT NOT NULL"},
		{Name: "description", Type: "TEXT"},
		{Name: "status", Type: "VARCHAR(32) NOT NULL"},
		{Name: "signature", Type: "VARCHAR(256) DEFAULT ''"},
		{Name: "metadata", Type: "TEXT"},
		{Name: "created_at", Type: "BIGINT NOT NULL"},
		{Name: "executed_at", Type: "BIGINT"},
		{Name: "confirmed_at", Type: "BIGINT"},
		{Name: "version", Type: "BIGINT NOT NULL DEFAULT 1"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []database.Index{
		{Name: "idx_intent_status", Columns: []string{"status"}},
	},
}

var paymentTable = database.Table{
	Name: "payments",
	Columns: []database.Column{
		{Name: "id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "seq", Type: "BIGINT NOT NULL"},
		{Name: "intent_id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "from_wallet", Type: "VARCHAR(128) NOT NULL"},
		{Name: "to_wallet", Type: "VARCHAR(128) NOT NULL"},
		{Name: "amount", Type: "BIGINT NOT NULL"},
		{Name: "description", Type: "TEXT"},
		{Name: "status", Type: "VARCHAR(32) NOT NULL"},
		{Name: "signature", Type: "VARCHAR(256) NOT NULL"},
		{Name: "created_at", Type: "BIGINT NOT NULL"},
		{Name: "confirmed_at", Type: "BIGINT"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []database.Index{
		{Name: "idx_payment_from", Columns: []string{"from_wallet"}},
		{Name: "idx_payment_to", Columns: []string{"to_wallet"}},
		{Name: "idx_payment_created", Columns: []string{"created_at", "seq"}},
	},
}

// SQLStore 使用 MySQL 或 SQLite 保存支付数据。
type SQLStore struct {
	db *database.DB
}

// NewSQLStore 初始化表结构并返回 SQLStore。
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	for _, table := range []database.Table{intentTable, paymentTable} {
		if err := db.EnsureTable(ctx, table); err != nil {
			return nil, err
		}
	}
	return &SQLStore{db: db}, nil
}

// CreateIntent 插入新的支付意图。
func (s *SQLStore) CreateIntent(ctx context.Context, intent *Intent) error {
	if intent == nil || strings.TrimSpace(intent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付意图 ID 不能为空")
	}
	metadata, err := marshalMetadata(intent.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码支付意图 metadata 失败")
	}

	const stmt = `INSERT INTO payment_intents
        (id, from_wallet, to_wallet, amount, description, status, signature, metadata, created_at, executed_at, confirmed_at, version)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	_, err = s.db.ExecContext(ctx, stmt,
		intent.ID,
		intent.From,
		intent.To,
		int64(intent.Amount),
		intent.Description,
		string(intent.Status),
		intent.Signature,
		metadata,
		intent.CreatedAt.UnixNano(),
		database.NullTime(intent.ExecutedAt),
		database.NullTime(intent.ConfirmedAt),
	)
	if err != nil {
		if database.IsDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "支付意图已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入支付意图失败")
	}
	intent.Version = 1
	return nil
}

// GetIntent 查询指定支付意图。
func (s *SQLStore) GetIntent(ctx context.Context, id string) (*Intent, error) {
	const stmt = `SELECT id, from_wallet, to_wallet, amount, description, status, signature, metadata,
        created_at, executed_at, confirmed_at, version FROM payment_intents WHERE id = ?`

	var (
		intent      Intent
		amount      int64
		status      string
		description sql.NullString
		signature   sql.NullString
		metadata    sql.NullString
		createdAt   int64
		executedAt  sql.NullInt64
		confirmedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&intent.ID,
		&intent.From,
		&intent.To,
		&amount,
		&description,
		&status,
		&signature,
		&metadata,
		&createdAt,
		&executedAt,
		&confirmedAt,
		&intent.Version,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付意图失败")
	}
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付意图 metadata 失败")
	}
	intent.Amount = ledger.Amount(amount)
	intent.Description = description.String
	intent.Status = Status(status)
	intent.Signature = signature.String
	intent.Metadata = decoded
	intent.CreatedAt = time.Unix(0, createdAt).UTC()
	intent.ExecutedAt = database.TimeOf(executedAt)
	intent.ConfirmedAt = database.TimeOf(confirmedAt)
	return &intent, nil
}

// UpdateIntent 以版本号做条件更新，保证同一意图的迁移串行生效。
func (s *SQLStore) UpdateIntent(ctx context.Context, intent *Intent) error {
	metadata, err := marshalMetadata(intent.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码支付意图 metadata 失败")
	}
	const stmt = `UPDATE payment_intents SET status = ?, signature = ?, metadata = ?, executed_at = ?, confirmed_at = ?,
        version = version + 1 WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(intent.Status),
		intent.Signature,
		metadata,
		database.NullTime(intent.ExecutedAt),
		database.NullTime(intent.ConfirmedAt),
		intent.ID,
		intent.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新支付意图失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetIntent(ctx, intent.ID); getErr != nil {
			return getErr
		}
		return ErrIntentConflict
	}
	intent.Version++
	return nil
}

// AppendPayment 写入一条历史记录。
func (s *SQLStore) AppendPayment(ctx context.Context, payment *Payment) error {
	const stmt = `INSERT INTO payments
        (id, seq, intent_id, from_wallet, to_wallet, amount, description, status, signature, created_at, confirmed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		payment.ID,
		time.Now().UnixNano(),
		payment.IntentID,
		payment.From,
		payment.To,
		int64(payment.Amount),
		payment.Description,
		string(payment.Status),
		payment.Signature,
		payment.CreatedAt.UnixNano(),
		database.NullTime(payment.ConfirmedAt),
	)
	if err != nil {
		if database.IsDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "支付记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付记录失败")
	}
	return nil
}

// ListPayments 按创建时间倒序返回历史记录。
func (s *SQLStore) ListPayments(ctx context.Context, q Query) ([]*Payment, error) {
	q.applyDefaults()

	query := `SELECT id, intent_id, from_wallet, to_wallet, amount, description, status, signature, created_at, confirmed_at
        FROM payments`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if q.Wallet != "" {
		conditions = append(conditions, "(from_wallet = ? OR to_wallet = ?)")
		args = append(args, q.Wallet, q.Wallet)
	}
	if q.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		var (
			p           Payment
			amount      int64
			status      string
			description sql.NullString
			createdAt   int64
			confirmedAt sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.IntentID, &p.From, &p.To, &amount, &description, &status, &p.Signature, &createdAt, &confirmedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付记录失败")
		}
		p.Amount = ledger.Amount(amount)
		p.Description = description.String
		p.Status = Status(status)
		p.CreatedAt = time.Unix(0, createdAt).UTC()
		p.ConfirmedAt = database.TimeOf(confirmedAt)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付记录失败")
	}
	return payments, nil
}

// Close 不关闭共享连接，连接由 database.Open 的调用方释放。
func (s *SQLStore) Close() error {
	return nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

var _ Store = (*SQLStore)(nil)

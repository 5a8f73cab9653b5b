package review

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/storage/database"
)

var reviewTable = database.Table{
	Name: "reviews",
	Columns: []database.Column{
		{Name: "id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "seq", Type: "BIGINT NOT NULL"},
		{Name: "provider", Type: "VARCHAR(128) NOT NULL"},
		{Name: "renter", Type: "VARCHAR(128) NOT NULL"},
		{Name: "skill_id", Type: "VARCHAR(128)"},
		{Name: "rating", Type: "INT NOT NULL"},
		{Name: "completed_on_time", Type: "INT NOT NULL"},
		{Name: "output_quality", Type: "VARCHAR(32)"},
		{Name: "comment", Type: "TEXT"},
		{Name: "status", Type: "VARCHAR(32) NOT NULL"},
		{Name: "dispute_reason", Type: "TEXT"},
		{Name: "dispute_resolved_at", Type: "BIGINT"},
		{Name: "resolution", Type: "VARCHAR(32)"},
		{Name: "dispute_comments", Type: "TEXT"},
		{Name: "helpful_votes", Type: "INT NOT NULL DEFAULT 0"},
		{Name: "unhelpful_votes", Type: "INT NOT NULL DEFAULT 0"},
		{Name: "created_at", Type: "BIGINT NOT NULL"},
		{Name: "version", Type: "BIGINT NOT NULL DEFAULT 1"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []database.Index{
		{Name: "idx_review_provider", Columns: []string{"provider", "status"}},
		{Name: "idx_review_created", Columns: []string{"created_at", "seq"}},
	},
}

var disputeTable = database.Table{
	Name: "review_disputes",
	Columns: []database.Column{
		{Name: "id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "review_id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "filed_by", Type: "VARCHAR(128) NOT NULL"},
		{Name: "reason", Type: "TEXT"},
		{Name: "evidence", Type: "TEXT"},
		{Name: "filed_at", Type: "BIGINT NOT NULL"},
		{Name: "resolved", Type: "INT NOT NULL DEFAULT 0"},
		{Name: "resolution", Type: "VARCHAR(32)"},
		{Name: "resolver_comments", Type: "TEXT"},
		{Name: "resolved_at", Type: "BIGINT"},
		{Name: "version", Type: "BIGINT NOT NULL DEFAULT 1"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []database.Index{
		{Name: "idx_dispute_review", Columns: []string{"review_id"}},
	},
}

var voteTable = database.Table{
	Name: "review_votes",
	Columns: []database.Column{
		{Name: "id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "review_id", Type: "VARCHAR(64) NOT NULL"},
		{Name: "voter", Type: "VARCHAR(128) NOT NULL"},
		{Name: "helpful", Type: "INT NOT NULL"},
		{Name: "voted_at", Type: "BIGINT NOT NULL"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []database.Index{
		{Name: "idx_vote_review_voter", Columns: []string{"review_id", "voter"}, Unique: true},
	},
}

const reviewColumns = `id, provider, renter, skill_id, rating, completed_on_time, output_quality, comment, status,
        dispute_reason, dispute_resolved_at, resolution, dispute_comments, helpful_votes, unhelpful_votes, created_at, version`

const disputeColumns = `id, review_id, filed_by, reason, evidence, filed_at, resolved, resolution, resolver_comments, resolved_at, version`

// SQLStore 使用 MySQL 或 SQLite 保存评价数据。
type SQLStore struct {
	db *database.DB
}

// NewSQLStore 初始化表结构并返回 SQLStore。
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	for _, table := range []database.Table{reviewTable, disputeTable, voteTable} {
		if err := db.EnsureTable(ctx, table); err != nil {
			return nil, err
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CreateReview(ctx context.Context, review *Review) error {
	if review == nil || strings.TrimSpace(review.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "评价 ID 不能为空")
	}
	comments, err := encodeList(review.DisputeComments)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO reviews (seq, ` + reviewColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	_, err = s.db.ExecContext(ctx, stmt,
		time.Now().UnixNano(),
		review.ID,
		review.Provider,
		review.Renter,
		review.SkillID,
		review.Rating,
		boolInt(review.CompletedOnTime),
		string(review.OutputQuality),
		review.Comment,
		string(review.Status),
		review.DisputeReason,
		database.NullTime(review.DisputeResolvedAt),
		string(review.Resolution),
		comments,
		review.HelpfulVotes,
		review.UnhelpfulVotes,
		review.CreatedAt.UnixNano(),
	)
	if err != nil {
		if database.IsDuplicate(err) {
			return xerrors.New(CodeReviewConflict, "评价已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入评价失败")
	}
	review.Version = 1
	return nil
}

func (s *SQLStore) GetReview(ctx context.Context, id string) (*Review, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	review, err := scanReview(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, reviewNotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评价失败")
	}
	return review, nil
}

func (s *SQLStore) UpdateReview(ctx context.Context, review *Review) error {
	comments, err := encodeList(review.DisputeComments)
	if err != nil {
		return err
	}
	const stmt = `UPDATE reviews SET status = ?, dispute_reason = ?, dispute_resolved_at = ?, resolution = ?,
        dispute_comments = ?, helpful_votes = ?, unhelpful_votes = ?, version = version + 1
        WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(review.Status),
		review.DisputeReason,
		database.NullTime(review.DisputeResolvedAt),
		string(review.Resolution),
		comments,
		review.HelpfulVotes,
		review.UnhelpfulVotes,
		review.ID,
		review.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新评价失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetReview(ctx, review.ID); getErr != nil {
			return getErr
		}
		return ErrReviewConflict
	}
	review.Version++
	return nil
}

func (s *SQLStore) ListReviews(ctx context.Context, q Query) ([]*Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews`
	var (
		conditions []string
		args       []any
	)
	if q.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, q.Provider)
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评价列表失败")
	}
	defer rows.Close()

	var reviews []*Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析评价失败")
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历评价失败")
	}
	return reviews, nil
}

func (s *SQLStore) Providers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT provider FROM reviews ORDER BY provider`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提供方失败")
	}
	defer rows.Close()
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提供方失败")
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提供方失败")
	}
	return providers, nil
}

func (s *SQLStore) CreateDispute(ctx context.Context, dispute *Dispute) error {
	evidence, err := encodeList(dispute.Evidence)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO review_disputes (` + disputeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	_, err = s.db.ExecContext(ctx, stmt,
		dispute.ID,
		dispute.ReviewID,
		dispute.FiledBy,
		dispute.Reason,
		evidence,
		dispute.FiledAt.UnixNano(),
		boolInt(dispute.Resolved),
		string(dispute.Resolution),
		dispute.ResolverComments,
		database.NullTime(dispute.ResolvedAt),
	)
	if err != nil {
		if database.IsDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "争议已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入争议失败")
	}
	dispute.Version = 1
	return nil
}

func (s *SQLStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM review_disputes WHERE id = ?`, id)
	dispute, err := scanDispute(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, disputeNotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询争议失败")
	}
	return dispute, nil
}

func (s *SQLStore) UpdateDispute(ctx context.Context, dispute *Dispute) error {
	const stmt = `UPDATE review_disputes SET resolved = ?, resolution = ?, resolver_comments = ?, resolved_at = ?,
        version = version + 1 WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		boolInt(dispute.Resolved),
		string(dispute.Resolution),
		dispute.ResolverComments,
		database.NullTime(dispute.ResolvedAt),
		dispute.ID,
		dispute.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新争议失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetDispute(ctx, dispute.ID); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeConflict, "争议已被并发修改")
	}
	dispute.Version++
	return nil
}

func (s *SQLStore) ListDisputes(ctx context.Context, reviewID string) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM review_disputes WHERE review_id = ? ORDER BY filed_at`, reviewID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询争议列表失败")
	}
	defer rows.Close()
	var disputes []*Dispute
	for rows.Next() {
		dispute, err := scanDispute(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析争议失败")
		}
		disputes = append(disputes, dispute)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历争议失败")
	}
	return disputes, nil
}

func (s *SQLStore) GetVote(ctx context.Context, reviewID, voter string) (*Vote, bool, error) {
	const stmt = `SELECT id, review_id, voter, helpful, voted_at FROM review_votes WHERE review_id = ? AND voter = ?`
	vote, err := scanVote(s.db.QueryRowContext(ctx, stmt, reviewID, voter))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投票失败")
	}
	return vote, true, nil
}

// PutVote 先按 (review_id, voter) 更新，无记录时再插入。调用方需按评价串行化。
func (s *SQLStore) PutVote(ctx context.Context, vote *Vote) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_votes SET helpful = ?, voted_at = ? WHERE review_id = ? AND voter = ?`,
		boolInt(vote.Helpful), vote.VotedAt.UnixNano(), vote.ReviewID, vote.Voter)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新投票失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_votes (id, review_id, voter, helpful, voted_at) VALUES (?, ?, ?, ?, ?)`,
		vote.ID, vote.ReviewID, vote.Voter, boolInt(vote.Helpful), vote.VotedAt.UnixNano())
	if err != nil {
		if database.IsDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "投票已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入投票失败")
	}
	return nil
}

func (s *SQLStore) ListVotes(ctx context.Context, reviewID string) ([]*Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, review_id, voter, helpful, voted_at FROM review_votes WHERE review_id = ? ORDER BY voted_at`, reviewID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投票列表失败")
	}
	defer rows.Close()
	var votes []*Vote
	for rows.Next() {
		vote, err := scanVote(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投票失败")
		}
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投票失败")
	}
	return votes, nil
}

// Close 不关闭共享连接，连接由 database.Open 的调用方释放。
func (s *SQLStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReview(row scanner) (*Review, error) {
	var (
		r          Review
		skill      sql.NullString
		onTime     int
		quality    sql.NullString
		comment    sql.NullString
		status     string
		reason     sql.NullString
		resolvedAt sql.NullInt64
		resolution sql.NullString
		comments   sql.NullString
		createdAt  int64
	)
	err := row.Scan(&r.ID, &r.Provider, &r.Renter, &skill, &r.Rating, &onTime, &quality, &comment, &status,
		&reason, &resolvedAt, &resolution, &comments, &r.HelpfulVotes, &r.UnhelpfulVotes, &createdAt, &r.Version)
	if err != nil {
		return nil, err
	}
	list, err := decodeList(comments)
	if err != nil {
		return nil, err
	}
	r.SkillID = skill.String
	r.CompletedOnTime = onTime != 0
	r.OutputQuality = Quality(quality.String)
	r.Comment = comment.String
	r.Status = Status(status)
	r.DisputeReason = reason.String
	r.DisputeResolvedAt = database.TimeOf(resolvedAt)
	r.Resolution = Resolution(resolution.String)
	r.DisputeComments = list
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return &r, nil
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d          Dispute
		reason     sql.NullString
		evidence   sql.NullString
		filedAt    int64
		resolved   int
		resolution sql.NullString
		comments   sql.NullString
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.ReviewID, &d.FiledBy, &reason, &evidence, &filedAt, &resolved, &resolution,
		&comments, &resolvedAt, &d.Version)
	if err != nil {
		return nil, err
	}
	list, err := decodeList(evidence)
	if err != nil {
		return nil, err
	}
	d.Reason = reason.String
	d.Evidence = list
	d.FiledAt = time.Unix(0, filedAt).UTC()
	d.Resolved = resolved != 0
	d.Resolution = Resolution(resolution.String)
	d.ResolverComments = comments.String
	d.ResolvedAt = database.TimeOf(resolvedAt)
	return &d, nil
}

func scanVote(row scanner) (*Vote, error) {
	var (
		v       Vote
		helpful int
		votedAt int64
	)
	if err := row.Scan(&v.ID, &v.ReviewID, &v.Voter, &helpful, &votedAt); err != nil {
		return nil, err
	}
	v.Helpful = helpful != 0
	v.VotedAt = time.Unix(0, votedAt).UTC()
	return &v, nil
}

func encodeList(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码列表字段失败")
	}
	return string(raw), nil
}

func decodeList(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw.String), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLStore)(nil)

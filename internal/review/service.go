package review

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/reputation"
	"trustyclaw/pkg/keylock"
	"trustyclaw/pkg/logger"
)

const (
	// DefaultListLimit 是 AgentReviews 的默认返回条数。
	DefaultListLimit = 50
	// DefaultMinReviews 是计算评级所需的最少已提交评价数。
	DefaultMinReviews = 1
)

// SubmitHook 在评价提交成功后被调用。
type SubmitHook func(ctx context.Context, review *Review)

// Service 负责评价的生命周期管理与评级聚合。
type Service struct {
	store      Store
	formula    reputation.Formula
	minReviews int
	hooks      []SubmitHook
	now        func() time.Time
	log        *slog.Logger
	locks      keylock.Locker
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithFormula 指定评级所用的公式，默认按平均分分档。
func WithFormula(f reputation.Formula) Option {
	return func(s *Service) {
		if f != nil {
			s.formula = f
		}
	}
}

// WithMinReviews 覆盖 TopAgents 使用的最少评价数。
func WithMinReviews(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minReviews = n
		}
	}
}

// WithSubmitHook 注册评价提交后的回调。
func WithSubmitHook(hook SubmitHook) Option {
	return func(s *Service) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// WithClock 注入时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService 创建评价服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		formula:    reputation.TierFormula{},
		minReviews: DefaultMinReviews,
		now:        time.Now,
		log:        logger.Named("review"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateRequest 描述一条新评价。
type CreateRequest struct {
	Provider        string  `json:"provider"`
	Renter          string  `json:"renter"`
	SkillID         string  `json:"skill_id"`
	Rating          int     `json:"rating"`
	CompletedOnTime bool    `json:"completed_on_time"`
	OutputQuality   Quality `json:"output_quality"`
	Comment         string  `json:"comment"`
}

// CreateReview 创建 PENDING 状态的评价。评价即使无效也会被保存，提交时才拒绝。
func (s *Service) CreateReview(ctx context.Context, req CreateRequest) (*Review, error) {
	quality := req.OutputQuality
	if quality == "" {
		quality = QualityGood
	}
	review := &Review{
		ID:              newID("review-"),
		Provider:        strings.TrimSpace(req.Provider),
		Renter:          strings.TrimSpace(req.Renter),
		SkillID:         req.SkillID,
		Rating:          req.Rating,
		CompletedOnTime: req.CompletedOnTime,
		OutputQuality:   quality,
		Comment:         req.Comment,
		CreatedAt:       s.now().UTC(),
		Status:          StatusPending,
	}
	if err := s.store.CreateReview(ctx, review); err != nil {
		return nil, err
	}
	s.log.Debug("评价已创建", slog.String("review_id", review.ID), slog.String("provider", review.Provider))
	return cloneReview(review), nil
}

// GetReview 返回指定评价。
func (s *Service) GetReview(ctx context.Context, id string) (*Review, error) {
	return s.store.GetReview(ctx, id)
}

// SubmitReview 校验并提交评价，之后评价计入评级。
func (s *Service) SubmitReview(ctx context.Context, id string) (*Review, error) {
	review, err := s.mutate(ctx, id, func(r *Review) error {
		next, ok := Next(r.Status, EventSubmit)
		if !ok {
			return invalidState(r, EventSubmit)
		}
		if err := r.Validate(); err != nil {
			return err
		}
		r.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("review submitted",
		slog.String("review_id", review.ID),
		slog.String("provider", review.Provider),
		slog.Int("rating", review.Rating),
	)
	for _, hook := range s.hooks {
		hook(ctx, cloneReview(review))
	}
	return review, nil
}

// AgentReviews 按创建时间倒序返回代理收到的评价，limit <= 0 时使用默认值。
func (s *Service) AgentReviews(ctx context.Context, agent string, status Status, limit int) ([]*Review, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListReviews(ctx, Query{Provider: agent, Status: status, Limit: limit})
}

// FileDispute 对已提交的评价发起争议。
func (s *Service) FileDispute(ctx context.Context, reviewID, filedBy, reason string, evidence []string) (*Dispute, error) {
	if strings.TrimSpace(filedBy) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "filed_by is required")
	}
	dispute := &Dispute{
		ID:       newID("dispute-"),
		ReviewID: reviewID,
		FiledBy:  filedBy,
		Reason:   reason,
		Evidence: append([]string(nil), evidence...),
		FiledAt:  s.now().UTC(),
	}

	unlock := s.locks.Lock(reviewID)
	defer unlock()

	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	next, ok := Next(review.Status, EventDispute)
	if !ok {
		return nil, invalidState(review, EventDispute)
	}
	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		return nil, err
	}
	review.Status = next
	review.DisputeReason = reason
	if err := s.store.UpdateReview(ctx, review); err != nil {
		return nil, err
	}

	logger.Audit().Info("review disputed",
		slog.String("review_id", reviewID),
		slog.String("dispute_id", dispute.ID),
		slog.String("filed_by", filedBy),
	)
	return cloneDispute(dispute), nil
}

// ResolveDispute 处理争议并将评价置为 RESOLVED。
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, resolution Resolution, comments string) (*Dispute, error) {
	if !resolution.valid() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown resolution %q", resolution)
	}
	dispute, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(dispute.ReviewID)
	defer unlock()

	dispute, err = s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Resolved {
		return nil, xerrors.New(CodeDisputeResolved, "dispute "+disputeID+" already resolved",
			xerrors.WithMetadata("dispute_id", disputeID))
	}
	review, err := s.store.GetReview(ctx, dispute.ReviewID)
	if err != nil {
		return nil, err
	}
	next, ok := Next(review.Status, EventResolve)
	if !ok {
		return nil, invalidState(review, EventResolve)
	}

	now := s.now().UTC()
	dispute.Resolved = true
	dispute.Resolution = resolution
	dispute.ResolverComments = comments
	dispute.ResolvedAt = &now
	if err := s.store.UpdateDispute(ctx, dispute); err != nil {
		return nil, err
	}

	review.Status = next
	review.Resolution = resolution
	review.DisputeResolvedAt = &now
	if comments != "" {
		review.DisputeComments = append(review.DisputeComments, comments)
	}
	if err := s.store.UpdateReview(ctx, review); err != nil {
		return nil, err
	}

	logger.Audit().Info("review dispute resolved",
		slog.String("dispute_id", disputeID),
		slog.String("review_id", review.ID),
		slog.String("resolution", string(resolution)),
	)
	return cloneDispute(dispute), nil
}

// GetDispute 返回指定争议。
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ReviewDisputes 返回评价的全部争议。
func (s *Service) ReviewDisputes(ctx context.Context, reviewID string) ([]*Dispute, error) {
	if _, err := s.store.GetReview(ctx, reviewID); err != nil {
		return nil, err
	}
	return s.store.ListDisputes(ctx, reviewID)
}

// VoteReview 记录投票人对评价的有用性投票。重复相同投票不改变计数，改票时两边计数同时调整。
func (s *Service) VoteReview(ctx context.Context, reviewID, voter string, helpful bool) (*Vote, error) {
	if strings.TrimSpace(voter) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "voter is required")
	}

	unlock := s.locks.Lock(reviewID)
	defer unlock()

	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	previous, voted, err := s.store.GetVote(ctx, reviewID, voter)
	if err != nil {
		return nil, err
	}
	if voted && previous.Helpful == helpful {
		return previous, nil
	}

	vote := &Vote{
		ID:       newID("vote-"),
		ReviewID: reviewID,
		Voter:    voter,
		Helpful:  helpful,
		VotedAt:  s.now().UTC(),
	}
	if voted {
		vote.ID = previous.ID
		if previous.Helpful {
			review.HelpfulVotes--
		} else {
			review.UnhelpfulVotes--
		}
	}
	if helpful {
		review.HelpfulVotes++
	} else {
		review.UnhelpfulVotes++
	}

	if err := s.store.PutVote(ctx, vote); err != nil {
		return nil, err
	}
	if err := s.store.UpdateReview(ctx, review); err != nil {
		return nil, err
	}
	return vote, nil
}

// ReviewVotes 返回评价的投票计数。
func (s *Service) ReviewVotes(ctx context.Context, reviewID string) (VoteTally, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return VoteTally{}, err
	}
	return VoteTally{Helpful: review.HelpfulVotes, Unhelpful: review.UnhelpfulVotes}, nil
}

// Archive 归档评价。
func (s *Service) Archive(ctx context.Context, id string) (*Review, error) {
	review, err := s.mutate(ctx, id, func(r *Review) error {
		next, ok := Next(r.Status, EventArchive)
		if !ok {
			return invalidState(r, EventArchive)
		}
		r.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("review archived", slog.String("review_id", id))
	return review, nil
}

// ExportJSON 导出代理收到的全部评价。
func (s *Service) ExportJSON(ctx context.Context, agent string) ([]byte, error) {
	reviews, err := s.store.ListReviews(ctx, Query{Provider: agent})
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []*Review{}
	}
	return json.MarshalIndent(reviews, "", "  ")
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Review) error) (*Review, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	review, err := s.store.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(review); err != nil {
		return nil, err
	}
	if err := s.store.UpdateReview(ctx, review); err != nil {
		return nil, err
	}
	return cloneReview(review), nil
}

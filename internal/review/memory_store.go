package review

import (
	"context"
	"sort"
	"sync"

	xerrors "trustyclaw/internal/errors"
)

// MemoryStore 以内存方式保存评价数据。
type MemoryStore struct {
	mu       sync.RWMutex
	reviews  map[string]*Review
	order    []string
	disputes map[string]*Dispute
	dOrder   []string
	votes    map[string]map[string]*Vote
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reviews:  make(map[string]*Review),
		disputes: make(map[string]*Dispute),
		votes:    make(map[string]map[string]*Vote),
	}
}

func (m *MemoryStore) CreateReview(_ context.Context, review *Review) error {
	if review == nil || review.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "评价 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[review.ID]; ok {
		return xerrors.New(CodeReviewConflict, "评价已存在")
	}
	review.Version = 1
	m.reviews[review.ID] = cloneReview(review)
	m.order = append(m.order, review.ID)
	return nil
}

func (m *MemoryStore) GetReview(_ context.Context, id string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	review, ok := m.reviews[id]
	if !ok {
		return nil, reviewNotFound(id)
	}
	return cloneReview(review), nil
}

func (m *MemoryStore) UpdateReview(_ context.Context, review *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.reviews[review.ID]
	if !ok {
		return reviewNotFound(review.ID)
	}
	if current.Version != review.Version {
		return ErrReviewConflict
	}
	review.Version++
	m.reviews[review.ID] = cloneReview(review)
	return nil
}

func (m *MemoryStore) ListReviews(_ context.Context, q Query) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Review, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.reviews[m.order[i]]
		if q.Provider != "" && r.Provider != q.Provider {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		results = append(results, cloneReview(r))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (m *MemoryStore) Providers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var providers []string
	for _, id := range m.order {
		p := m.reviews[id].Provider
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, nil
}

func (m *MemoryStore) CreateDispute(_ context.Context, dispute *Dispute) error {
	if dispute == nil || dispute.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "争议 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[dispute.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "争议已存在")
	}
	dispute.Version = 1
	m.disputes[dispute.ID] = cloneDispute(dispute)
	m.dOrder = append(m.dOrder, dispute.ID)
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dispute, ok := m.disputes[id]
	if !ok {
		return nil, disputeNotFound(id)
	}
	return cloneDispute(dispute), nil
}

func (m *MemoryStore) UpdateDispute(_ context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.disputes[dispute.ID]
	if !ok {
		return disputeNotFound(dispute.ID)
	}
	if current.Version != dispute.Version {
		return xerrors.New(xerrors.CodeConflict, "争议已被并发修改")
	}
	dispute.Version++
	m.disputes[dispute.ID] = cloneDispute(dispute)
	return nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, reviewID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, id := range m.dOrder {
		d := m.disputes[id]
		if d.ReviewID == reviewID {
			out = append(out, cloneDispute(d))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetVote(_ context.Context, reviewID, voter string) (*Vote, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vote, ok := m.votes[reviewID][voter]
	if !ok {
		return nil, false, nil
	}
	v := *vote
	return &v, true, nil
}

func (m *MemoryStore) PutVote(_ context.Context, vote *Vote) error {
	if vote == nil || vote.ReviewID == "" || vote.Voter == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投票缺少评价或投票人")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byVoter, ok := m.votes[vote.ReviewID]
	if !ok {
		byVoter = make(map[string]*Vote)
		m.votes[vote.ReviewID] = byVoter
	}
	v := *vote
	byVoter[vote.Voter] = &v
	return nil
}

func (m *MemoryStore) ListVotes(_ context.Context, reviewID string) ([]*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Vote, 0, len(m.votes[reviewID]))
	for _, vote := range m.votes[reviewID] {
		v := *vote
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VotedAt.Before(out[j].VotedAt)
	})
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

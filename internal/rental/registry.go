package rental

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/pkg/logger"

	"github.com/google/uuid"
)

// RefundFeePercent 是退款时平台保留的费用比例。
const RefundFeePercent = 1

// Registry 持有全部租赁托管记录。
type Registry struct {
	mu      sync.RWMutex
	rentals map[string]*Rental
	now     func() time.Time
	log     *slog.Logger
}

// Option 定义 Registry 的可选配置。
type Option func(*Registry)

// WithClock 注入时间源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry 创建空的 Registry。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rentals: make(map[string]*Rental),
		now:     time.Now,
		log:     logger.Named("rental"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CreateRequest 描述创建租赁托管所需的条款。
type CreateRequest struct {
	Renter          string        `json:"renter"`
	Provider        string        `json:"provider"`
	SkillID         string        `json:"skill_id"`
	Amount          ledger.Amount `json:"amount"`
	DurationHours   int           `json:"duration_hours"`
	DeliverableHash string        `json:"deliverable_hash"`
}

func (req CreateRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Renter) == "" || strings.TrimSpace(req.Provider) == "":
		return xerrors.New(CodeRentalInvalidTerms, "renter and provider are required")
	case strings.TrimSpace(req.SkillID) == "":
		return xerrors.New(CodeRentalInvalidTerms, "skill id is required")
	case req.Amount <= 0:
		return xerrors.New(CodeRentalInvalidTerms, "amount must be positive")
	case req.DurationHours <= 0:
		return xerrors.New(CodeRentalInvalidTerms, "duration must be positive")
	}
	return nil
}

// Create 以 CREATED 状态登记新的租赁托管。
func (r *Registry) Create(_ context.Context, req CreateRequest) (*Rental, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	rental := &Rental{
		ID:      "escrow-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Address: ledger.DeriveEscrowAddress(req.Provider, req.SkillID),
		Terms: Terms{
			Renter:          req.Renter,
			Provider:        req.Provider,
			SkillID:         req.SkillID,
			Amount:          req.Amount,
			DurationHours:   req.DurationHours,
			DeliverableHash: req.DeliverableHash,
			CreatedAt:       now,
			ExpiresAt:       now.Add(time.Duration(req.DurationHours) * time.Hour),
		},
		State:     StateCreated,
		CreatedAt: now,
	}

	r.mu.Lock()
	r.rentals[rental.ID] = rental
	r.mu.Unlock()

	logger.Audit().Info("rental escrow created",
		slog.String("escrow_id", rental.ID),
		slog.String("renter", req.Renter),
		slog.String("provider", req.Provider),
		slog.Int64("amount", int64(req.Amount)),
	)
	return cloneRental(rental), nil
}

// Get 返回租赁托管记录。
func (r *Registry) Get(_ context.Context, id string) (*Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rental, ok := r.rentals[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneRental(rental), nil
}

// ByParticipant 返回 address 作为租户或提供方参与的记录，可按状态过滤，按创建时间倒序。
func (r *Registry) ByParticipant(_ context.Context, address string, states ...State) []*Rental {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(address, states)
}

func (r *Registry) filterLocked(address string, states []State) []*Rental {
	out := make([]*Rental, 0)
	for _, rental := range r.rentals {
		if address != "" && rental.Terms.Renter != address && rental.Terms.Provider != address {
			continue
		}
		if len(states) > 0 && !containsState(states, rental.State) {
			continue
		}
		out = append(out, cloneRental(rental))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Fund 记录租户注资。
func (r *Registry) Fund(ctx context.Context, id string) (*Rental, error) {
	return r.apply(ctx, id, EventFund, func(rental *Rental, now time.Time) {
		rental.FundedAt = &now
	})
}

// Activate 表示提供方开始工作。
func (r *Registry) Activate(ctx context.Context, id string) (*Rental, error) {
	return r.apply(ctx, id, EventActivate, nil)
}

// Complete 记录提供方提交的交付物哈希。
func (r *Registry) Complete(ctx context.Context, id, deliverableHash string) (*Rental, error) {
	return r.apply(ctx, id, EventComplete, func(rental *Rental, now time.Time) {
		rental.CompletedAt = &now
		rental.ActualDeliverableHash = deliverableHash
	})
}

// VerifyDeliverable 比较期望哈希与实际交付哈希。
func (r *Registry) VerifyDeliverable(ctx context.Context, id, expectedHash string) Verification {
	rental, err := r.Get(ctx, id)
	if err != nil {
		return Verification{Error: "Escrow not found"}
	}
	if rental.ActualDeliverableHash == "" {
		return Verification{Error: "No deliverable submitted"}
	}
	return Verification{
		Valid:    rental.ActualDeliverableHash == expectedHash,
		Expected: expectedHash,
		Actual:   rental.ActualDeliverableHash,
	}
}

// Release 向提供方放款，ACTIVE 与 COMPLETED 状态均可。
func (r *Registry) Release(ctx context.Context, id string) (*Rental, error) {
	return r.apply(ctx, id, EventRelease, func(rental *Rental, now time.Time) {
		rental.ReleasedAt = &now
	})
}

// ReleaseAmount 返回放款金额，即全部本金。
func (r *Registry) ReleaseAmount(ctx context.Context, id string) (ledger.Amount, error) {
	rental, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rental.Terms.Amount, nil
}

// Refund 退款给租户。
func (r *Registry) Refund(ctx context.Context, id string) (*Rental, error) {
	return r.apply(ctx, id, EventRefund, func(rental *Rental, now time.Time) {
		rental.RefundedAt = &now
	})
}

// RefundAmount 返回扣除平台费用后的退款金额，向下取整。
func (r *Registry) RefundAmount(ctx context.Context, id string) (ledger.Amount, error) {
	rental, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return refundOf(rental.Terms.Amount), nil
}

func refundOf(amount ledger.Amount) ledger.Amount {
	return amount * (100 - RefundFeePercent) / 100
}

// Dispute 对进行中或已完成的托管发起争议。
func (r *Registry) Dispute(ctx context.Context, id, reason string) (*Rental, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "dispute reason is required")
	}
	rental, err := r.apply(ctx, id, EventDispute, func(rental *Rental, _ time.Time) {
		rental.DisputeReason = reason
	})
	if err == nil {
		logger.Audit().Warn("rental escrow disputed", slog.String("escrow_id", id), slog.String("reason", reason))
	}
	return rental, err
}

// ResolveDispute 裁决争议。split 时 providerPercent 为提供方所得比例，记为放款。
func (r *Registry) ResolveDispute(ctx context.Context, id string, resolution Resolution, providerPercent int) (*Rental, error) {
	var event Event
	switch resolution {
	case ResolutionReleased:
		event, providerPercent = EventResolve, 100
	case ResolutionRefunded:
		event, providerPercent = EventResolveRefund, 0
	case ResolutionSplit:
		if providerPercent < 0 || providerPercent > 100 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "split percentage %d out of range", providerPercent)
		}
		event = EventResolve
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown resolution %q", resolution)
	}
	return r.apply(ctx, id, event, func(rental *Rental, now time.Time) {
		provider := rental.Terms.Amount * ledger.Amount(providerPercent) / 100
		rental.Settlement = &Settlement{Provider: provider, Renter: rental.Terms.Amount - provider}
		if event == EventResolveRefund {
			rental.RefundedAt = &now
		} else {
			rental.ReleasedAt = &now
		}
		rental.DisputeResolvedAt = &now
		rental.DisputeResolution = resolution
	})
}

// Cancel 取消尚未注资的托管。
func (r *Registry) Cancel(ctx context.Context, id string) (*Rental, error) {
	return r.apply(ctx, id, EventCancel, nil)
}

// ExportJSON 以缩进 JSON 导出记录，address 为空时导出全部。
func (r *Registry) ExportJSON(_ context.Context, address string) ([]byte, error) {
	r.mu.RLock()
	rentals := r.filterLocked(address, nil)
	r.mu.RUnlock()
	return json.MarshalIndent(rentals, "", "  ")
}

// apply 在单个临界区内校验迁移并写入状态与时间戳。
func (r *Registry) apply(_ context.Context, id string, event Event, mutate func(*Rental, time.Time)) (*Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rental, ok := r.rentals[id]
	if !ok {
		return nil, notFound(id)
	}
	next, ok := Next(rental.State, event)
	if !ok {
		return nil, invalidState(rental, event)
	}
	updated := cloneRental(rental)
	updated.State = next
	if mutate != nil {
		mutate(updated, r.now().UTC())
	}
	r.rentals[id] = updated

	r.log.Debug("租赁托管状态迁移", slog.String("escrow_id", id), slog.String("event", string(event)))
	logger.Audit().Info("rental escrow transition",
		slog.String("escrow_id", id),
		slog.String("from", string(rental.State)),
		slog.String("to", string(next)),
		slog.Int64("amount", int64(updated.Terms.Amount)),
	)
	return cloneRental(updated), nil
}

func containsState(states []State, state State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

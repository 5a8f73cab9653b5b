// Package review 管理代理评价的提交、争议与投票，并基于已提交评价聚合代理评级。
package review

import (
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"

	"github.com/google/uuid"
)

// Status 表示评价的生命周期状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusDisputed  Status = "disputed"
	StatusResolved  Status = "resolved"
	StatusArchived  Status = "archived"
)

// Event 驱动评价状态迁移。
type Event string

const (
	EventSubmit  Event = "submit"
	EventDispute Event = "dispute"
	EventResolve Event = "resolve"
	EventArchive Event = "archive"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventSubmit: StatusSubmitted,
	},
	StatusSubmitted: {
		EventDispute: StatusDisputed,
		EventArchive: StatusArchived,
	},
	StatusDisputed: {
		EventResolve: StatusResolved,
	},
	StatusResolved: {
		EventArchive: StatusArchived,
	},
}

// Next 返回在 status 上应用 event 后的状态。
func Next(status Status, event Event) (Status, bool) {
	next, ok := transitions[status][event]
	return next, ok
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Quality 是租用方对产出质量的评估。
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Qualities 按从好到差的顺序列出全部质量档位。
var Qualities = []Quality{QualityExcellent, QualityGood, QualityFair, QualityPoor}

func (q Quality) valid() bool {
	for _, v := range Qualities {
		if q == v {
			return true
		}
	}
	return false
}

// Resolution 是争议的处理结论。
type Resolution string

const (
	ResolutionApproved  Resolution = "approved"
	ResolutionRejected  Resolution = "rejected"
	ResolutionModified  Resolution = "modified"
	ResolutionEscalated Resolution = "escalated"
)

func (r Resolution) valid() bool {
	switch r {
	case ResolutionApproved, ResolutionRejected, ResolutionModified, ResolutionEscalated:
		return true
	}
	return false
}

// Review 是租用方对提供方的一条评价。
type Review struct {
	ID                string     `json:"review_id"`
	Provider          string     `json:"provider"`
	Renter            string     `json:"renter"`
	SkillID           string     `json:"skill_id"`
	Rating            int        `json:"rating"`
	CompletedOnTime   bool       `json:"completed_on_time"`
	OutputQuality     Quality    `json:"output_quality"`
	Comment           string     `json:"comment"`
	CreatedAt         time.Time  `json:"created_at"`
	Status            Status     `json:"status"`
	DisputeReason     string     `json:"dispute_reason,omitempty"`
	DisputeResolvedAt *time.Time `json:"dispute_resolved_at,omitempty"`
	Resolution        Resolution `json:"resolution,omitempty"`
	DisputeComments   []string   `json:"dispute_comments"`
	HelpfulVotes      int        `json:"helpful_votes"`
	UnhelpfulVotes    int        `json:"unhelpful_votes"`
	Version           int64      `json:"-"`
}

// Validate 检查评分区间与参与方。
func (r *Review) Validate() error {
	if r.Rating < 1 || r.Rating > 5 {
		return xerrors.Newf(CodeReviewInvalid, "rating %d out of range 1-5", r.Rating)
	}
	if strings.TrimSpace(r.Provider) == "" || strings.TrimSpace(r.Renter) == "" {
		return xerrors.New(CodeReviewInvalid, "provider and renter are required")
	}
	if r.OutputQuality != "" && !r.OutputQuality.valid() {
		return xerrors.Newf(CodeReviewInvalid, "unknown output quality %q", r.OutputQuality)
	}
	return nil
}

// Dispute 是针对一条评价的争议。
type Dispute struct {
	ID               string     `json:"dispute_id"`
	ReviewID         string     `json:"review_id"`
	FiledBy          string     `json:"filed_by"`
	Reason           string     `json:"reason"`
	Evidence         []string   `json:"evidence"`
	FiledAt          time.Time  `json:"filed_at"`
	Resolved         bool       `json:"resolved"`
	Resolution       Resolution `json:"resolution,omitempty"`
	ResolverComments string     `json:"resolver_comments,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	Version          int64      `json:"-"`
}

// Vote 是一次有用/无用投票，每个投票人对每条评价仅保留一票。
type Vote struct {
	ID       string    `json:"vote_id"`
	ReviewID string    `json:"review_id"`
	Voter    string    `json:"voter"`
	Helpful  bool      `json:"helpful"`
	VotedAt  time.Time `json:"voted_at"`
}

// VoteTally 是评价的投票计数。
type VoteTally struct {
	Helpful   int `json:"helpful"`
	Unhelpful int `json:"unhelpful"`
}

const (
	CodeReviewNotFound     xerrors.Code = "REVIEW_NOT_FOUND"
	CodeReviewInvalid      xerrors.Code = "REVIEW_INVALID"
	CodeReviewInvalidState xerrors.Code = "REVIEW_INVALID_STATE"
	CodeReviewConflict     xerrors.Code = "REVIEW_CONFLICT"
	CodeDisputeNotFound    xerrors.Code = "DISPUTE_NOT_FOUND"
	CodeDisputeResolved    xerrors.Code = "DISPUTE_RESOLVED"
)

var (
	// ErrReviewNotFound 表示评价不存在。
	ErrReviewNotFound = xerrors.New(CodeReviewNotFound, "review not found")
	// ErrReviewConflict 表示评价被并发修改。
	ErrReviewConflict = xerrors.New(CodeReviewConflict, "review conflict")
	// ErrDisputeNotFound 表示争议不存在。
	ErrDisputeNotFound = xerrors.New(CodeDisputeNotFound, "dispute not found")
)

func init() {
	xerrors.Register(CodeReviewNotFound, xerrors.Attributes{
		Message:  "review not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReviewInvalid, xerrors.Attributes{
		Message:  "review is invalid",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReviewInvalidState, xerrors.Attributes{
		Message:  "review in invalid state",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReviewConflict, xerrors.Attributes{
		Message:  "review conflict",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDisputeNotFound, xerrors.Attributes{
		Message:  "dispute not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeResolved, xerrors.Attributes{
		Message:  "dispute already resolved",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
}

func reviewNotFound(id string) error {
	return xerrors.New(CodeReviewNotFound, "review "+id+" not found", xerrors.WithMetadata("review_id", id))
}

func disputeNotFound(id string) error {
	return xerrors.New(CodeDisputeNotFound, "dispute "+id+" not found", xerrors.WithMetadata("dispute_id", id))
}

func invalidState(r *Review, event Event) error {
	var required []string
	for _, status := range []Status{StatusPending, StatusSubmitted, StatusDisputed, StatusResolved} {
		if _, ok := transitions[status][event]; ok {
			required = append(required, string(status))
		}
	}
	return xerrors.New(CodeReviewInvalidState,
		"review "+r.ID+" cannot "+string(event)+" from "+string(r.Status)+" state",
		xerrors.WithMetadata("review_id", r.ID),
		xerrors.WithTransition(string(r.Status), strings.Join(required, "|")),
	)
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func cloneReview(in *Review) *Review {
	if in == nil {
		return nil
	}
	out := *in
	if in.DisputeResolvedAt != nil {
		t := *in.DisputeResolvedAt
		out.DisputeResolvedAt = &t
	}
	out.DisputeComments = append([]string(nil), in.DisputeComments...)
	return &out
}

func cloneDispute(in *Dispute) *Dispute {
	if in == nil {
		return nil
	}
	out := *in
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Evidence = append([]string(nil), in.Evidence...)
	return &out
}

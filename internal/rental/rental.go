// Package rental 实现基于条款的技能租赁托管：条款创建后不可修改，
// 状态按固定迁移表推进，并支持交付物哈希校验与争议裁决。
package rental

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
)

// State 表示租赁托管的生命周期状态。
type State string

const (
	StateCreated   State = "created"
	StateFunded    State = "funded"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDisputed  State = "disputed"
	StateReleased  State = "released"
	StateRefunded  State = "refunded"
	StateCancelled State = "cancelled"
)

// Event 驱动状态迁移。
type Event string

const (
	EventFund     Event = "fund"
	EventActivate Event = "activate"
	EventComplete Event = "complete"
	EventRelease  Event = "release"
	EventRefund   Event = "refund"
	EventDispute  Event = "dispute"
	EventResolve  Event = "resolve"
	EventCancel   Event = "cancel"
	// EventResolveRefund 仅用于争议裁决为退款的情形。
	EventResolveRefund Event = "resolve_refund"
)

// release 可在 ACTIVE 直接发生，允许未正式完成时提前放款。
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventFund:   StateFunded,
		EventCancel: StateCancelled,
	},
	StateFunded: {
		EventActivate: StateActive,
		EventRefund:   StateRefunded,
	},
	StateActive: {
		EventComplete: StateCompleted,
		EventRelease:  StateReleased,
		EventRefund:   StateRefunded,
		EventDispute:  StateDisputed,
	},
	StateCompleted: {
		EventRelease: StateReleased,
		EventDispute: StateDisputed,
	},
	StateDisputed: {
		EventResolve:       StateReleased,
		EventResolveRefund: StateRefunded,
	},
}

// Next 返回在 state 上应用 event 后的状态。
func Next(state State, event Event) (State, bool) {
	next, ok := transitions[state][event]
	return next, ok
}

// Terms 是创建后不可修改的租赁条款。
type Terms struct {
	Renter          string        `json:"renter"`
	Provider        string        `json:"provider"`
	SkillID         string        `json:"skill_id"`
	Amount          ledger.Amount `json:"amount"`
	DurationHours   int           `json:"duration_hours"`
	DeliverableHash string        `json:"deliverable_hash"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
}

// Resolution 是争议裁决方式。
type Resolution string

const (
	ResolutionReleased Resolution = "released"
	ResolutionRefunded Resolution = "refunded"
	ResolutionSplit    Resolution = "split"
)

// Settlement 记录裁决后双方应得金额。
type Settlement struct {
	Provider ledger.Amount `json:"provider"`
	Renter   ledger.Amount `json:"renter"`
}

// Rental 是一条完整的租赁托管记录。
type Rental struct {
	ID                    string      `json:"escrow_id"`
	Address               string      `json:"escrow_address"`
	Terms                 Terms       `json:"terms"`
	State                 State       `json:"state"`
	FundedAt              *time.Time  `json:"funded_at"`
	CompletedAt           *time.Time  `json:"completed_at"`
	ReleasedAt            *time.Time  `json:"released_at"`
	RefundedAt            *time.Time  `json:"refunded_at"`
	DisputeReason         string      `json:"dispute_reason,omitempty"`
	DisputeResolvedAt     *time.Time  `json:"dispute_resolved_at"`
	DisputeResolution     Resolution  `json:"dispute_resolution,omitempty"`
	Settlement            *Settlement `json:"settlement,omitempty"`
	ActualDeliverableHash string      `json:"actual_deliverable_hash,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

// MarshalJSON 在导出中附加 amount_usd。
func (r Rental) MarshalJSON() ([]byte, error) {
	type alias Rental
	return json.Marshal(struct {
		alias
		AmountUSD float64 `json:"amount_usd"`
	}{alias: alias(r), AmountUSD: r.Terms.Amount.Float()})
}

// Verification 是交付物校验结果，哈希不一致不视为错误。
type Verification struct {
	Valid    bool   `json:"valid"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Error    string `json:"error,omitempty"`
}

const (
	CodeRentalNotFound     xerrors.Code = "RENTAL_NOT_FOUND"
	CodeRentalInvalidState xerrors.Code = "RENTAL_INVALID_STATE"
	CodeRentalInvalidTerms xerrors.Code = "RENTAL_INVALID_TERMS"
)

// ErrRentalNotFound 表示租赁托管不存在。
var ErrRentalNotFound = xerrors.New(CodeRentalNotFound, "rental escrow not found")

func init() {
	xerrors.Register(CodeRentalNotFound, xerrors.Attributes{
		Message:  "rental escrow not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRentalInvalidState, xerrors.Attributes{
		Message:  "rental escrow in invalid state",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRentalInvalidTerms, xerrors.Attributes{
		Message:  "invalid rental terms",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
}

func notFound(id string) error {
	return xerrors.New(CodeRentalNotFound, "escrow "+id+" not found", xerrors.WithMetadata("escrow_id", id))
}

func invalidState(r *Rental, event Event) error {
	var required []string
	for _, state := range []State{StateCreated, StateFunded, StateActive, StateCompleted, StateDisputed} {
		if _, ok := transitions[state][event]; ok {
			required = append(required, string(state))
		}
	}
	return xerrors.New(CodeRentalInvalidState,
		"escrow "+r.ID+" cannot "+string(event)+" from "+string(r.State)+" state",
		xerrors.WithMetadata("escrow_id", r.ID),
		xerrors.WithTransition(string(r.State), strings.Join(required, "|")),
	)
}

func cloneRental(in *Rental) *Rental {
	if in == nil {
		return nil
	}
	out := *in
	for _, p := range []**time.Time{&out.FundedAt, &out.CompletedAt, &out.ReleasedAt, &out.RefundedAt, &out.DisputeResolvedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	if in.Settlement != nil {
		s := *in.Settlement
		out.Settlement = &s
	}
	return &out
}

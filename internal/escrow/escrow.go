package escrow

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"

	"github.com/google/uuid"
)

// Status 表示托管支付的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Event 驱动托管状态迁移。
type Event string

const (
	EventFund    Event = "fund"
	EventRelease Event = "release"
	EventRefund  Event = "refund"
	EventDispute Event = "dispute"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventFund: StatusFunded,
	},
	StatusFunded: {
		EventRelease: StatusReleased,
		EventRefund:  StatusRefunded,
		EventDispute: StatusDisputed,
	},
	StatusDisputed: {
		EventRelease: StatusReleased,
		EventRefund:  StatusRefunded,
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

// Escrow 是与一个支付意图一一对应的托管记录。
type Escrow struct {
	ID            string            `json:"escrow_id"`
	IntentID      string            `json:"payment_intent_id"`
	Amount        ledger.Amount     `json:"amount"`
	From          string            `json:"from_wallet"`
	To            string            `json:"to_wallet"`
	Status        Status            `json:"status"`
	FundedAt      *time.Time        `json:"funded_at"`
	ReleasedAt    *time.Time        `json:"released_at"`
	RefundedAt    *time.Time        `json:"refunded_at"`
	Signatures    map[string]string `json:"signatures"`
	DisputedBy    string            `json:"disputed_by,omitempty"`
	DisputeReason string            `json:"dispute_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Version       int64             `json:"-"`
}

// AmountUSD 返回托管金额的美元值。
func (e *Escrow) AmountUSD() float64 {
	return e.Amount.Float()
}

// SignedBy 返回已签名的不同签名者数量。
func (e *Escrow) SignedBy() int {
	return len(e.Signatures)
}

// MarshalJSON 在导出中附加 amount_usd。
func (e Escrow) MarshalJSON() ([]byte, error) {
	type alias Escrow
	if e.Signatures == nil {
		e.Signatures = map[string]string{}
	}
	return json.Marshal(struct {
		alias
		AmountUSD float64 `json:"amount_usd"`
	}{alias: alias(e), AmountUSD: e.Amount.Float()})
}

const (
	CodeEscrowNotFound           xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowConflict           xerrors.Code = "ESCROW_CONFLICT"
	CodeEscrowInvalidState       xerrors.Code = "ESCROW_INVALID_STATE"
	CodeEscrowMultisigIncomplete xerrors.Code = "ESCROW_MULTISIG_INCOMPLETE"
)

var (
	// ErrEscrowNotFound 表示托管记录不存在。
	ErrEscrowNotFound = xerrors.New(CodeEscrowNotFound, "escrow not found")
	// ErrEscrowConflict 表示托管记录已存在或被并发修改。
	ErrEscrowConflict = xerrors.New(CodeEscrowConflict, "escrow conflict")
	// ErrEscrowInvalidState 表示当前状态不允许该操作。
	ErrEscrowInvalidState = xerrors.New(CodeEscrowInvalidState, "escrow in invalid state")
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:  "escrow not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{
		Message:  "escrow conflict",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEscrowInvalidState, xerrors.Attributes{
		Message:  "escrow in invalid state",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowMultisigIncomplete, xerrors.Attributes{
		Message:  "escrow release needs more signatures",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
}

func notFound(id string) error {
	return xerrors.New(CodeEscrowNotFound, "escrow "+id+" not found", xerrors.WithMetadata("escrow_id", id))
}

func invalidState(e *Escrow, action string, required ...Status) error {
	names := make([]string, 0, len(required))
	for _, s := range required {
		names = append(names, string(s))
	}
	return xerrors.New(CodeEscrowInvalidState,
		"escrow is "+string(e.Status)+", cannot "+action,
		xerrors.WithMetadata("escrow_id", e.ID),
		xerrors.WithTransition(string(e.Status), strings.Join(names, "|")),
	)
}

func requiredFor(event Event) []Status {
	var out []Status
	for _, status := range []Status{StatusPending, StatusFunded, StatusDisputed} {
		if _, ok := transitions[status][event]; ok {
			out = append(out, status)
		}
	}
	return out
}

func newID() string {
	return "escrow-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func cloneEscrow(in *Escrow) *Escrow {
	if in == nil {
		return nil
	}
	out := *in
	out.FundedAt = cloneTime(in.FundedAt)
	out.ReleasedAt = cloneTime(in.ReleasedAt)
	out.RefundedAt = cloneTime(in.RefundedAt)
	if in.Signatures != nil {
		out.Signatures = make(map[string]string, len(in.Signatures))
		for k, v := range in.Signatures {
			out.Signatures[k] = v
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

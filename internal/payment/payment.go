package payment

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"

	"github.com/google/uuid"
)

// Status 表示支付意图所处的生命周期状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFinalized  Status = "finalized"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Event 驱动状态迁移。
type Event string

const (
	EventBegin    Event = "begin"
	EventSettle   Event = "settle"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
	EventRefund   Event = "refund"
	EventFinalize Event = "finalize"
)

// transitions 是支付意图唯一的状态迁移表。CONFIRMED 一定带有结算签名，
// 不允许再次 begin，否则会产生第二笔转账。
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventBegin:  StatusProcessing,
		EventCancel: StatusCancelled,
	},
	StatusProcessing: {
		EventSettle: StatusConfirmed,
		EventFail:   StatusFailed,
	},
	StatusConfirmed: {
		EventRefund:   StatusCancelled,
		EventFinalize: StatusFinalized,
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

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusConfirmed, StatusFinalized, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Intent 是一次计划中的转账。
type Intent struct {
	ID          string         `json:"intent_id"`
	From        string         `json:"from_wallet"`
	To          string         `json:"to_wallet"`
	Amount      ledger.Amount  `json:"amount"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ExecutedAt  *time.Time     `json:"executed_at"`
	ConfirmedAt *time.Time     `json:"confirmed_at"`
	Signature   string         `json:"signature,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	// Version 用于存储层的乐观并发控制。
	Version int64 `json:"-"`
}

// AmountUSD 返回金额的美元值。
func (i *Intent) AmountUSD() float64 {
	return i.Amount.Float()
}

// MarshalJSON 在导出中附加 amount_usd。
func (i Intent) MarshalJSON() ([]byte, error) {
	type alias Intent
	return json.Marshal(struct {
		alias
		AmountUSD float64 `json:"amount_usd"`
	}{alias: alias(i), AmountUSD: i.Amount.Float()})
}

// Payment 是一次已确认转账的不可变历史记录。
type Payment struct {
	ID          string        `json:"payment_id"`
	IntentID    string        `json:"payment_intent_id"`
	From        string        `json:"from_wallet"`
	To          string        `json:"to_wallet"`
	Amount      ledger.Amount `json:"amount"`
	Description string        `json:"description"`
	Status      Status        `json:"status"`
	Signature   string        `json:"signature"`
	CreatedAt   time.Time     `json:"created_at"`
	ConfirmedAt *time.Time    `json:"confirmed_at"`
}

// AmountUSD 返回金额的美元值。
func (p *Payment) AmountUSD() float64 {
	return p.Amount.Float()
}

// MarshalJSON 在导出中附加 amount_usd。
func (p Payment) MarshalJSON() ([]byte, error) {
	type alias Payment
	return json.Marshal(struct {
		alias
		AmountUSD float64 `json:"amount_usd"`
	}{alias: alias(p), AmountUSD: p.Amount.Float()})
}

// Result 是支付操作的结构化结果，调用方无需解析错误文本。
type Result struct {
	Success     bool         `json:"success"`
	IntentID    string       `json:"payment_intent_id,omitempty"`
	Signature   string       `json:"signature,omitempty"`
	Status      Status       `json:"status,omitempty"`
	ErrorCode   xerrors.Code `json:"error_code,omitempty"`
	Error       string       `json:"error,omitempty"`
	ExplorerURL string       `json:"explorer_url,omitempty"`
}

// FailureResult 根据错误构造失败结果。
func FailureResult(intentID string, err error) Result {
	res := Result{Success: false, IntentID: intentID, ErrorCode: xerrors.CodeOf(err)}
	if e, ok := xerrors.From(err); ok {
		res.Error = e.Message()
	} else if err != nil {
		res.Error = err.Error()
	}
	return res
}

const (
	CodeInvalidAmount         xerrors.Code = "INVALID_AMOUNT"
	CodeBelowMinimum          xerrors.Code = "BELOW_MINIMUM"
	CodeIntentNotFound        xerrors.Code = "INTENT_NOT_FOUND"
	CodeIntentInvalidState    xerrors.Code = "INTENT_INVALID_STATE"
	CodeIntentConflict        xerrors.Code = "INTENT_CONFLICT"
	CodeMultisigIncomplete    xerrors.Code = "MULTISIG_INCOMPLETE"
	CodeMultisigNotRequired   xerrors.Code = "MULTISIG_NOT_REQUIRED"
	CodeSignerUnauthorized    xerrors.Code = "SIGNER_UNAUTHORIZED"
	CodeRecoveryNotConfigured xerrors.Code = "RECOVERY_NOT_CONFIGURED"
	CodeLedgerTransferFailed  xerrors.Code = "LEDGER_TRANSFER_FAILED"
)

var (
	// ErrIntentNotFound 表示支付意图不存在。
	ErrIntentNotFound = xerrors.New(CodeIntentNotFound, "payment intent not found")
	// ErrIntentInvalidState 表示当前状态不允许该操作。
	ErrIntentInvalidState = xerrors.New(CodeIntentInvalidState, "payment intent in invalid state")
	// ErrIntentConflict 表示并发修改导致版本冲突。
	ErrIntentConflict = xerrors.New(CodeIntentConflict, "payment intent modified concurrently")
	// ErrMultisigIncomplete 表示多签尚未收集到签名。
	ErrMultisigIncomplete = xerrors.New(CodeMultisigIncomplete, "multisig required but no signatures collected")
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "amount must be positive",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBelowMinimum, xerrors.Attributes{
		Message:  "amount below minimum",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIntentNotFound, xerrors.Attributes{
		Message:  "payment intent not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIntentInvalidState, xerrors.Attributes{
		Message:  "payment intent in invalid state",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIntentConflict, xerrors.Attributes{
		Message:   "payment intent modified concurrently",
		Kind:      xerrors.KindState,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeMultisigIncomplete, xerrors.Attributes{
		Message:  "multisig signatures incomplete",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMultisigNotRequired, xerrors.Attributes{
		Message:  "multisig not required",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSignerUnauthorized, xerrors.Attributes{
		Message:  "signer not authorized",
		Kind:     xerrors.KindUnauthorized,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRecoveryNotConfigured, xerrors.Attributes{
		Message:  "recovery not configured",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeLedgerTransferFailed, xerrors.Attributes{
		Message:   "ledger transfer failed",
		Kind:      xerrors.KindExternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

func invalidState(intent *Intent, action string, required ...Status) error {
	names := make([]string, 0, len(required))
	for _, s := range required {
		names = append(names, string(s))
	}
	return xerrors.New(CodeIntentInvalidState,
		"cannot "+action+" intent in "+string(intent.Status)+" state",
		xerrors.WithMetadata("intent_id", intent.ID),
		xerrors.WithTransition(string(intent.Status), strings.Join(names, "|")),
	)
}

func notFound(id string) error {
	return xerrors.New(CodeIntentNotFound, "payment intent "+id+" not found", xerrors.WithMetadata("intent_id", id))
}

func newID(prefix string, n int) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func cloneIntent(in *Intent) *Intent {
	if in == nil {
		return nil
	}
	out := *in
	out.ExecutedAt = cloneTime(in.ExecutedAt)
	out.ConfirmedAt = cloneTime(in.ConfirmedAt)
	out.Metadata = cloneMetadata(in.Metadata)
	return &out
}

func clonePayment(in *Payment) *Payment {
	if in == nil {
		return nil
	}
	out := *in
	out.ConfirmedAt = cloneTime(in.ConfirmedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

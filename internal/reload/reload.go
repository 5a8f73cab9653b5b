// Package reload 异步执行自动充值：余额告警投递 Request 到队列，Processor
// 消费后通过支付引擎从资金钱包向目标钱包转账。
package reload

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"

	"github.com/google/uuid"
)

const CodeReloadFailed xerrors.Code = "RELOAD_FAILED"

func init() {
	xerrors.Register(CodeReloadFailed, xerrors.Attributes{
		Message:   "auto reload failed",
		Kind:      xerrors.KindExternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Request 是一次自动充值请求。
type Request struct {
	ID          string        `json:"reload_id"`
	Wallet      string        `json:"wallet"`
	Amount      ledger.Amount `json:"amount"`
	Reason      string        `json:"reason,omitempty"`
	Attempts    int           `json:"attempts"`
	RequestedAt time.Time     `json:"requested_at"`
}

// NewRequest 创建带 ID 的充值请求。
func NewRequest(wallet string, amount ledger.Amount, reason string, now time.Time) Request {
	return Request{
		ID:          "reload-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Wallet:      wallet,
		Amount:      amount,
		Reason:      reason,
		RequestedAt: now.UTC(),
	}
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Wallet) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "充值钱包不能为空")
	}
	if r.Amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须为正数")
	}
	return nil
}

func encode(r Request) ([]byte, error) {
	return json.Marshal(r)
}

func decode(body []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return Request{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析充值请求失败")
	}
	return r, nil
}

// Outcome 记录一次充值请求的处理结果。
type Outcome struct {
	Request     Request   `json:"request"`
	Success     bool      `json:"success"`
	IntentID    string    `json:"payment_intent_id,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Final       bool      `json:"final"`
	ProcessedAt time.Time `json:"processed_at"`
}

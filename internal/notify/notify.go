// Package notify 在钱包余额低于阈值时发出告警，并按需触发自动充值。
package notify

import (
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
)

const (
	// DefaultRateLimit 是同一钱包两次告警之间的最短间隔。
	DefaultRateLimit = time.Hour
	// DefaultReloadAmount 是未指定时的自动充值金额（100 USD）。
	DefaultReloadAmount ledger.Amount = 100_000_000
)

// 未发送告警时的原因。
const (
	ReasonNotRegistered  = "No notification registered"
	ReasonAboveThreshold = "Balance above threshold"
	ReasonRateLimited    = "Rate limited"
)

const CodeNotificationNotFound xerrors.Code = "NOTIFICATION_NOT_FOUND"

func init() {
	xerrors.Register(CodeNotificationNotFound, xerrors.Attributes{
		Message:  "balance notification not registered",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
}

// Registration 是一个钱包的余额告警配置与状态。
type Registration struct {
	Wallet             string        `json:"wallet_address"`
	ThresholdUSD       float64       `json:"threshold_usd"`
	CallbackURL        string        `json:"callback_url,omitempty"`
	AutoReloadEnabled  bool          `json:"auto_reload_enabled"`
	AutoReloadAmount   ledger.Amount `json:"auto_reload_amount"`
	AutoReloadMaxDaily int           `json:"auto_reload_max_daily"`
	LastNotifiedAt     *time.Time    `json:"last_notified_at"`
	LastReloadedAt     *time.Time    `json:"last_reloaded_at"`
	ReloadCountToday   int           `json:"reload_count_today"`
}

// Threshold 返回以微单位表示的阈值。范围已在 Register 时校验。
func (r *Registration) Threshold() ledger.Amount {
	amount, _ := ledger.FromFloat(r.ThresholdUSD)
	return amount
}

// DailyCap 返回每个 UTC 日允许的充值次数，未配置时为 1。
func (r *Registration) DailyCap() int {
	if r.AutoReloadMaxDaily > 0 {
		return r.AutoReloadMaxDaily
	}
	return 1
}

func cloneRegistration(in *Registration) *Registration {
	out := *in
	if in.LastNotifiedAt != nil {
		t := *in.LastNotifiedAt
		out.LastNotifiedAt = &t
	}
	if in.LastReloadedAt != nil {
		t := *in.LastReloadedAt
		out.LastReloadedAt = &t
	}
	return &out
}

// Alert 是一次低余额告警。
type Alert struct {
	Type           string    `json:"type"`
	Wallet         string    `json:"wallet"`
	CurrentBalance float64   `json:"current_balance"`
	Threshold      float64   `json:"threshold"`
	Timestamp      time.Time `json:"timestamp"`
}

// CheckResult 是 CheckBalanceAndNotify 的结果。AlertSent 为 false 时 Reason 说明原因。
type CheckResult struct {
	AlertSent      bool       `json:"alert_sent"`
	Reason         string     `json:"reason,omitempty"`
	CurrentBalance *float64   `json:"current_balance,omitempty"`
	Threshold      *float64   `json:"threshold,omitempty"`
	LastNotified   *time.Time `json:"last_notified,omitempty"`
	Alert          *Alert     `json:"alert,omitempty"`
	AutoReloaded   bool       `json:"auto_reloaded"`
	ReloadID       string     `json:"reload_id,omitempty"`
}

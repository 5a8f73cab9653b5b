package notify

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/observability/metrics"
	"trustyclaw/internal/reload"
	"trustyclaw/pkg/keylock"
	"trustyclaw/pkg/logger"
)

// BalanceReader 返回钱包余额。
type BalanceReader interface {
	Balance(ctx context.Context, wallet string) (ledger.Amount, error)
}

// Engine 管理余额告警注册并执行检查。
type Engine struct {
	balances   BalanceReader
	dispatcher *Dispatcher
	webhook    *WebhookClient
	reloads    reload.Producer
	rateLimit  time.Duration
	now        func() time.Time
	log        *slog.Logger
	locks      keylock.Locker

	mu            sync.RWMutex
	registrations map[string]*Registration
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithDispatcher 指定告警派发器。
func WithDispatcher(d *Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

// WithWebhook 指定 webhook 客户端。
func WithWebhook(w *WebhookClient) Option {
	return func(e *Engine) {
		if w != nil {
			e.webhook = w
		}
	}
}

// WithReloadProducer 指定自动充值请求的投递队列。
func WithReloadProducer(p reload.Producer) Option {
	return func(e *Engine) {
		e.reloads = p
	}
}

// WithRateLimit 覆盖告警限流窗口。
func WithRateLimit(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.rateLimit = d
		}
	}
}

// WithClock 注入时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine 创建告警引擎。
func NewEngine(balances BalanceReader, opts ...Option) *Engine {
	e := &Engine{
		balances:      balances,
		dispatcher:    NewDispatcher(),
		webhook:       NewWebhookClient(0),
		rateLimit:     DefaultRateLimit,
		now:           time.Now,
		log:           logger.Named("notify"),
		registrations: make(map[string]*Registration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// AddCallback 注册进程内告警回调。
func (e *Engine) AddCallback(fn func(ctx context.Context, alert Alert)) {
	e.dispatcher.Add(CallbackNotifier{Fn: fn})
}

// RegisterRequest 描述一次告警注册。
type RegisterRequest struct {
	Wallet             string        `json:"wallet_address"`
	ThresholdUSD       float64       `json:"threshold_usd"`
	CallbackURL        string        `json:"callback_url"`
	AutoReload         bool          `json:"auto_reload"`
	AutoReloadAmount   ledger.Amount `json:"auto_reload_amount"`
	AutoReloadMaxDaily int           `json:"auto_reload_max_daily"`
}

// Register 为钱包注册余额告警，已存在的注册会被覆盖。
func (e *Engine) Register(_ context.Context, req RegisterRequest) (*Registration, error) {
	wallet := strings.TrimSpace(req.Wallet)
	if wallet == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallet_address is required")
	}
	if req.ThresholdUSD <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "threshold_usd must be positive")
	}
	if _, err := ledger.FromFloat(req.ThresholdUSD); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "threshold_usd out of range")
	}
	if req.AutoReloadAmount < 0 || req.AutoReloadMaxDaily < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "auto reload settings must not be negative")
	}
	amount := req.AutoReloadAmount
	if amount == 0 {
		amount = DefaultReloadAmount
	}
	reg := &Registration{
		Wallet:             wallet,
		ThresholdUSD:       req.ThresholdUSD,
		CallbackURL:        req.CallbackURL,
		AutoReloadEnabled:  req.AutoReload,
		AutoReloadAmount:   amount,
		AutoReloadMaxDaily: req.AutoReloadMaxDaily,
	}

	unlock := e.locks.Lock(wallet)
	defer unlock()
	e.mu.Lock()
	e.registrations[wallet] = reg
	e.mu.Unlock()

	e.log.Debug("余额告警已注册", slog.String("wallet", wallet), slog.Float64("threshold_usd", req.ThresholdUSD))
	return cloneRegistration(reg), nil
}

// Get 返回钱包的注册信息。
func (e *Engine) Get(_ context.Context, wallet string) (*Registration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.registrations[wallet]
	if !ok {
		return nil, notFound(wallet)
	}
	return cloneRegistration(reg), nil
}

// List 按钱包地址排序返回全部注册。
func (e *Engine) List(_ context.Context) []*Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Registration, 0, len(e.registrations))
	for _, reg := range e.registrations {
		out = append(out, cloneRegistration(reg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}

// CheckBalanceAndNotify 检查余额并在低于阈值时发出告警。未注册、余额充足与限流
// 均以 AlertSent=false 和原因返回；只有读取余额失败时返回错误。force 跳过限流。
func (e *Engine) CheckBalanceAndNotify(ctx context.Context, wallet string, force bool) (CheckResult, error) {
	unlock := e.locks.Lock(wallet)
	defer unlock()

	e.mu.RLock()
	stored, ok := e.registrations[wallet]
	var reg *Registration
	if ok {
		reg = cloneRegistration(stored)
	}
	e.mu.RUnlock()
	if !ok {
		return CheckResult{Reason: ReasonNotRegistered}, nil
	}

	balance, err := e.balances.Balance(ctx, wallet)
	if err != nil {
		return CheckResult{}, xerrors.Wrap(xerrors.CodeUnknown, err, "读取钱包余额失败", xerrors.WithMetadata("wallet", wallet))
	}
	balanceUSD := balance.Float()
	threshold := reg.ThresholdUSD
	if balance >= reg.Threshold() {
		return CheckResult{
			Reason:         ReasonAboveThreshold,
			CurrentBalance: &balanceUSD,
			Threshold:      &threshold,
		}, nil
	}

	now := e.now().UTC()
	if !force && reg.LastNotifiedAt != nil && now.Sub(*reg.LastNotifiedAt) < e.rateLimit {
		last := *reg.LastNotifiedAt
		return CheckResult{Reason: ReasonRateLimited, LastNotified: &last}, nil
	}

	alert := Alert{
		Type:           "low_balance_alert",
		Wallet:         wallet,
		CurrentBalance: balanceUSD,
		Threshold:      threshold,
		Timestamp:      now,
	}
	if err := e.dispatcher.Notify(ctx, alert); err != nil {
		e.log.Warn("告警投递部分失败", slog.String("wallet", wallet), slog.Any("error", err))
	}
	if reg.CallbackURL != "" {
		if err := e.webhook.Send(ctx, reg.CallbackURL, alert); err != nil {
			e.log.Warn("webhook 投递失败", slog.String("wallet", wallet), slog.String("url", reg.CallbackURL), slog.Any("error", err))
		}
	}
	reg.LastNotifiedAt = &now
	metrics.Default().ObserveOutcome("balance_alert", true)

	result := CheckResult{AlertSent: true, Alert: &alert}
	if reg.AutoReloadEnabled {
		result.ReloadID, result.AutoReloaded = e.autoReload(ctx, reg, now)
	}

	e.mu.Lock()
	if _, still := e.registrations[wallet]; still {
		e.registrations[wallet] = reg
	}
	e.mu.Unlock()

	logger.Audit().Info("low balance alert",
		slog.String("wallet", wallet),
		slog.Float64("balance_usd", balanceUSD),
		slog.Float64("threshold_usd", threshold),
		slog.Bool("auto_reloaded", result.AutoReloaded),
	)
	return result, nil
}

// autoReload 投递充值请求。每个 UTC 日最多 DailyCap 次，新的一天计数归零。
func (e *Engine) autoReload(ctx context.Context, reg *Registration, now time.Time) (string, bool) {
	if e.reloads == nil {
		e.log.Warn("未配置充值队列，跳过自动充值", slog.String("wallet", reg.Wallet))
		return "", false
	}
	count := reg.ReloadCountToday
	if reg.LastReloadedAt == nil || !sameUTCDay(*reg.LastReloadedAt, now) {
		count = 0
	}
	if count >= reg.DailyCap() {
		e.log.Debug("已达当日充值上限", slog.String("wallet", reg.Wallet), slog.Int("count", count))
		return "", false
	}

	req := reload.NewRequest(reg.Wallet, reg.AutoReloadAmount, "low balance", now)
	if err := e.reloads.Publish(ctx, req); err != nil {
		e.log.Error("投递自动充值请求失败", slog.String("wallet", reg.Wallet), slog.Any("error", err))
		return "", false
	}
	reg.LastReloadedAt = &now
	reg.ReloadCountToday = count + 1
	logger.Audit().Info("auto reload requested",
		slog.String("wallet", reg.Wallet),
		slog.String("reload_id", req.ID),
		slog.Int64("amount", int64(req.Amount)),
	)
	return req.ID, true
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func notFound(wallet string) error {
	return xerrors.New(CodeNotificationNotFound, "no balance notification for "+wallet,
		xerrors.WithMetadata("wallet", wallet))
}

package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/pkg/keylock"
	"trustyclaw/pkg/logger"
)

// DefaultMinimumAmount 是单笔支付的最小微单位金额。
const DefaultMinimumAmount ledger.Amount = 1_000

// Engine 负责支付意图的创建、执行与历史记录。
type Engine struct {
	store       Store
	ledger      ledger.Adapter
	minimum     ledger.Amount
	explorerURL string
	now         func() time.Time
	log         *slog.Logger
	locks       keylock.Locker

	policyMu sync.RWMutex
	policy   MultisigPolicy
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithMinimumAmount 覆盖最小金额。
func WithMinimumAmount(amount ledger.Amount) Option {
	return func(e *Engine) {
		if amount > 0 {
			e.minimum = amount
		}
	}
}

// WithMultisigPolicy 设置初始多签策略。
func WithMultisigPolicy(policy MultisigPolicy) Option {
	return func(e *Engine) {
		e.policy = policy.normalized()
	}
}

// WithExplorerBaseURL 设置交易浏览器地址前缀。
func WithExplorerBaseURL(base string) Option {
	return func(e *Engine) {
		e.explorerURL = base
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

// NewEngine 创建支付引擎。
func NewEngine(store Store, adapter ledger.Adapter, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ledger:  adapter,
		minimum: DefaultMinimumAmount,
		now:     time.Now,
		log:     logger.Named("payment"),
		policy:  MultisigPolicy{RequiredCount: 2},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Ledger 返回引擎使用的账本适配器。
func (e *Engine) Ledger() ledger.Adapter {
	return e.ledger
}

// CreateIntent 校验金额并创建 PENDING 状态的支付意图。
func (e *Engine) CreateIntent(ctx context.Context, amount ledger.Amount, from, to, description string, metadata map[string]any) (*Intent, error) {
	if amount <= 0 {
		return nil, xerrors.New(CodeInvalidAmount, "amount must be positive")
	}
	if amount < e.minimum {
		return nil, xerrors.Newf(CodeBelowMinimum, "amount below minimum (%d micro-units)", e.minimum)
	}
	if from == "" || to == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "source and destination wallets are required")
	}

	intent := &Intent{
		ID:          newID("pi-", 16),
		From:        from,
		To:          to,
		Amount:      amount,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   e.now().UTC(),
		Metadata:    cloneMetadata(metadata),
	}
	if intent.Metadata == nil {
		intent.Metadata = make(map[string]any)
	}

	policy := e.MultisigPolicy()
	if policy.Applies(amount) {
		intent.Metadata[MetaRequiresMultisig] = true
		intent.Metadata[MetaSignersRequired] = append([]string(nil), policy.Signers...)
		intent.Metadata[MetaSignaturesCollected] = map[string]string{}
		intent.Metadata[MetaSignatureThreshold] = policy.RequiredCount
	}

	if err := e.store.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	e.log.Debug("支付意图已创建", slog.String("intent_id", intent.ID), slog.Int64("amount", int64(amount)))
	return cloneIntent(intent), nil
}

// Get 返回指定意图。
func (e *Engine) Get(ctx context.Context, id string) (*Intent, error) {
	return e.store.GetIntent(ctx, id)
}

// Execute 通过账本执行转账。未知意图、非法状态与多签未就绪以错误返回；
// 账本失败不会以错误返回，而是将意图置为 FAILED 并返回失败结果。
func (e *Engine) Execute(ctx context.Context, id string) (Result, error) {
	intent, err := e.begin(ctx, id)
	if err != nil {
		return FailureResult(id, err), err
	}

	receipt, transferErr := e.ledger.Transfer(ctx, intent.From, intent.To, intent.Amount)
	if transferErr == nil && !receipt.Confirmed() {
		transferErr = xerrors.New(CodeLedgerTransferFailed, "ledger reported transfer status "+string(receipt.Status))
	}

	// 账本调用返回后再提交本地状态，调用方取消 ctx 也不能让意图停留在 PROCESSING。
	commitCtx := context.WithoutCancel(ctx)
	if transferErr != nil {
		return e.fail(commitCtx, intent, transferErr)
	}
	return e.settle(commitCtx, intent, receipt)
}

func (e *Engine) begin(ctx context.Context, id string) (*Intent, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := Next(intent.Status, EventBegin)
	if !ok {
		return nil, invalidState(intent, "execute", requiredFor(EventBegin)...)
	}
	if intent.RequiresMultisig() && len(intent.SignaturesCollected()) == 0 {
		return nil, xerrors.New(CodeMultisigIncomplete, "multisig required but no signatures collected",
			xerrors.WithMetadata("intent_id", id))
	}

	now := e.now().UTC()
	intent.Status = next
	intent.ExecutedAt = &now
	if err := e.store.UpdateIntent(ctx, intent); err != nil {
		if xerrors.HasCode(err, CodeIntentConflict) {
			return nil, xerrors.New(CodeIntentInvalidState, "payment intent "+id+" is already being executed",
				xerrors.WithMetadata("intent_id", id))
		}
		return nil, err
	}
	return intent, nil
}

func (e *Engine) settle(ctx context.Context, pending *Intent, receipt ledger.Receipt) (Result, error) {
	now := e.now().UTC()
	intent, err := e.mutate(ctx, pending.ID, func(cur *Intent) error {
		next, ok := Next(cur.Status, EventSettle)
		if !ok {
			return invalidState(cur, "settle", StatusProcessing)
		}
		cur.Status = next
		cur.Signature = receipt.Signature
		cur.ConfirmedAt = &now
		return nil
	})
	if err != nil {
		e.log.Error("确认支付意图失败", slog.String("intent_id", pending.ID), slog.String("signature", receipt.Signature), slog.Any("error", err))
		return FailureResult(pending.ID, err), err
	}

	record := &Payment{
		ID:          newID("pay-", 12),
		IntentID:    intent.ID,
		From:        intent.From,
		To:          intent.To,
		Amount:      intent.Amount,
		Description: intent.Description,
		Status:      intent.Status,
		Signature:   receipt.Signature,
		CreatedAt:   intent.CreatedAt,
		ConfirmedAt: &now,
	}
	if err := e.store.AppendPayment(ctx, record); err != nil {
		e.log.Error("写入支付历史失败", slog.String("intent_id", intent.ID), slog.Any("error", err))
		// 转账已完成且意图已 CONFIRMED，审计日志保留补录历史所需的全部字段。
		logger.Audit().Warn("payment confirmed without history",
			slog.String("intent_id", intent.ID),
			slog.String("payment_id", record.ID),
			slog.String("from", intent.From),
			slog.String("to", intent.To),
			slog.Int64("amount", int64(intent.Amount)),
			slog.String("signature", receipt.Signature),
			slog.Time("confirmed_at", now),
			slog.String("error", err.Error()),
		)
		return FailureResult(intent.ID, err), err
	}

	logger.Audit().Info("payment confirmed",
		slog.String("intent_id", intent.ID),
		slog.String("payment_id", record.ID),
		slog.String("from", intent.From),
		slog.String("to", intent.To),
		slog.Int64("amount", int64(intent.Amount)),
		slog.String("signature", receipt.Signature),
	)
	return Result{
		Success:     true,
		IntentID:    intent.ID,
		Signature:   receipt.Signature,
		Status:      intent.Status,
		ExplorerURL: ledger.ExplorerURL(e.explorerURL, receipt.Signature),
	}, nil
}

func (e *Engine) fail(ctx context.Context, pending *Intent, cause error) (Result, error) {
	intent, err := e.mutate(ctx, pending.ID, func(cur *Intent) error {
		next, ok := Next(cur.Status, EventFail)
		if !ok {
			return invalidState(cur, "fail", StatusProcessing)
		}
		cur.Status = next
		return nil
	})
	if err != nil {
		e.log.Error("标记支付意图失败状态失败", slog.String("intent_id", pending.ID), slog.Any("error", err))
		return FailureResult(pending.ID, err), err
	}

	e.log.Warn("账本转账失败", slog.String("intent_id", intent.ID), slog.Any("error", cause))
	logger.Audit().Info("payment failed",
		slog.String("intent_id", intent.ID),
		slog.Int64("amount", int64(intent.Amount)),
		slog.String("error", cause.Error()),
	)
	return Result{
		Success:   false,
		IntentID:  intent.ID,
		Status:    StatusFailed,
		ErrorCode: CodeLedgerTransferFailed,
		Error:     cause.Error(),
	}, nil
}

// Cancel 取消 PENDING 状态的意图。
func (e *Engine) Cancel(ctx context.Context, id string) (Result, error) {
	return e.apply(ctx, id, EventCancel, "cancel")
}

// Finalize 将已确认的意图置为 FINALIZED，由托管释放流程调用。
func (e *Engine) Finalize(ctx context.Context, id string) (Result, error) {
	return e.apply(ctx, id, EventFinalize, "finalize")
}

// RefundCancel 将已确认的意图取消，由托管退款流程调用。
func (e *Engine) RefundCancel(ctx context.Context, id string) (Result, error) {
	return e.apply(ctx, id, EventRefund, "refund")
}

func (e *Engine) apply(ctx context.Context, id string, event Event, action string) (Result, error) {
	intent, err := e.mutate(ctx, id, func(intent *Intent) error {
		next, ok := Next(intent.Status, event)
		if !ok {
			return invalidState(intent, action, requiredFor(event)...)
		}
		intent.Status = next
		return nil
	})
	if err != nil {
		return FailureResult(id, err), err
	}
	logger.Audit().Info("payment intent "+string(event),
		slog.String("intent_id", intent.ID),
		slog.String("status", string(intent.Status)),
	)
	return Result{Success: true, IntentID: intent.ID, Signature: intent.Signature, Status: intent.Status}, nil
}

// mutate 在意图锁内读取、修改并写回意图。fn 返回错误时不会写入。
func (e *Engine) mutate(ctx context.Context, id string, fn func(*Intent) error) (*Intent, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	intent, err := e.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(intent); err != nil {
		return nil, err
	}
	if err := e.store.UpdateIntent(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func requiredFor(event Event) []Status {
	var out []Status
	for _, status := range []Status{StatusPending, StatusProcessing, StatusConfirmed} {
		if _, ok := transitions[status][event]; ok {
			out = append(out, status)
		}
	}
	return out
}
